// Package refs extracts work-item references from commit messages.
//
// Extraction is driven entirely by an ordered list of patterns. Each pattern
// must define a "key" capture group holding the work-item identifier and may
// define a "token" group selecting the raw token; without one the whole match
// is the token. Replacing the pattern list never touches extraction logic.
//
// A pattern may also define a "prefix" group. References carrying a prefix are
// only linkable when the prefix is in the extractor's link-prefix set, so
// tokens such as "UTF-8" or "SHA-256" are reported but never linked.
package refs

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/scmbridge/cbsync/internal/types"
)

// Pattern is one named reference syntax.
type Pattern struct {
	Name string `yaml:"name" toml:"name" mapstructure:"name"`
	Expr string `yaml:"expr" toml:"expr" mapstructure:"expr"`
}

// DefaultPatterns recognise "#123", "CB-123", "ITEM-123" and any
// "<PREFIX>-<digits>" token. Prefixed tokens link only for configured prefixes.
var DefaultPatterns = []Pattern{
	{Name: "hash", Expr: `(?:^|[^\w&])(?P<token>#(?P<key>\d+))\b`},
	{Name: "cb", Expr: `\b(?P<token>CB-(?P<key>\d+))\b`},
	{Name: "item", Expr: `\b(?P<token>ITEM-(?P<key>\d+))\b`},
	{Name: "prefixed", Expr: `\b(?P<token>(?P<prefix>[A-Z][A-Z0-9]*)-(?P<key>\d+))\b`},
}

type compiled struct {
	name   string
	re     *regexp.Regexp
	key    int
	token  int
	prefix int
}

// Extractor applies a fixed list of compiled patterns. Safe for concurrent use.
type Extractor struct {
	patterns     []compiled
	linkPrefixes map[string]bool
}

// New compiles the given patterns. An empty list yields an extractor that
// never matches.
func New(patterns []Pattern) (*Extractor, error) {
	e := &Extractor{}
	for i, p := range patterns {
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%s): %w", i, p.Name, err)
		}
		key := re.SubexpIndex("key")
		if key < 0 {
			return nil, fmt.Errorf("pattern %d (%s): missing (?P<key>...) group", i, p.Name)
		}
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("pattern-%d", i)
		}
		e.patterns = append(e.patterns, compiled{
			name:   name,
			re:     re,
			key:    key,
			token:  re.SubexpIndex("token"),
			prefix: re.SubexpIndex("prefix"),
		})
	}
	return e, nil
}

// Default returns an extractor built from DefaultPatterns.
func Default() *Extractor {
	e, err := New(DefaultPatterns)
	if err != nil {
		panic(err) // DefaultPatterns are compile-time constants
	}
	return e
}

// WithLinkPrefixes returns a copy of e that links prefixed references whose
// prefix is in prefixes. Matching ignores case.
func (e *Extractor) WithLinkPrefixes(prefixes []string) *Extractor {
	out := &Extractor{patterns: e.patterns}
	for _, p := range prefixes {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if out.linkPrefixes == nil {
			out.linkPrefixes = make(map[string]bool, len(prefixes))
		}
		out.linkPrefixes[p] = true
	}
	return out
}

// LinkPrefixes returns the configured link prefixes, sorted.
func (e *Extractor) LinkPrefixes() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.linkPrefixes))
	for p := range e.linkPrefixes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Linkable reports whether ref should be linked to a work item. References
// without a prefix always are.
func (e *Extractor) Linkable(ref types.WorkItemReference) bool {
	if ref.Prefix == "" {
		return true
	}
	return e != nil && e.linkPrefixes[strings.ToUpper(ref.Prefix)]
}

type match struct {
	start, end int
	ref        types.WorkItemReference
}

// Extract returns the distinct references in message, ordered by their first
// position. sha is recorded as the source commit. Never fails.
func (e *Extractor) Extract(message, sha string) []types.WorkItemReference {
	if e == nil || message == "" {
		return nil
	}

	var matches []match
	for _, p := range e.patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(message, -1) {
			if loc[2*p.key] < 0 {
				continue
			}
			start, end := loc[0], loc[1]
			if p.token >= 0 && loc[2*p.token] >= 0 {
				start, end = loc[2*p.token], loc[2*p.token+1]
			}
			ref := types.WorkItemReference{
				RawToken:        message[start:end],
				Key:             message[loc[2*p.key]:loc[2*p.key+1]],
				Pattern:         p.name,
				SourceCommitSHA: sha,
			}
			if p.prefix >= 0 && loc[2*p.prefix] >= 0 {
				ref.Prefix = message[loc[2*p.prefix]:loc[2*p.prefix+1]]
			}
			matches = append(matches, match{start: start, end: end, ref: ref})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		if matches[i].end != matches[j].end {
			return matches[i].end > matches[j].end
		}
		// a dedicated pattern beats the generic prefixed one
		return matches[i].ref.Prefix == "" && matches[j].ref.Prefix != ""
	})

	seen := make(map[string]bool, len(matches))
	var out []types.WorkItemReference
	for _, m := range matches {
		if seen[m.ref.RawToken] {
			continue
		}
		seen[m.ref.RawToken] = true
		out = append(out, m.ref)
	}
	return out
}

// Keys returns the distinct work-item keys of refs in order.
func Keys(refs []types.WorkItemReference) []string {
	seen := make(map[string]bool, len(refs))
	var keys []string
	for _, r := range refs {
		if seen[r.Key] {
			continue
		}
		seen[r.Key] = true
		keys = append(keys, r.Key)
	}
	return keys
}
