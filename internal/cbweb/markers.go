package cbweb

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/scmbridge/cbsync/internal/types"
)

// Every write through the web UI is a note whose first line is one of these
// markers, so that a later read of the page can prove the write happened.
// Markers count only at the start of a line; commit messages inside notes
// are quoted so they can never start one.
const markerTag = "[scm-sync]"

var branchMarkerRe = regexp.MustCompile(`(?m)^[ \t]*\[scm-sync\] branch (created|deleted) (\S+)(?: at ([0-9a-fA-F]+))?[ \t\r]*$`)

func commitMarker(sha string) string {
	return fmt.Sprintf("%s commit %s", markerTag, sha)
}

func linkMarker(sha string) string {
	return fmt.Sprintf("%s link %s", markerTag, sha)
}

func branchMarker(b types.BranchEvent) string {
	m := fmt.Sprintf("%s branch %s %s", markerTag, b.Action, b.BranchName())
	if b.Action == types.BranchCreated && b.AtSHA != "" {
		m += " at " + b.AtSHA
	}
	return m
}

// hasMarker reports whether a line of text starts with marker as a whole
// token sequence.
func hasMarker(text, marker string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimLeft(line, " \t")
		if !strings.HasPrefix(line, marker) {
			continue
		}
		rest := line[len(marker):]
		if rest == "" || !isWordByte(rest[0]) {
			return true
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// lastBranchMarker returns the most recent marker recorded for a branch.
func lastBranchMarker(text, branch string) (action types.BranchAction, sha string, ok bool) {
	for _, m := range branchMarkerRe.FindAllStringSubmatch(text, -1) {
		if m[2] != branch {
			continue
		}
		action, sha, ok = types.BranchAction(m[1]), m[3], true
	}
	return action, sha, ok
}

func commitNote(seq int, c types.CommitEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s seq=%d\n", commitMarker(c.SHA), seq)
	fmt.Fprintf(&b, "Author: %s", c.AuthorName)
	if c.AuthorEmail != "" {
		fmt.Fprintf(&b, " <%s>", c.AuthorEmail)
	}
	b.WriteByte('\n')
	if !c.Timestamp.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", c.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if c.BranchRef != "" {
		fmt.Fprintf(&b, "Branch: %s\n", types.BranchName(c.BranchRef))
	}
	fmt.Fprintf(&b, "\n%s", quote(c.Message))
	return b.String()
}

func linkNote(c types.CommitEvent) string {
	return fmt.Sprintf("%s\nCommit %s by %s\n\n%s", linkMarker(c.SHA), c.ShortSHA(), c.AuthorName, quote(c.Message))
}

// quote prefixes every line of a commit message with "> ".
func quote(msg string) string {
	lines := strings.Split(strings.TrimSpace(msg), "\n")
	for i, l := range lines {
		lines[i] = "> " + strings.TrimRight(l, " \t\r")
	}
	return strings.Join(lines, "\n")
}
