package refs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokens(t *testing.T, e *Extractor, msg string) []string {
	t.Helper()
	var out []string
	for _, r := range e.Extract(msg, "abc123") {
		out = append(out, r.RawToken)
	}
	return out
}

func TestExtractDefaultPatterns(t *testing.T) {
	e := Default()
	tests := []struct {
		name string
		msg  string
		want []string
	}{
		{"hash and prefixed", "Fix auth bug #123 and refs TASK-456", []string{"#123", "TASK-456"}},
		{"codebeamer prefix", "CB-77: tighten timeout", []string{"CB-77"}},
		{"item prefix", "implements ITEM-9", []string{"ITEM-9"}},
		{"duplicates collapse", "#5 then #5 again and #5", []string{"#5"}},
		{"html entity ignored", "quote &#39; is not a ref", nil},
		{"no references", "just a refactor", nil},
		{"empty", "", nil},
		{"lowercase prefix ignored", "see abc-12", nil},
		{"ordered by position", "TASK-1 before #2 before CB-3", []string{"TASK-1", "#2", "CB-3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tokens(t, e, tt.msg))
		})
	}
}

func TestExtractPopulatesKeyAndCommit(t *testing.T) {
	got := Default().Extract("Fix auth bug #123 and refs TASK-456", "deadbeef")
	require.Len(t, got, 2)

	assert.Equal(t, "123", got[0].Key)
	assert.Equal(t, "hash", got[0].Pattern)
	assert.Equal(t, "456", got[1].Key)
	for _, r := range got {
		assert.Equal(t, "deadbeef", r.SourceCommitSHA)
		assert.Empty(t, r.ResolvedID)
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	e := Default()
	msg := "CB-1 #2 ITEM-3 PROJ-4 #2 CB-1"
	first := e.Extract(msg, "x")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Extract(msg, "x"))
	}
}

func TestExtractIndependentOfPatternOrder(t *testing.T) {
	reversed := make([]Pattern, len(DefaultPatterns))
	for i, p := range DefaultPatterns {
		reversed[len(DefaultPatterns)-1-i] = p
	}
	e, err := New(reversed)
	require.NoError(t, err)

	assert.Equal(t, []string{"#123", "TASK-456"}, tokens(t, e, "Fix auth bug #123 and refs TASK-456"))
	assert.Equal(t, []string{"CB-9"}, tokens(t, e, "CB-9"))
	got := e.Extract("CB-9", "x")
	require.Len(t, got, 1)
	assert.Equal(t, "cb", got[0].Pattern)
	assert.True(t, e.Linkable(got[0]))
}

func TestNewRejectsBadPatterns(t *testing.T) {
	_, err := New([]Pattern{{Name: "broken", Expr: `(`}})
	assert.Error(t, err)

	_, err = New([]Pattern{{Name: "nokey", Expr: `#\d+`}})
	assert.ErrorContains(t, err, "key")
}

func TestCustomPatternWithoutTokenGroup(t *testing.T) {
	e, err := New([]Pattern{{Name: "jira", Expr: `JIRA:(?P<key>\d+)`}})
	require.NoError(t, err)

	got := e.Extract("closes JIRA:42", "x")
	require.Len(t, got, 1)
	assert.Equal(t, "JIRA:42", got[0].RawToken)
	assert.Equal(t, "42", got[0].Key)
}

func TestNilExtractor(t *testing.T) {
	var e *Extractor
	assert.Nil(t, e.Extract("#1", "x"))
}

func TestKeys(t *testing.T) {
	refs := Default().Extract("#7 CB-7 TASK-8", "x")
	assert.Equal(t, []string{"7", "8"}, Keys(refs))
}

func TestLoadPatterns(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "patterns.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`patterns:
  - name: story
    expr: '\b(?P<token>US(?P<key>\d+))\b'
`), 0o600))

	tomlPath := filepath.Join(dir, "patterns.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`[[patterns]]
name = "bug"
expr = '\b(?P<token>BUG(?P<key>\d+))\b'
`), 0o600))

	p, err := LoadPatterns(yamlPath)
	require.NoError(t, err)
	require.Len(t, p, 1)
	assert.Equal(t, "story", p[0].Name)

	e, err := FromFileOrDefault(tomlPath, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"BUG12"}, tokens(t, e, "fix BUG12 not #3"))

	_, err = LoadPatterns(filepath.Join(dir, "patterns.json"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("patterns: []\n"), 0o600))
	_, err = LoadPatterns(empty)
	assert.Error(t, err)
}

func TestFromFileOrDefaultInline(t *testing.T) {
	e, err := FromFileOrDefault("", []Pattern{{Name: "x", Expr: `X(?P<key>\d)`}})
	require.NoError(t, err)
	assert.Equal(t, []string{"X1"}, tokens(t, e, "X1 #2"))

	e, err = FromFileOrDefault("", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"#2"}, tokens(t, e, "X1 #2"))
}

func TestPrefixedReferencesLinkOnlyForConfiguredPrefixes(t *testing.T) {
	msg := "#456 TASK-456 and upgrade to UTF-8 and SHA-256"

	e := Default()
	got := e.Extract(msg, "x")
	require.Len(t, got, 4)
	assert.Equal(t, []string{"#456", "TASK-456", "UTF-8", "SHA-256"}, tokens(t, e, msg))
	assert.Equal(t, "", got[0].Prefix)
	assert.Equal(t, "TASK", got[1].Prefix)
	assert.Equal(t, "UTF", got[2].Prefix)

	var linkable []string
	for _, r := range got {
		if e.Linkable(r) {
			linkable = append(linkable, r.RawToken)
		}
	}
	assert.Equal(t, []string{"#456"}, linkable)

	withTask := e.WithLinkPrefixes([]string{" task ", ""})
	assert.Equal(t, []string{"TASK"}, withTask.LinkPrefixes())
	assert.True(t, withTask.Linkable(got[1]))
	assert.False(t, withTask.Linkable(got[2]))
	assert.False(t, withTask.Linkable(got[3]))
	assert.Empty(t, e.LinkPrefixes(), "original extractor unchanged")
}

func TestBuiltInPrefixesAlwaysLinkable(t *testing.T) {
	e := Default()
	for _, r := range e.Extract("CB-1 ITEM-2 #3", "x") {
		assert.Empty(t, r.Prefix, r.RawToken)
		assert.True(t, e.Linkable(r), r.RawToken)
	}
}

func TestTransition(t *testing.T) {
	tests := []struct {
		msg     string
		status  string
		keyword string
	}{
		{"Fixes #12", StatusResolved, "Fixes"},
		{"closes CB-3 after review", StatusResolved, "closes"},
		{"RESOLVES ITEM-4", StatusResolved, "RESOLVES"},
		{"completed #5", StatusDone, "completed"},
		{"completed #5, fixes #6", StatusResolved, "fixes"},
		{"refs #7", "", ""},
		{"prefixes and suffixes #8", "", ""},
		{"uncompleted #9", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			status, keyword := Transition(tt.msg)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.keyword, keyword)
		})
	}
}
