package cbweb

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scmbridge/cbsync/internal/types"
)

func TestHasMarker(t *testing.T) {
	tests := []struct {
		text   string
		marker string
		want   bool
	}{
		{"[scm-sync] commit abc seq=1", "[scm-sync] commit abc", true},
		{"[scm-sync] commit abcd seq=1", "[scm-sync] commit abc", false},
		{"x\n[scm-sync] commit abcd\n[scm-sync] commit abc", "[scm-sync] commit abc", true},
		{"[scm-sync] commit abc", "[scm-sync] commit abc", true},
		{"", "[scm-sync] commit abc", false},
		{"  [scm-sync] commit abc seq=1", "[scm-sync] commit abc", true},
		{"Revert: see [scm-sync] commit abc", "[scm-sync] commit abc", false},
		{"> [scm-sync] commit abc seq=1", "[scm-sync] commit abc", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hasMarker(tt.text, tt.marker), "%q", tt.text)
	}
}

func TestLastBranchMarker(t *testing.T) {
	text := "[scm-sync] branch created main at 111\n" +
		"[scm-sync] branch created feature at 222\n" +
		"[scm-sync] branch deleted main\n"

	action, sha, ok := lastBranchMarker(text, "main")
	require.True(t, ok)
	assert.Equal(t, types.BranchDeleted, action)
	assert.Empty(t, sha)

	action, sha, ok = lastBranchMarker(text, "feature")
	require.True(t, ok)
	assert.Equal(t, types.BranchCreated, action)
	assert.Equal(t, "222", sha)

	_, _, ok = lastBranchMarker(text, "feat")
	assert.False(t, ok)

	quoted := text + "> [scm-sync] branch created main at 333\n" +
		"note: [scm-sync] branch created main at 444\n"
	action, _, ok = lastBranchMarker(quoted, "main")
	require.True(t, ok)
	assert.Equal(t, types.BranchDeleted, action, "quoted markers are not branch records")
}

func TestCommitNote(t *testing.T) {
	note := commitNote(2, types.CommitEvent{
		SHA:         "abc",
		Message:     "Fix #1\n",
		AuthorName:  "Dev",
		AuthorEmail: "dev@example.com",
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		BranchRef:   "refs/heads/main",
	})
	want := "[scm-sync] commit abc seq=2\n" +
		"Author: Dev <dev@example.com>\n" +
		"Date: 2026-01-02T03:04:05Z\n" +
		"Branch: main\n" +
		"\n> Fix #1"
	assert.Equal(t, want, note)
}

func TestNotesQuoteMessageMarkers(t *testing.T) {
	c := types.CommitEvent{
		SHA:        "def",
		AuthorName: "Dev",
		Message:    "Revert \"Fix #1\"\n\n[scm-sync] commit abc seq=1\n[scm-sync] link abc",
	}
	for _, note := range []string{commitNote(1, c), linkNote(c)} {
		assert.False(t, hasMarker(note, commitMarker("abc")), note)
		assert.False(t, hasMarker(note, linkMarker("abc")), note)
	}
	assert.True(t, hasMarker(commitNote(1, c), commitMarker("def")))
	assert.True(t, hasMarker(linkNote(c), linkMarker("def")))
}

func TestParseForms(t *testing.T) {
	body := `<html><body>
<form id="f" method="post" action="/cb/x">
<input type="hidden" name="_csrf" value="tok">
<input name="plain">
<input type="checkbox" name="off" value="1">
<input type="checkbox" name="on" value="1" checked>
<input type="submit" name="go" value="Go">
<textarea name="text">  prefilled </textarea>
<select name="type"><option value="SVN">SVN</option><option value="GIT" selected>Git</option></select>
</form>
<div class="alert loginError">Invalid</div>
<a href="/cb/repository/7">  repo  </a>
</body></html>`
	u, _ := url.Parse("http://alm.example.com/cb/page")
	p := parsePage(u, 200, []byte(body))

	f := p.formByID("f")
	require.NotNil(t, f)
	assert.Equal(t, "POST", f.Method)
	assert.Equal(t, "tok", f.Fields.Get("_csrf"))
	assert.Equal(t, "prefilled", f.Fields.Get("text"))
	assert.Equal(t, "GIT", f.Fields.Get("type"))
	assert.True(t, f.hasField("plain"))
	assert.True(t, f.hasField("on"))
	assert.False(t, f.hasField("off"))
	assert.False(t, f.hasField("go"))
	assert.Equal(t, "plain", f.fieldOfType("text"))
	assert.Equal(t, "text", f.fieldOfType("textarea"))

	assert.True(t, p.hasErrorMarker())
	assert.Equal(t, []link{{Href: "/cb/repository/7", Text: "repo"}}, p.links())
	assert.Equal(t, "7", findRepository(p, "repo"))
	assert.Nil(t, p.formByID("missing"))
}
