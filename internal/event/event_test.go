package event

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scmbridge/cbsync/internal/types"
)

func mapEnv(m map[string]string) Env {
	return func(k string) string { return m[k] }
}

const pushPayload = `{
  "ref": "refs/heads/main",
  "before": "0000000000000000000000000000000000000000",
  "after": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
  "repository": {"full_name": "acme/widget", "name": "widget", "html_url": "https://github.com/acme/widget"},
  "sender": {"login": "octo"},
  "commits": [
    {"id": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "message": "Fix auth bug #123", "timestamp": "2026-01-02T04:04:05+01:00",
     "author": {"name": "Dev One", "email": "one@example.com", "username": "one"}},
    {"id": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "message": "Refs CB-7", "timestamp": "2026-01-02T05:00:00Z",
     "author": {"name": "", "email": "two@example.com", "username": "two"}}
  ]
}`

func TestParsePush(t *testing.T) {
	ev, err := Parse(NamePush, []byte(pushPayload), mapEnv(nil))
	require.NoError(t, err)

	assert.Equal(t, types.EventPush, ev.Kind)
	assert.Equal(t, "acme/widget", ev.Repository.FullName)
	assert.Equal(t, "https://github.com/acme/widget", ev.Repository.URL)
	assert.Equal(t, "refs/heads/main", ev.Ref)
	assert.Equal(t, "octo", ev.Actor)
	require.Len(t, ev.Commits, 2)

	first := ev.Commits[0]
	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", first.SHA)
	assert.Equal(t, "Dev One", first.AuthorName)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), first.Timestamp)
	assert.Equal(t, time.UTC, first.Timestamp.Location())
	assert.Equal(t, "refs/heads/main", first.BranchRef)
	assert.Equal(t, "two", ev.Commits[1].AuthorName, "username stands in for a missing name")
}

func TestParsePushActorFromEnv(t *testing.T) {
	ev, err := Parse(NamePush, []byte(pushPayload), mapEnv(map[string]string{"GITHUB_ACTOR": "runner"}))
	require.NoError(t, err)
	assert.Equal(t, "runner", ev.Actor)
}

func TestParsePushBadTimestamp(t *testing.T) {
	_, err := Parse(NamePush, []byte(`{"ref":"refs/heads/main","commits":[{"id":"abc","timestamp":"yesterday"}]}`), nil)
	assert.Error(t, err)
}

func TestParsePushDeletedBranch(t *testing.T) {
	ev, err := Parse(NamePush, []byte(`{"ref":"refs/heads/old","deleted":true,"after":"0000","repository":{"full_name":"acme/widget"}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, types.EventBranchDelete, ev.Kind)
	require.NotNil(t, ev.Branch)
	assert.Equal(t, types.BranchDeleted, ev.Branch.Action)
	assert.Equal(t, "refs/heads/old", ev.Branch.BranchRef)
	assert.Empty(t, ev.Commits)
}

func TestParsePullRequest(t *testing.T) {
	payload := `{"action":"closed","number":12,"pull_request":{"number":12,"title":"Add login (CB-3)","merged":true,
"merge_commit_sha":"cccc","base":{"ref":"main"},"head":{"ref":"feature/login","sha":"dddd"}},
"repository":{"full_name":"acme/widget","html_url":"https://github.com/acme/widget"},"sender":{"login":"octo"}}`
	ev, err := Parse(NamePullRequest, []byte(payload), nil)
	require.NoError(t, err)

	assert.Equal(t, types.EventPullRequest, ev.Kind)
	assert.Equal(t, "cccc", ev.SHA)
	require.NotNil(t, ev.PullRequest)
	assert.Equal(t, types.PullRequest{
		Number:         12,
		Action:         "closed",
		Title:          "Add login (CB-3)",
		Merged:         true,
		MergeCommitSHA: "cccc",
		BaseRef:        "refs/heads/main",
		HeadRef:        "refs/heads/feature/login",
	}, *ev.PullRequest)
}

func TestParseCreateAndDelete(t *testing.T) {
	env := mapEnv(map[string]string{
		"GITHUB_SHA":        "eeee",
		"GITHUB_REPOSITORY": "acme/widget",
		"GITHUB_SERVER_URL": "https://git.example.com",
	})

	ev, err := Parse(NameCreate, []byte(`{"ref":"feature/x","ref_type":"branch"}`), env)
	require.NoError(t, err)
	assert.Equal(t, types.EventBranchCreate, ev.Kind)
	assert.Equal(t, &types.BranchEvent{BranchRef: "refs/heads/feature/x", Action: types.BranchCreated, AtSHA: "eeee"}, ev.Branch)
	assert.Equal(t, "https://git.example.com/acme/widget", ev.Repository.URL)

	ev, err = Parse(NameDelete, []byte(`{"ref":"feature/x","ref_type":"branch"}`), env)
	require.NoError(t, err)
	assert.Equal(t, types.EventBranchDelete, ev.Kind)
	assert.Equal(t, types.BranchDeleted, ev.Branch.Action)
	assert.Empty(t, ev.Branch.AtSHA)
}

func TestParseIgnored(t *testing.T) {
	_, err := Parse(NameCreate, []byte(`{"ref":"v1.0","ref_type":"tag"}`), nil)
	assert.True(t, errors.Is(err, ErrIgnored))

	_, err = Parse("issues", []byte(`{}`), nil)
	assert.True(t, errors.Is(err, ErrIgnored))
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse(NamePush, []byte(`{not json`), nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrIgnored))
}

func TestLoadFromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(pushPayload), 0o600))

	ev, err := Load(Options{Env: mapEnv(map[string]string{
		"GITHUB_EVENT_NAME": "push",
		"GITHUB_EVENT_PATH": path,
	})})
	require.NoError(t, err)
	assert.Len(t, ev.Commits, 2)

	_, err = Load(Options{Env: mapEnv(nil)})
	assert.Error(t, err)
}

// initRepo creates a repository with n commits, the i-th titled "commit i".
func initRepo(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		name := filepath.Join(dir, "file.txt")
		require.NoError(t, os.WriteFile(name, []byte{byte('0' + i)}, 0o600))
		_, err := wt.Add("file.txt")
		require.NoError(t, err)
		sig := &object.Signature{Name: "Dev", Email: "dev@example.com", When: base.Add(time.Duration(i) * time.Hour)}
		_, err = wt.Commit("commit "+string(rune('0'+i)), &git.CommitOptions{Author: sig, Committer: sig})
		require.NoError(t, err)
	}
	return dir
}

func TestLocalHistory(t *testing.T) {
	dir := initRepo(t, 4)

	commits, err := LocalHistory(dir, 3, "")
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.Equal(t, "commit 2", commits[0].Message, "oldest first")
	assert.Equal(t, "commit 4", commits[2].Message)
	assert.Equal(t, "Dev", commits[2].AuthorName)
	assert.Equal(t, "refs/heads/master", commits[2].BranchRef)
	assert.Len(t, commits[0].SHA, 40)

	_, err = LocalHistory(t.TempDir(), 3, "")
	assert.Error(t, err)
}

func TestLoadFallsBackToLocalHistory(t *testing.T) {
	dir := initRepo(t, 2)
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ref":"refs/heads/main","commits":[]}`), 0o600))

	ev, err := Load(Options{Name: NamePush, Path: path, RepoDir: dir, Env: mapEnv(nil)})
	require.NoError(t, err)
	require.Len(t, ev.Commits, 2)
	assert.Equal(t, "refs/heads/main", ev.Commits[0].BranchRef)
	assert.Equal(t, ev.Commits[1].SHA, ev.SHA)
}

func TestSnapshot(t *testing.T) {
	dir := initRepo(t, 3)
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference("refs/heads/dev", head.Hash())))

	snap, err := Snapshot(dir)
	require.NoError(t, err)
	assert.Equal(t, head.Name().Short(), snap.CurrentBranch)
	assert.Equal(t, 3, snap.TotalCommits)
	assert.Contains(t, snap.Branches, "dev")
	assert.Len(t, snap.Branches, 2, "local branches when there is no remote")

	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference("refs/remotes/origin/main", head.Hash())))
	require.NoError(t, repo.Storer.SetReference(plumbing.NewSymbolicReference("refs/remotes/origin/HEAD", "refs/remotes/origin/main")))
	snap, err = Snapshot(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, snap.Branches, "remote branches win")

	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{Hash: head.Hash()}))
	snap, err = Snapshot(dir)
	require.NoError(t, err)
	assert.Equal(t, "detached", snap.CurrentBranch)

	_, err = Snapshot(t.TempDir())
	assert.Error(t, err)
}

func TestLoadAttachesSnapshot(t *testing.T) {
	dir := initRepo(t, 2)
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(pushPayload), 0o600))

	ev, err := Load(Options{Name: NamePush, Path: path, RepoDir: dir, Env: mapEnv(nil)})
	require.NoError(t, err)
	require.NotNil(t, ev.Snapshot)
	assert.Equal(t, 2, ev.Snapshot.TotalCommits)

	ev, err = Load(Options{Name: NamePush, Path: path, RepoDir: t.TempDir(), Env: mapEnv(nil)})
	require.NoError(t, err, "an unreadable checkout only drops the snapshot")
	assert.Nil(t, ev.Snapshot)
}
