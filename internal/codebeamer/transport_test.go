package codebeamer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scmbridge/cbsync/internal/cbtest"
	"github.com/scmbridge/cbsync/internal/tracker"
	"github.com/scmbridge/cbsync/internal/types"
)

const repoURL = "https://github.com/acme/widget"

func newTestTransport(t *testing.T, opts ...cbtest.Option) (*Transport, *cbtest.Server) {
	t.Helper()
	srv := cbtest.New(opts...)
	t.Cleanup(srv.Close)
	srv.AddProject(42, "Widget")
	return NewTransport(newTestClient(srv.URL()), repoURL), srv
}

func TestFindOrCreateRepositoryCreates(t *testing.T) {
	tr, srv := newTestTransport(t)
	ctx := context.Background()

	rec, err := tr.FindOrCreateRepository(ctx, "GitHub-widget", "42")
	require.NoError(t, err)
	assert.Equal(t, "GitHub-widget", rec.DisplayName)
	assert.Equal(t, "42", rec.ProjectID)
	assert.NotEmpty(t, rec.RemoteID)

	repo, ok := srv.Repository(42, "GitHub-widget")
	require.True(t, ok)
	assert.Equal(t, repoURL, repo.RepositoryURL)
	assert.Equal(t, "GIT", repo.Type)

	// second resolution finds the same record
	again, err := tr.FindOrCreateRepository(ctx, "GitHub-widget", "42")
	require.NoError(t, err)
	assert.Equal(t, rec.RemoteID, again.RemoteID)
	assert.Equal(t, 1, srv.RepositoryCount(42))
}

func TestFindOrCreateRepositoryMatchesURL(t *testing.T) {
	tr, srv := newTestTransport(t)
	id := srv.AddRepository(42, "legacy-name", repoURL+".git")

	rec, err := tr.FindOrCreateRepository(context.Background(), "GitHub-widget", "42")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(id), rec.RemoteID)
	assert.Equal(t, 1, srv.RepositoryCount(42))
}

func TestFindOrCreateRepositoryConflictRelists(t *testing.T) {
	// another invocation creates the repository between our listing and our create
	var lists atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/rest/v3/user":
			_, _ = w.Write([]byte(`{"id":1,"name":"bot"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/rest/v3/projects/42/scmRepositories":
			if lists.Add(1) == 1 {
				_, _ = w.Write([]byte(`[]`))
				return
			}
			_, _ = w.Write([]byte(`[{"id":77,"name":"GitHub-widget","projectId":42}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/rest/v3/projects/42/scmRepositories":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"already exists"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	tr := NewTransport(newTestClient(ts.URL), repoURL)
	rec, err := tr.FindOrCreateRepository(context.Background(), "GitHub-widget", "42")
	require.NoError(t, err)
	assert.Equal(t, "77", rec.RemoteID)
	assert.EqualValues(t, 2, lists.Load())
}

func TestFindOrCreateRepositoryConflictWithoutListing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/rest/v3/user":
			_, _ = w.Write([]byte(`{"id":1,"name":"bot"}`))
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusConflict)
		}
	}))
	defer ts.Close()

	_, err := NewTransport(newTestClient(ts.URL), "").FindOrCreateRepository(context.Background(), "GitHub-widget", "42")
	require.Error(t, err)
	assert.Equal(t, types.ErrorRemotePermanent, tracker.KindOf(err))
	assert.Contains(t, err.Error(), "ambiguous result")
}

func TestCreateRepositoryReportsConflict(t *testing.T) {
	srv := cbtest.New()
	defer srv.Close()
	srv.AddProject(42, "Widget")
	srv.AddRepository(42, "GitHub-widget", "")

	created, conflict, err := newTestClient(srv.URL()).CreateRepository(context.Background(), 42, RepositoryRequest{Name: "GitHub-widget"})
	require.NoError(t, err)
	assert.True(t, conflict)
	assert.Nil(t, created)
}

func TestFindOrCreateRepositoryErrors(t *testing.T) {
	t.Run("bad credentials", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		tr.client.Password = "nope"
		_, err := tr.FindOrCreateRepository(context.Background(), "r", "42")
		assert.ErrorIs(t, err, tracker.ErrAuthentication)
	})
	t.Run("forbidden project", func(t *testing.T) {
		tr, srv := newTestTransport(t)
		srv.ForbidProject(42)
		_, err := tr.FindOrCreateRepository(context.Background(), "r", "42")
		assert.ErrorIs(t, err, tracker.ErrAuthorization)
	})
	t.Run("no rest api", func(t *testing.T) {
		tr, _ := newTestTransport(t, cbtest.WithoutREST())
		_, err := tr.FindOrCreateRepository(context.Background(), "r", "42")
		assert.ErrorIs(t, err, tracker.ErrProtocolUnsupported)
	})
	t.Run("invalid project id", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		_, err := tr.FindOrCreateRepository(context.Background(), "r", "abc")
		assert.Error(t, err)
	})
}

func TestPushCommitIdempotent(t *testing.T) {
	tr, srv := newTestTransport(t)
	ctx := context.Background()
	rec, err := tr.FindOrCreateRepository(ctx, "GitHub-widget", "42")
	require.NoError(t, err)

	c := types.CommitEvent{
		SHA:        "0123456789abcdef",
		Message:    "Fix auth bug #123\n\nlonger body",
		AuthorName: "Dev",
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		BranchRef:  "refs/heads/main",
	}
	existed, err := tr.PushCommit(ctx, rec, 1, c)
	require.NoError(t, err)
	assert.False(t, existed)

	existed, err = tr.PushCommit(ctx, rec, 1, c)
	require.NoError(t, err)
	assert.True(t, existed, "second push reports the already recorded revision")

	repo, _ := srv.Repository(42, "GitHub-widget")
	require.Len(t, repo.Commits, 1)
	assert.Equal(t, 1, repo.Commits[0].Sequence)
	assert.Equal(t, "2026-01-02T03:04:05Z", repo.Commits[0].Date)

	ok, err := tr.HasCommit(ctx, rec, c.SHA)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tr.HasCommit(ctx, rec, "ffff")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPushBranchEvents(t *testing.T) {
	tr, srv := newTestTransport(t)
	ctx := context.Background()
	rec, err := tr.FindOrCreateRepository(ctx, "GitHub-widget", "42")
	require.NoError(t, err)

	created := types.BranchEvent{BranchRef: "refs/heads/feature/x", Action: types.BranchCreated, AtSHA: "abc"}
	require.NoError(t, tr.PushBranchEvent(ctx, rec, created))
	require.NoError(t, tr.PushBranchEvent(ctx, rec, created), "existing branch is not an error")

	repo, _ := srv.Repository(42, "GitHub-widget")
	assert.Equal(t, "abc", repo.Branches["feature/x"])

	deleted := types.BranchEvent{BranchRef: "refs/heads/feature/x", Action: types.BranchDeleted}
	require.NoError(t, tr.PushBranchEvent(ctx, rec, deleted))
	require.NoError(t, tr.PushBranchEvent(ctx, rec, deleted), "already deleted branch is not an error")

	repo, _ = srv.Repository(42, "GitHub-widget")
	assert.Empty(t, repo.Branches)
	assert.Zero(t, srv.CountRequests(http.MethodPost, "/commits"))
}

func TestLinkWorkItem(t *testing.T) {
	tr, srv := newTestTransport(t)
	srv.AddItem(123, "Auth bug")
	c := types.CommitEvent{SHA: "0123456789abcdef", Message: "Fix auth bug #123", AuthorName: "Dev"}

	require.NoError(t, tr.LinkWorkItem(context.Background(), "123", c))
	item, _ := srv.Item(123)
	require.Len(t, item.Comments, 1)
	assert.True(t, strings.HasPrefix(item.Comments[0], "Commit 01234567 by Dev"))
	assert.Contains(t, item.Comments[0], "Full SHA: 0123456789abcdef")

	err := tr.LinkWorkItem(context.Background(), "999", c)
	assert.ErrorIs(t, err, tracker.ErrNotFound)
	assert.Equal(t, types.ErrorNotFound, tracker.KindOf(err))
}

func TestLinkComment(t *testing.T) {
	got := LinkComment(types.CommitEvent{
		SHA:        "0123456789abcdef",
		Message:    "  subject\n",
		AuthorName: "Dev",
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	want := "Commit 01234567 by Dev\n\nMessage: subject\nTimestamp: 2026-01-02T03:04:05Z\nFull SHA: 0123456789abcdef"
	assert.Equal(t, want, got)
}

func TestUpdateRepositoryStatus(t *testing.T) {
	tr, srv := newTestTransport(t)
	id := srv.AddRepository(42, "GitHub-widget", repoURL)
	rec := &types.RepositoryRecord{RemoteID: strconv.Itoa(id), ProjectID: "42"}

	err := tr.UpdateRepositoryStatus(context.Background(), rec, types.RepositoryStatus{
		RepositorySnapshot: types.RepositorySnapshot{CurrentBranch: "main", TotalCommits: 12, Branches: []string{"main", "dev"}},
		LastSync:           time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SyncedBy:           "octocat",
	})
	require.NoError(t, err)

	repo, _ := srv.Repository(42, "GitHub-widget")
	require.NotNil(t, repo.Status)
	assert.Equal(t, cbtest.RepositoryStatus{
		CurrentBranch: "main",
		TotalCommits:  12,
		Branches:      []string{"main", "dev"},
		LastSync:      "2026-01-02T03:04:05Z",
		SyncedBy:      "octocat",
	}, *repo.Status)
	assert.Equal(t, 1, srv.CountRequests(http.MethodPut, "/scmRepositories/"+strconv.Itoa(id)))

	err = tr.UpdateRepositoryStatus(context.Background(), &types.RepositoryRecord{RemoteID: "77"}, types.RepositoryStatus{LastSync: time.Now()})
	assert.ErrorIs(t, err, tracker.ErrNotFound)
}

func TestTransitionWorkItem(t *testing.T) {
	tr, srv := newTestTransport(t)
	ctx := context.Background()
	srv.AddItem(5, "Open bug")
	srv.SetItemStatus(5, "In Progress")
	srv.AddItem(8, "Closed bug")
	srv.SetItemStatus(8, "Closed")

	from, changed, err := tr.TransitionWorkItem(ctx, "5", "Resolved")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "In Progress", from)
	item, _ := srv.Item(5)
	assert.Equal(t, "Resolved", item.Status.Name)

	// final states are never moved
	from, changed, err = tr.TransitionWorkItem(ctx, "8", "Done")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "Closed", from)
	assert.Equal(t, 0, srv.CountRequests(http.MethodPut, "/items/8"))

	_, _, err = tr.TransitionWorkItem(ctx, "999", "Resolved")
	assert.ErrorIs(t, err, tracker.ErrNotFound)
}

func TestUpdateItemStatusWithoutStatus(t *testing.T) {
	srv := cbtest.New()
	t.Cleanup(srv.Close)
	srv.AddItem(6, "New story")

	from, changed, err := newTestClient(srv.URL()).UpdateItemStatus(context.Background(), "6", "Done")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, from)
	item, _ := srv.Item(6)
	assert.Equal(t, "Done", item.Status.Name)
}
