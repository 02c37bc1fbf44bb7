package codebeamer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scmbridge/cbsync/internal/tracker"
	"github.com/scmbridge/cbsync/internal/types"
)

// Transport implements tracker.Transport over the REST API.
type Transport struct {
	client  *Client
	repoURL string
}

var _ tracker.Transport = (*Transport)(nil)

var timeNow = time.Now

// NewTransport returns a REST transport. repoURL is the source repository
// URL stored on newly created repository records; it also identifies an
// existing record when the display name differs.
func NewTransport(client *Client, repoURL string) *Transport {
	return &Transport{client: client, repoURL: repoURL}
}

// Client returns the underlying API client.
func (t *Transport) Client() *Client { return t.client }

// Kind reports TransportREST.
func (t *Transport) Kind() types.TransportKind { return types.TransportREST }

// FindOrCreateRepository authenticates, then returns the project's
// repository record named name, creating it when absent.
func (t *Transport) FindOrCreateRepository(ctx context.Context, name, projectID string) (*types.RepositoryRecord, error) {
	pid, err := parseID("project", projectID)
	if err != nil {
		return nil, err
	}
	if _, err := t.client.CurrentUser(ctx); err != nil {
		return nil, err
	}

	if rec, err := t.findRepository(ctx, name, pid); rec != nil || err != nil {
		return rec, err
	}

	created, conflict, err := t.client.CreateRepository(ctx, pid, RepositoryRequest{
		Name:          name,
		Description:   "Auto-synced from repository " + firstNonEmpty(t.repoURL, name),
		RepositoryURL: t.repoURL,
	})
	if err != nil {
		return nil, err
	}
	if conflict {
		// created concurrently by another invocation
		rec, err := t.findRepository(ctx, name, pid)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, tracker.Ambiguous("create repository", "conflict reported but repository not listed")
		}
		return rec, nil
	}
	if created.ID == 0 {
		return nil, tracker.Ambiguous("create repository", "response carried no id")
	}
	return t.record(created, pid), nil
}

func (t *Transport) findRepository(ctx context.Context, name string, pid int) (*types.RepositoryRecord, error) {
	repos, err := t.client.ListRepositories(ctx, pid)
	if err != nil {
		return nil, err
	}
	for i := range repos {
		if repos[i].Name == name {
			return t.record(&repos[i], pid), nil
		}
	}
	if t.repoURL == "" {
		return nil, nil
	}
	for i := range repos {
		if strings.EqualFold(strings.TrimSuffix(repos[i].RepositoryURL, ".git"), strings.TrimSuffix(t.repoURL, ".git")) {
			return t.record(&repos[i], pid), nil
		}
	}
	return nil, nil
}

func (t *Transport) record(r *Repository, pid int) *types.RepositoryRecord {
	return &types.RepositoryRecord{
		RemoteID:    strconv.Itoa(r.ID),
		DisplayName: r.Name,
		ProjectID:   strconv.Itoa(pid),
		URL:         r.RepositoryURL,
	}
}

// PushCommit records one commit. An already recorded revision reports
// existed=true.
func (t *Transport) PushCommit(ctx context.Context, repo *types.RepositoryRecord, seq int, c types.CommitEvent) (bool, error) {
	rid, err := parseID("repository", repo.RemoteID)
	if err != nil {
		return false, err
	}
	return t.client.CreateCommit(ctx, rid, CommitRequest{
		Revision:    c.SHA,
		Message:     strings.TrimSpace(c.Message),
		Author:      c.AuthorName,
		AuthorEmail: c.AuthorEmail,
		Date:        formatDate(c.Timestamp),
		Branch:      types.BranchName(c.BranchRef),
		Sequence:    seq,
	})
}

// PushBranchEvent records a branch creation or deletion.
func (t *Transport) PushBranchEvent(ctx context.Context, repo *types.RepositoryRecord, b types.BranchEvent) error {
	rid, err := parseID("repository", repo.RemoteID)
	if err != nil {
		return err
	}
	switch b.Action {
	case types.BranchCreated:
		return t.client.CreateBranch(ctx, rid, BranchRequest{
			Name:    b.BranchName(),
			SHA:     b.AtSHA,
			Created: formatDate(timeNow()),
		})
	case types.BranchDeleted:
		return t.client.DeleteBranch(ctx, rid, b.BranchName())
	}
	return fmt.Errorf("unknown branch action %q", b.Action)
}

// LinkWorkItem comments on the work item with the commit details. A work
// item that does not exist yields tracker.ErrNotFound.
func (t *Transport) LinkWorkItem(ctx context.Context, itemID string, c types.CommitEvent) error {
	if _, err := t.client.GetItem(ctx, itemID); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("work item %s: %w", itemID, tracker.ErrNotFound)
		}
		return err
	}
	return t.client.AddComment(ctx, itemID, LinkComment(c), FormatPlainText)
}

// UpdateRepositoryStatus writes the sync metadata onto the repository record.
func (t *Transport) UpdateRepositoryStatus(ctx context.Context, repo *types.RepositoryRecord, st types.RepositoryStatus) error {
	rid, err := parseID("repository", repo.RemoteID)
	if err != nil {
		return err
	}
	return t.client.UpdateRepository(ctx, rid, RepositoryStatusRequest{
		CurrentBranch: st.CurrentBranch,
		TotalCommits:  st.TotalCommits,
		Branches:      st.Branches,
		LastSync:      formatDate(st.LastSync),
		SyncedBy:      st.SyncedBy,
	})
}

// TransitionWorkItem moves a work item to status unless it is already in a
// final state. A missing item yields tracker.ErrNotFound.
func (t *Transport) TransitionWorkItem(ctx context.Context, itemID, status string) (string, bool, error) {
	from, changed, err := t.client.UpdateItemStatus(ctx, itemID, status)
	if err != nil && isNotFound(err) {
		return "", false, fmt.Errorf("work item %s: %w", itemID, tracker.ErrNotFound)
	}
	return from, changed, err
}

// HasCommit reports whether the repository lists the revision.
func (t *Transport) HasCommit(ctx context.Context, repo *types.RepositoryRecord, sha string) (bool, error) {
	rid, err := parseID("repository", repo.RemoteID)
	if err != nil {
		return false, err
	}
	commits, err := t.client.ListCommits(ctx, rid)
	if err != nil {
		return false, err
	}
	for _, c := range commits {
		if strings.EqualFold(c.Revision, sha) {
			return true, nil
		}
	}
	return false, nil
}

// LinkComment renders the plain-text comment that links a commit to a work item.
func LinkComment(c types.CommitEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Commit %s", c.ShortSHA())
	if c.AuthorName != "" {
		fmt.Fprintf(&b, " by %s", c.AuthorName)
	}
	fmt.Fprintf(&b, "\n\nMessage: %s\n", strings.TrimSpace(c.Message))
	if ts := formatDate(c.Timestamp); ts != "" {
		fmt.Fprintf(&b, "Timestamp: %s\n", ts)
	}
	fmt.Fprintf(&b, "Full SHA: %s", c.SHA)
	return b.String()
}

func parseID(what, id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, id)
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
