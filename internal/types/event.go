// Package types defines the core data structures shared by the sync engine,
// the ALM transports, the validator and the notifier.
package types

import (
	"strings"
	"time"
)

// EventKind identifies the source-control event that triggered an invocation.
type EventKind string

const (
	EventPush         EventKind = "push"
	EventPullRequest  EventKind = "pull_request"
	EventBranchCreate EventKind = "branch_create"
	EventBranchDelete EventKind = "branch_delete"
)

// IsValid reports whether the kind is one the engine knows how to handle.
func (k EventKind) IsValid() bool {
	switch k {
	case EventPush, EventPullRequest, EventBranchCreate, EventBranchDelete:
		return true
	}
	return false
}

// BranchAction is the change applied to a branch.
type BranchAction string

const (
	BranchCreated BranchAction = "created"
	BranchDeleted BranchAction = "deleted"
)

// CommitEvent is one source commit. Ingested as-is, never mutated.
type CommitEvent struct {
	SHA         string    `json:"sha"`
	Message     string    `json:"message"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email,omitempty"`
	Timestamp   time.Time `json:"timestamp"` // UTC
	BranchRef   string    `json:"branch_ref,omitempty"`
}

// ShortSHA returns the first 8 characters of the commit hash.
func (c CommitEvent) ShortSHA() string {
	return ShortSHA(c.SHA)
}

// Subject returns the first line of the commit message.
func (c CommitEvent) Subject() string {
	msg := strings.TrimSpace(c.Message)
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return strings.TrimSpace(msg[:i])
	}
	return msg
}

// BranchEvent records the creation or deletion of a branch.
type BranchEvent struct {
	BranchRef string       `json:"branch_ref"`
	Action    BranchAction `json:"action"`
	AtSHA     string       `json:"at_sha,omitempty"` // empty when unknown (deletions)
}

// BranchName strips the refs/heads/ prefix from the ref.
func (b BranchEvent) BranchName() string {
	return BranchName(b.BranchRef)
}

// PullRequest carries the subset of a pull request event the engine acts on.
type PullRequest struct {
	Number         int    `json:"number"`
	Action         string `json:"action"`
	Title          string `json:"title,omitempty"`
	Merged         bool   `json:"merged"`
	MergeCommitSHA string `json:"merge_commit_sha,omitempty"`
	BaseRef        string `json:"base_ref,omitempty"`
	HeadRef        string `json:"head_ref,omitempty"`
}

// RepositoryIdentity names the source repository on the VCS host.
type RepositoryIdentity struct {
	FullName string `json:"full_name"` // owner/name
	URL      string `json:"url"`
}

// Name returns the repository name without its owner.
func (r RepositoryIdentity) Name() string {
	name := r.FullName
	if name == "" {
		name = strings.TrimSuffix(r.URL, "/")
	}
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, ".git")
}

// Event is the input handed to one engine invocation.
type Event struct {
	Kind        EventKind           `json:"kind"`
	Repository  RepositoryIdentity  `json:"repository"`
	Ref         string              `json:"ref,omitempty"`
	SHA         string              `json:"sha,omitempty"`
	Actor       string              `json:"actor,omitempty"`
	Commits     []CommitEvent       `json:"commits,omitempty"` // push events, oldest first
	Branch      *BranchEvent        `json:"branch,omitempty"`  // branch_create / branch_delete
	PullRequest *PullRequest        `json:"pull_request,omitempty"`
	Snapshot    *RepositorySnapshot `json:"snapshot,omitempty"` // local checkout, when read
}

// ShortSHA truncates a hash to 8 characters for display.
func ShortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// BranchName strips the refs/heads/ prefix from a ref.
func BranchName(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}
