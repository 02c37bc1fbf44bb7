package types

import (
	"strings"
	"time"
)

// RepositoryRecord is the ALM-side record tracking one source repository.
// At most one exists per (source repository, project) pair.
type RepositoryRecord struct {
	RemoteID    string `json:"remote_id"`
	DisplayName string `json:"display_name"`
	ProjectID   string `json:"project_id"`
	URL         string `json:"url,omitempty"`
}

// WorkItemReference is a work-item token found in a commit message.
// ResolvedID stays empty until the ALM system accepted the link. Prefix is set
// only by patterns that capture one, e.g. "TASK" for "TASK-456".
type WorkItemReference struct {
	RawToken        string `json:"raw_token"`
	Key             string `json:"key"`
	Prefix          string `json:"prefix,omitempty"`
	Pattern         string `json:"pattern,omitempty"`
	ResolvedID      string `json:"resolved_id,omitempty"`
	SourceCommitSHA string `json:"source_commit_sha,omitempty"`
}

// RepositorySnapshot describes the local checkout at sync time. It is
// optional; events from a webhook carry none.
type RepositorySnapshot struct {
	CurrentBranch string   `json:"current_branch,omitempty"` // "detached" for a detached HEAD
	TotalCommits  int      `json:"total_commits,omitempty"`
	Branches      []string `json:"branches,omitempty"`
}

// RepositoryStatus is the metadata written onto the repository record after
// a successful sync.
type RepositoryStatus struct {
	RepositorySnapshot
	LastSync time.Time `json:"last_sync"`
	SyncedBy string    `json:"synced_by,omitempty"`
}

// FinalItemStatus reports whether a work item status name is terminal.
// Terminal items are never transitioned again.
func FinalItemStatus(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "closed", "resolved", "done", "completed":
		return true
	}
	return false
}
