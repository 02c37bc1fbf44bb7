package codebeamer

import "time"

// User is the authenticated account returned by the current-user endpoint.
type User struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`

	SystemAdmin bool `json:"systemAdmin,omitempty"`
}

// Project is a Codebeamer project.
type Project struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Repository is an SCM repository record inside a project.
type Repository struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	RepositoryURL string `json:"repositoryUrl,omitempty"`
	Type          string `json:"type,omitempty"`
	ProjectID     int    `json:"projectId,omitempty"`
}

// RepositoryRequest is the body of a repository creation.
type RepositoryRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	RepositoryURL string `json:"repositoryUrl,omitempty"`
	Type          string `json:"type"`
	ProjectID     int    `json:"projectId"`
}

// RepositoryStatusRequest is the body of a repository status update.
type RepositoryStatusRequest struct {
	CurrentBranch string   `json:"currentBranch,omitempty"`
	TotalCommits  int      `json:"totalCommits,omitempty"`
	Branches      []string `json:"branches,omitempty"`
	LastSync      string   `json:"lastSync"`
	SyncedBy      string   `json:"syncedBy,omitempty"`
}

// Commit is a revision recorded on a repository.
type Commit struct {
	Revision    string `json:"revision"`
	Message     string `json:"message,omitempty"`
	Author      string `json:"author,omitempty"`
	AuthorEmail string `json:"authorEmail,omitempty"`
	Date        string `json:"date,omitempty"`
	Sequence    int    `json:"sequence,omitempty"`
}

// CommitRequest is the body of a commit push.
type CommitRequest struct {
	Revision     string `json:"revision"`
	Message      string `json:"message"`
	Author       string `json:"author"`
	AuthorEmail  string `json:"authorEmail,omitempty"`
	Date         string `json:"date,omitempty"`
	Branch       string `json:"branch,omitempty"`
	Sequence     int    `json:"sequence"`
	RepositoryID int    `json:"repositoryId"`
}

// BranchRequest is the body of a branch creation.
type BranchRequest struct {
	Name    string `json:"name"`
	SHA     string `json:"sha,omitempty"`
	Created string `json:"created"`
}

// NamedRef is the {"name": ...} shape Codebeamer uses for enum-like fields.
type NamedRef struct {
	Name string `json:"name"`
}

// Item is a tracker item (work item).
type Item struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      *NamedRef `json:"status,omitempty"`
	Priority    *NamedRef `json:"priority,omitempty"`
}

// ItemRequest is the body of an item creation.
type ItemRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Priority    *NamedRef  `json:"priority,omitempty"`
	Status      *NamedRef  `json:"status,omitempty"`
	AssignedTo  []NamedRef `json:"assignedTo,omitempty"`
	ProjectID   int        `json:"projectId,omitempty"`
	TrackerID   int        `json:"trackerId,omitempty"`
}

// ItemStatusRequest is the body of an item status update.
type ItemStatusRequest struct {
	Status NamedRef `json:"status"`
}

// Comment formats accepted by the comments endpoint.
const (
	FormatPlainText = "PlainText"
	FormatWiki      = "Wiki"
)

// CommentRequest is the body of a comment on an item.
type CommentRequest struct {
	Comment       string `json:"comment"`
	CommentFormat string `json:"commentFormat"`
}

// formatDate renders timestamps the way the commit and branch endpoints expect.
func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
