// Package event turns a GitHub event (Actions environment or webhook
// delivery) into the engine's types.Event.
package event

// GitHub event names handled by Parse.
const (
	NamePush        = "push"
	NamePullRequest = "pull_request"
	NameCreate      = "create"
	NameDelete      = "delete"
)

// Repository is the repository object common to all payloads.
type Repository struct {
	FullName string `json:"full_name"`
	Name     string `json:"name"`
	HTMLURL  string `json:"html_url"`
	CloneURL string `json:"clone_url,omitempty"`
}

// User is a GitHub account reference.
type User struct {
	Login string `json:"login"`
}

// CommitAuthor is the git identity on a pushed commit.
type CommitAuthor struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

// Commit is one commit in a push payload.
type Commit struct {
	ID        string       `json:"id"`
	Message   string       `json:"message"`
	Timestamp string       `json:"timestamp"` // ISO 8601 with offset
	Author    CommitAuthor `json:"author"`
	Distinct  *bool        `json:"distinct,omitempty"`
}

// PushPayload is the body of a push event.
type PushPayload struct {
	Ref        string     `json:"ref"`
	Before     string     `json:"before"`
	After      string     `json:"after"`
	Created    bool       `json:"created"`
	Deleted    bool       `json:"deleted"`
	Commits    []Commit   `json:"commits"`
	HeadCommit *Commit    `json:"head_commit"`
	Repository Repository `json:"repository"`
	Sender     User       `json:"sender"`
}

// PullRequestRef is the base or head of a pull request.
type PullRequestRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// PullRequest is the pull_request object of a pull_request event.
type PullRequest struct {
	Number         int            `json:"number"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	Merged         bool           `json:"merged"`
	MergeCommitSHA string         `json:"merge_commit_sha"`
	MergedAt       string         `json:"merged_at"`
	MergedBy       *User          `json:"merged_by"`
	User           User           `json:"user"`
	Base           PullRequestRef `json:"base"`
	Head           PullRequestRef `json:"head"`
}

// PullRequestPayload is the body of a pull_request event.
type PullRequestPayload struct {
	Action      string      `json:"action"`
	Number      int         `json:"number"`
	PullRequest PullRequest `json:"pull_request"`
	Repository  Repository  `json:"repository"`
	Sender      User        `json:"sender"`
}

// RefPayload is the body of create and delete events. Ref is the short
// branch or tag name.
type RefPayload struct {
	Ref        string     `json:"ref"`
	RefType    string     `json:"ref_type"` // "branch" or "tag"
	Repository Repository `json:"repository"`
	Sender     User       `json:"sender"`
}
