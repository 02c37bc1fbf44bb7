package types

import "time"

// TransportKind names one of the two ways of talking to the ALM system.
type TransportKind string

const (
	// TransportREST is the structured REST API (transport A).
	TransportREST TransportKind = "rest"
	// TransportWeb is the legacy interactive web interface (transport B).
	TransportWeb TransportKind = "web"
)

// Label returns the single-letter label used in operator-facing output.
func (t TransportKind) Label() string {
	switch t {
	case TransportREST:
		return "A"
	case TransportWeb:
		return "B"
	}
	return "?"
}

// ErrorKind classifies a failure for the outcome record and the notifier.
type ErrorKind string

const (
	ErrorNone                ErrorKind = ""
	ErrorAuthentication      ErrorKind = "authentication"
	ErrorAuthorization       ErrorKind = "authorization"
	ErrorProtocolUnsupported ErrorKind = "protocol_unsupported"
	ErrorRemoteTransient     ErrorKind = "remote_transient"
	ErrorRemotePermanent     ErrorKind = "remote_permanent"
	ErrorNotFound            ErrorKind = "not_found"
	ErrorCanceled            ErrorKind = "canceled"
	ErrorInvalidEvent        ErrorKind = "invalid_event"
	ErrorUnsupported         ErrorKind = "unsupported"
	ErrorInternal            ErrorKind = "internal"
)

// Fatal reports whether the kind ends an invocation regardless of transport.
func (k ErrorKind) Fatal() bool {
	return k == ErrorAuthentication || k == ErrorAuthorization
}

// SyncState is a state of the per-invocation state machine.
type SyncState string

const (
	StateIdle            SyncState = "idle"
	StateRepoResolved    SyncState = "repo_resolved"
	StateEventPropagated SyncState = "event_propagated"
	StateLinksResolved   SyncState = "links_resolved"
	StateValidated       SyncState = "validated"
	StateFailed          SyncState = "failed"
)

// ItemStatus is the result of one sub-item (commit, branch action, link).
type ItemStatus string

const (
	ItemSynced   ItemStatus = "synced"
	ItemExisted  ItemStatus = "existed"
	ItemFailed   ItemStatus = "failed"
	ItemSkipped  ItemStatus = "skipped"
	ItemCanceled ItemStatus = "canceled"
)

// OK reports whether the item reached the ALM system.
func (s ItemStatus) OK() bool {
	return s == ItemSynced || s == ItemExisted
}

// CommitResult is the per-commit propagation result.
type CommitResult struct {
	Sequence  int        `json:"sequence"`
	SHA       string     `json:"sha"`
	Status    ItemStatus `json:"status"`
	ErrorKind ErrorKind  `json:"error_kind,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// BranchResult is the per-branch-action propagation result.
type BranchResult struct {
	BranchRef string       `json:"branch_ref"`
	Action    BranchAction `json:"action"`
	Status    ItemStatus   `json:"status"`
	ErrorKind ErrorKind    `json:"error_kind,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// LinkResult is the per-reference linking result.
type LinkResult struct {
	Reference WorkItemReference `json:"reference"`
	Status    ItemStatus        `json:"status"`
	ErrorKind ErrorKind         `json:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// StatusResult is the result of a best-effort status write: the repository
// metadata update or one work item transition. It never affects Success.
type StatusResult struct {
	Target          string     `json:"target"` // repository or work item id
	From            string     `json:"from,omitempty"`
	To              string     `json:"to,omitempty"`
	Keyword         string     `json:"keyword,omitempty"`
	SourceCommitSHA string     `json:"source_commit_sha,omitempty"`
	Status          ItemStatus `json:"status"`
	ErrorKind       ErrorKind  `json:"error_kind,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// SyncOutcome is the aggregate record of one invocation. It is handed to the
// validator and the notifier; the engine does not persist it.
type SyncOutcome struct {
	RunID               string             `json:"run_id"`
	EventKind           EventKind          `json:"event_kind"`
	Source              RepositoryIdentity `json:"source"`
	Repository          *RepositoryRecord  `json:"repository,omitempty"`
	TransportUsed       TransportKind      `json:"transport_used,omitempty"`
	TransportsAttempted []TransportKind    `json:"transports_attempted,omitempty"`
	State               SyncState          `json:"state"`
	Success             bool               `json:"success"`
	ErrorKind           ErrorKind          `json:"error_kind,omitempty"`
	Error               string             `json:"error,omitempty"`
	Commits             []CommitResult     `json:"commits,omitempty"`
	Branches            []BranchResult     `json:"branches,omitempty"`
	Links               []LinkResult       `json:"links,omitempty"`
	Transitions         []StatusResult     `json:"transitions,omitempty"`
	RepositoryStatus    *StatusResult      `json:"repository_status,omitempty"`
	StartedAt           time.Time          `json:"started_at"`
	FinishedAt          time.Time          `json:"finished_at"`
}

// Propagated reports whether every commit and branch action reached the ALM
// system. This alone decides the process exit code.
func (o *SyncOutcome) Propagated() bool {
	if o.Repository == nil {
		return false
	}
	for _, c := range o.Commits {
		if !c.Status.OK() {
			return false
		}
	}
	for _, b := range o.Branches {
		if !b.Status.OK() {
			return false
		}
	}
	return true
}

// FailedCommits returns the SHAs of commits that did not propagate.
func (o *SyncOutcome) FailedCommits() []string {
	var out []string
	for _, c := range o.Commits {
		if !c.Status.OK() {
			out = append(out, c.SHA)
		}
	}
	return out
}

// LastSHA returns the newest propagated commit SHA, or "" if none.
func (o *SyncOutcome) LastSHA() string {
	for i := len(o.Commits) - 1; i >= 0; i-- {
		if o.Commits[i].Status.OK() {
			return o.Commits[i].SHA
		}
	}
	return ""
}

// LinkCounts tallies linked, skipped and failed references.
func (o *SyncOutcome) LinkCounts() (linked, skipped, failed int) {
	for _, l := range o.Links {
		switch {
		case l.Status.OK():
			linked++
		case l.Status == ItemSkipped:
			skipped++
		default:
			failed++
		}
	}
	return linked, skipped, failed
}

// TransitionCounts tallies changed, skipped and failed work item transitions.
func (o *SyncOutcome) TransitionCounts() (changed, skipped, failed int) {
	for _, t := range o.Transitions {
		switch {
		case t.Status.OK():
			changed++
		case t.Status == ItemSkipped:
			skipped++
		default:
			failed++
		}
	}
	return changed, skipped, failed
}
