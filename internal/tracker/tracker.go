package tracker

import (
	"context"

	"github.com/scmbridge/cbsync/internal/types"
)

// Transport is the capability interface both ALM transports implement. The
// engine talks to the ALM system only through it, so the structured REST
// client and the legacy web client are interchangeable.
//
// Implementations must authenticate per invocation (no cross-run session
// caching) and bound every network call.
type Transport interface {
	// Kind identifies the transport variant.
	Kind() types.TransportKind

	// FindOrCreateRepository locates the tracking repository by display
	// name within the project, creating it when absent. "Already exists" is
	// success. Returns ErrAuthentication, ErrAuthorization or
	// ErrProtocolUnsupported for the corresponding conditions.
	FindOrCreateRepository(ctx context.Context, name, projectID string) (*types.RepositoryRecord, error)

	// PushCommit records one commit. seq is the commit's position within
	// the event; re-sending a recorded commit must not duplicate it.
	// existed reports that the ALM system already had the commit.
	PushCommit(ctx context.Context, repo *types.RepositoryRecord, seq int, commit types.CommitEvent) (existed bool, err error)

	// PushBranchEvent records a branch creation or deletion.
	PushBranchEvent(ctx context.Context, repo *types.RepositoryRecord, branch types.BranchEvent) error

	// LinkWorkItem posts a cross-link from a commit to a work item.
	// Returns ErrNotFound when the item does not exist.
	LinkWorkItem(ctx context.Context, itemID string, commit types.CommitEvent) error

	// UpdateRepositoryStatus writes sync metadata onto the repository
	// record. Best effort; may return ErrUnsupported.
	UpdateRepositoryStatus(ctx context.Context, repo *types.RepositoryRecord, status types.RepositoryStatus) error

	// TransitionWorkItem moves a work item to status unless it is already
	// in a final state. from is the status it had; changed reports whether
	// it moved. Returns ErrNotFound or ErrUnsupported.
	TransitionWorkItem(ctx context.Context, itemID, status string) (from string, changed bool, err error)

	// HasCommit reports whether the repository already records sha.
	// Read-only; used by the validator.
	HasCommit(ctx context.Context, repo *types.RepositoryRecord, sha string) (bool, error)
}

// FailureRecorder receives the outcome of an invocation that ended Failed.
type FailureRecorder interface {
	Record(ctx context.Context, outcome *types.SyncOutcome) error
}

// Mode selects which transports an invocation may use.
type Mode string

const (
	// ModeAuto uses the REST transport and falls back to the web transport
	// once if the instance does not expose the REST interface.
	ModeAuto Mode = "auto"
	// ModeREST uses only the REST transport.
	ModeREST Mode = "rest"
	// ModeWeb uses only the web transport.
	ModeWeb Mode = "web"
)

// ParseMode validates a mode string; empty means ModeAuto.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case "", ModeAuto:
		return ModeAuto, true
	case ModeREST, ModeWeb:
		return Mode(s), true
	}
	return "", false
}
