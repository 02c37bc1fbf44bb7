package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/scmbridge/cbsync/internal/types"
)

// Transport-independent failures. Both transports wrap these so the engine
// can classify errors with errors.Is without knowing which transport ran.
var (
	// ErrAuthentication means the ALM system rejected the credentials.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorization means the credentials lack permission for the project.
	ErrAuthorization = errors.New("insufficient permission")

	// ErrProtocolUnsupported means the ALM instance does not expose the
	// transport's interface at all. It is the only trigger for fallback.
	ErrProtocolUnsupported = errors.New("protocol not supported by ALM instance")

	// ErrNotFound means a work item reference did not resolve to a real item.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported means the transport cannot perform an optional
	// operation. Callers record it as skipped.
	ErrUnsupported = errors.New("operation not supported by transport")
)

// RemoteError is a server-side or network fault reported by a transport.
// Transient errors have already been retried by the transport when they
// reach the engine.
type RemoteError struct {
	Op        string // transport operation, e.g. "push commit"
	Code      int    // HTTP status, 0 for network errors
	Message   string
	Transient bool
	Err       error // underlying cause, if any
}

func (e *RemoteError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: remote error %d (%s): %s", e.Op, e.Code, kind, msg)
	}
	return fmt.Sprintf("%s: remote error (%s): %s", e.Op, kind, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a RemoteError marked transient.
func IsTransient(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Transient
}

// KindOf classifies err for the outcome record.
func KindOf(err error) types.ErrorKind {
	var re *RemoteError
	switch {
	case err == nil:
		return types.ErrorNone
	case errors.Is(err, ErrAuthentication):
		return types.ErrorAuthentication
	case errors.Is(err, ErrAuthorization):
		return types.ErrorAuthorization
	case errors.Is(err, ErrProtocolUnsupported):
		return types.ErrorProtocolUnsupported
	case errors.Is(err, ErrNotFound):
		return types.ErrorNotFound
	case errors.Is(err, ErrUnsupported):
		return types.ErrorUnsupported
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.ErrorCanceled
	case errors.As(err, &re):
		if re.Transient {
			return types.ErrorRemoteTransient
		}
		return types.ErrorRemotePermanent
	}
	return types.ErrorInternal
}

// Ambiguous builds the permanent error an inference-based transport returns
// when it cannot positively confirm that an operation took effect.
func Ambiguous(op, detail string) error {
	return &RemoteError{Op: op, Message: "ambiguous result: " + detail}
}
