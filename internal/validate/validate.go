// Package validate confirms, in a separate read-only step, that the ALM
// system records a commit the engine propagated.
package validate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scmbridge/cbsync/internal/tracker"
	"github.com/scmbridge/cbsync/internal/types"
)

// Verdict is the answer of one Check.
type Verdict string

const (
	// Confirmed means the ALM system positively lists the commit.
	Confirmed Verdict = "confirmed"
	// NotFound means the final attempt answered, definitively, that the
	// commit is absent.
	NotFound Verdict = "not_found"
	// Inconclusive means no attempt produced a definitive answer.
	Inconclusive Verdict = "inconclusive"
)

const (
	DefaultAttempts = 3
	DefaultInterval = 2 * time.Second
)

// CommitChecker is the read-only part of a transport the validator needs.
type CommitChecker interface {
	HasCommit(ctx context.Context, repo *types.RepositoryRecord, sha string) (bool, error)
}

// Report is the result of Check.
type Report struct {
	Verdict  Verdict `json:"verdict"`
	SHA      string  `json:"sha"`
	Attempts int     `json:"attempts"`
	// Err is the last error seen; set for Inconclusive verdicts.
	Err error `json:"-"`
}

// Validator polls a transport for a commit with a bounded number of attempts.
type Validator struct {
	checker  CommitChecker
	attempts int
	interval time.Duration

	// OnWarning receives one line per failed attempt (optional).
	OnWarning func(msg string)

	newBackOff func() backoff.BackOff
}

// New returns a validator. Non-positive attempts or interval fall back to
// the defaults.
func New(checker CommitChecker, attempts int, interval time.Duration) *Validator {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	v := &Validator{checker: checker, attempts: attempts, interval: interval}
	v.newBackOff = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = v.interval
		bo.MaxInterval = 4 * v.interval
		bo.MaxElapsedTime = 0
		return bo
	}
	return v
}

// Check asks for sha up to the configured number of times, waiting between
// attempts. Only a positive answer yields Confirmed. Authentication,
// authorization and protocol errors end the attempts early.
func (v *Validator) Check(ctx context.Context, repo *types.RepositoryRecord, sha string) Report {
	rep := Report{SHA: sha, Verdict: Inconclusive}
	if repo == nil || sha == "" {
		rep.Err = errors.New("nothing to validate: repository or commit missing")
		return rep
	}

	bo := v.newBackOff()
	for attempt := 1; attempt <= v.attempts; attempt++ {
		rep.Attempts = attempt
		found, err := v.checker.HasCommit(ctx, repo, sha)
		switch {
		case err == nil && found:
			rep.Verdict, rep.Err = Confirmed, nil
			return rep
		case err == nil:
			rep.Verdict, rep.Err = NotFound, nil
		default:
			rep.Verdict, rep.Err = Inconclusive, err
			v.warn("Validation attempt %d/%d for %s failed: %v", attempt, v.attempts, types.ShortSHA(sha), err)
			if !retryable(err) {
				return rep
			}
		}

		if attempt == v.attempts {
			break
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = v.interval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			rep.Verdict, rep.Err = Inconclusive, ctx.Err()
			return rep
		case <-t.C:
		}
	}
	return rep
}

func retryable(err error) bool {
	switch tracker.KindOf(err) {
	case types.ErrorAuthentication, types.ErrorAuthorization, types.ErrorProtocolUnsupported, types.ErrorCanceled:
		return false
	}
	return true
}

func (v *Validator) warn(format string, args ...interface{}) {
	if v.OnWarning != nil {
		v.OnWarning(fmt.Sprintf(format, args...))
	}
}
