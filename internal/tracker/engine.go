// Package tracker holds the synchronization engine and the capability
// interface the ALM transports implement.
//
// The engine drives one invocation through the states
// Idle → RepoResolved → EventPropagated → LinksResolved, ending Failed when any
// commit or branch action did not reach the ALM system. Validation happens in
// a separate invocation (see package validate).
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/scmbridge/cbsync/internal/refs"
	"github.com/scmbridge/cbsync/internal/types"
)

// DefaultCallTimeout bounds a single transport call when Options leaves it unset.
const DefaultCallTimeout = 30 * time.Second

// Options is the immutable per-invocation configuration of an Engine.
type Options struct {
	ProjectID      string
	RepositoryName string
	Mode           Mode
	CallTimeout    time.Duration
	// Concurrency bounds parallel commit pushes on the REST transport.
	// Values below 2 push sequentially. The web transport is always sequential.
	Concurrency int
	Extractor   *refs.Extractor
	RunID       string

	// UpdateRepositoryStatus writes sync metadata onto the repository record
	// after a fully propagated event.
	UpdateRepositoryStatus bool
	// UpdateItemStatus moves linked work items to Resolved or Done when the
	// commit message says so.
	UpdateItemStatus bool
}

// Engine orchestrates one synchronization invocation against the ALM system.
type Engine struct {
	Transports *Registry
	Recorder   FailureRecorder
	opts       Options

	// Callbacks for progress reporting (optional).
	OnMessage func(msg string)
	OnWarning func(msg string)

	now func() time.Time
}

// NewEngine creates an engine that builds transports from reg.
func NewEngine(reg *Registry, opts Options) *Engine {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Extractor == nil {
		opts.Extractor = refs.Default()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Engine{
		Transports: reg,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Options returns the engine's configuration.
func (e *Engine) Options() Options { return e.opts }

// Sync runs the full invocation for ev. The returned outcome is always
// non-nil; the error is non-nil exactly when the outcome ended Failed.
func (e *Engine) Sync(ctx context.Context, ev types.Event) (*types.SyncOutcome, error) {
	outcome := &types.SyncOutcome{
		RunID:     e.opts.RunID,
		EventKind: ev.Kind,
		Source:    ev.Repository,
		State:     types.StateIdle,
		StartedAt: e.now(),
	}

	err := e.run(ctx, ev, outcome)
	outcome.FinishedAt = e.now()
	if err == nil {
		outcome.Success = true
		return outcome, nil
	}

	outcome.Success = false
	outcome.State = types.StateFailed
	if outcome.ErrorKind == types.ErrorNone {
		outcome.ErrorKind = KindOf(err)
	}
	outcome.Error = err.Error()
	e.warn("Sync failed (%s): %v", outcome.ErrorKind, err)

	if e.Recorder != nil {
		if rerr := e.Recorder.Record(context.WithoutCancel(ctx), outcome); rerr != nil {
			e.warn("Failed to record failure: %v", rerr)
		}
	}
	return outcome, err
}

func (e *Engine) run(ctx context.Context, ev types.Event, outcome *types.SyncOutcome) error {
	if err := validateEvent(ev); err != nil {
		outcome.ErrorKind = types.ErrorInvalidEvent
		return err
	}

	kind := firstTransport(e.opts.Mode)
	for {
		tr, err := e.Transports.New(ctx, kind)
		if err != nil {
			outcome.ErrorKind = types.ErrorInternal
			return err
		}
		outcome.TransportsAttempted = append(outcome.TransportsAttempted, kind)
		outcome.TransportUsed = kind

		repo, err := e.resolveRepository(ctx, tr)
		if err != nil {
			if next, ok := nextTransport(e.opts.Mode, outcome.TransportsAttempted, err); ok {
				e.warn("Transport %s unavailable (%v); falling back to %s", kind.Label(), err, next.Label())
				kind = next
				continue
			}
			return fmt.Errorf("resolve repository via transport %s: %w", kind.Label(), err)
		}

		outcome.Repository = repo
		e.enter(outcome, types.StateRepoResolved)
		return e.propagateAndLink(ctx, tr, repo, ev, outcome)
	}
}

// firstTransport picks the transport an invocation starts with.
func firstTransport(mode Mode) types.TransportKind {
	if mode == ModeWeb {
		return types.TransportWeb
	}
	return types.TransportREST
}

// nextTransport decides whether a failed repository resolution may restart on
// another transport. Only structural incompatibility of the REST interface in
// auto mode qualifies, and only once; credential faults never fall back.
func nextTransport(mode Mode, attempted []types.TransportKind, err error) (types.TransportKind, bool) {
	if mode != ModeAuto || !errors.Is(err, ErrProtocolUnsupported) {
		return "", false
	}
	for _, k := range attempted {
		if k == types.TransportWeb {
			return "", false
		}
	}
	return types.TransportWeb, true
}

func (e *Engine) resolveRepository(ctx context.Context, tr Transport) (*types.RepositoryRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	repo, err := tr.FindOrCreateRepository(callCtx, e.opts.RepositoryName, e.opts.ProjectID)
	if err != nil {
		return nil, err
	}
	if repo == nil || repo.RemoteID == "" {
		return nil, Ambiguous("find or create repository", "no repository id returned")
	}
	e.msg("Using ALM repository %s (%s) via transport %s", repo.RemoteID, repo.DisplayName, tr.Kind().Label())
	return repo, nil
}

func (e *Engine) propagateAndLink(ctx context.Context, tr Transport, repo *types.RepositoryRecord, ev types.Event, outcome *types.SyncOutcome) error {
	commits := commitsFor(ev)

	switch ev.Kind {
	case types.EventBranchCreate, types.EventBranchDelete:
		outcome.Branches = []types.BranchResult{e.pushBranch(ctx, tr, repo, *ev.Branch)}
	case types.EventPullRequest:
		if len(commits) == 0 {
			e.msg("Pull request #%d %s: nothing to propagate", ev.PullRequest.Number, ev.PullRequest.Action)
		}
		outcome.Commits = e.pushCommits(ctx, tr, repo, commits)
	default:
		outcome.Commits = e.pushCommits(ctx, tr, repo, commits)
	}

	propagated := outcome.Propagated()
	if propagated {
		e.enter(outcome, types.StateEventPropagated)
	}

	outcome.Links = e.linkWorkItems(ctx, tr, commits, outcome.Commits)
	linked, skipped, failed := outcome.LinkCounts()
	if len(outcome.Links) > 0 {
		e.msg("Linked %d work item reference(s), %d unresolved, %d failed", linked, skipped, failed)
	}

	if e.opts.UpdateItemStatus {
		outcome.Transitions = e.transitionWorkItems(ctx, tr, commits, outcome.Links)
	}
	if propagated && e.opts.UpdateRepositoryStatus {
		outcome.RepositoryStatus = e.updateRepositoryStatus(ctx, tr, repo, ev)
	}

	if !propagated {
		outcome.ErrorKind = firstItemErrorKind(outcome)
		return propagationError(outcome)
	}
	e.enter(outcome, types.StateLinksResolved)
	return nil
}

// commitsFor returns the commits an event propagates, in commit order.
func commitsFor(ev types.Event) []types.CommitEvent {
	switch ev.Kind {
	case types.EventPush:
		return ev.Commits
	case types.EventPullRequest:
		pr := ev.PullRequest
		if !pr.Merged || pr.MergeCommitSHA == "" {
			return nil
		}
		msg := fmt.Sprintf("Merge pull request #%d", pr.Number)
		if pr.Title != "" {
			msg += ": " + pr.Title
		}
		return []types.CommitEvent{{
			SHA:        pr.MergeCommitSHA,
			Message:    msg,
			AuthorName: ev.Actor,
			BranchRef:  pr.BaseRef,
		}}
	}
	return nil
}

func (e *Engine) pushCommits(ctx context.Context, tr Transport, repo *types.RepositoryRecord, commits []types.CommitEvent) []types.CommitResult {
	results := make([]types.CommitResult, len(commits))
	limit := e.opts.Concurrency
	if tr.Kind() != types.TransportREST || limit < 2 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, c := range commits {
		seq := i + 1
		results[i] = types.CommitResult{Sequence: seq, SHA: c.SHA}
		if ctx.Err() != nil {
			results[i].Status = types.ItemCanceled
			results[i].ErrorKind = types.ErrorCanceled
			results[i].Error = ctx.Err().Error()
			continue
		}
		g.Go(func() error {
			results[i] = e.pushCommit(ctx, tr, repo, seq, c)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures live in results

	return results
}

func (e *Engine) pushCommit(ctx context.Context, tr Transport, repo *types.RepositoryRecord, seq int, c types.CommitEvent) types.CommitResult {
	res := types.CommitResult{Sequence: seq, SHA: c.SHA}
	if err := ctx.Err(); err != nil {
		res.Status, res.ErrorKind, res.Error = types.ItemCanceled, types.ErrorCanceled, err.Error()
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	existed, err := tr.PushCommit(callCtx, repo, seq, c)
	switch {
	case err != nil:
		res.Status, res.ErrorKind, res.Error = types.ItemFailed, KindOf(err), err.Error()
		if res.ErrorKind == types.ErrorCanceled {
			res.Status = types.ItemCanceled
		}
		e.warn("Failed to push commit %s: %v", c.ShortSHA(), err)
	case existed:
		res.Status = types.ItemExisted
		e.msg("Commit already recorded: %s", c.ShortSHA())
	default:
		res.Status = types.ItemSynced
		e.msg("Synced commit: %s - %s", c.ShortSHA(), truncate(c.Subject(), 50))
	}
	return res
}

func (e *Engine) pushBranch(ctx context.Context, tr Transport, repo *types.RepositoryRecord, b types.BranchEvent) types.BranchResult {
	res := types.BranchResult{BranchRef: b.BranchRef, Action: b.Action}
	if err := ctx.Err(); err != nil {
		res.Status, res.ErrorKind, res.Error = types.ItemCanceled, types.ErrorCanceled, err.Error()
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	if err := tr.PushBranchEvent(callCtx, repo, b); err != nil {
		res.Status, res.ErrorKind, res.Error = types.ItemFailed, KindOf(err), err.Error()
		e.warn("Failed to record branch %s %s: %v", b.BranchName(), b.Action, err)
		return res
	}
	res.Status = types.ItemSynced
	e.msg("Recorded branch %s: %s", b.Action, b.BranchName())
	return res
}

// linkWorkItems links every successfully propagated commit to the work items
// its message references. Failures are recorded per reference and never fail
// the invocation.
func (e *Engine) linkWorkItems(ctx context.Context, tr Transport, commits []types.CommitEvent, results []types.CommitResult) []types.LinkResult {
	var links []types.LinkResult
	for i, c := range commits {
		if i >= len(results) || !results[i].Status.OK() {
			continue
		}

		done := make(map[string]string) // key -> first raw token
		for _, ref := range e.opts.Extractor.Extract(c.Message, c.SHA) {
			if !e.opts.Extractor.Linkable(ref) {
				links = append(links, types.LinkResult{
					Reference: ref,
					Status:    types.ItemSkipped,
					Error:     fmt.Sprintf("prefix %q is not a configured work item prefix", ref.Prefix),
				})
				continue
			}
			if first, ok := done[ref.Key]; ok {
				links = append(links, types.LinkResult{
					Reference: ref,
					Status:    types.ItemSkipped,
					Error:     "duplicate of " + first,
				})
				continue
			}
			done[ref.Key] = ref.RawToken
			links = append(links, e.linkOne(ctx, tr, ref, c))
		}
	}
	return links
}

func (e *Engine) linkOne(ctx context.Context, tr Transport, ref types.WorkItemReference, c types.CommitEvent) types.LinkResult {
	lr := types.LinkResult{Reference: ref}
	if err := ctx.Err(); err != nil {
		lr.Status, lr.ErrorKind, lr.Error = types.ItemCanceled, types.ErrorCanceled, err.Error()
		return lr
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	err := tr.LinkWorkItem(callCtx, ref.Key, c)
	switch {
	case err == nil:
		lr.Status = types.ItemSynced
		lr.Reference.ResolvedID = ref.Key
		e.msg("Linked commit %s to work item %s", c.ShortSHA(), ref.Key)
	case errors.Is(err, ErrNotFound):
		lr.Status, lr.ErrorKind, lr.Error = types.ItemSkipped, types.ErrorNotFound, err.Error()
		e.warn("Work item %s referenced by %s does not exist; skipped", ref.RawToken, c.ShortSHA())
	default:
		lr.Status, lr.ErrorKind, lr.Error = types.ItemFailed, KindOf(err), err.Error()
		e.warn("Failed to link commit %s to work item %s: %v", c.ShortSHA(), ref.Key, err)
	}
	return lr
}

// transitionWorkItems moves the work items each commit linked to the status
// its message asks for. Each item is transitioned at most once per
// invocation; failures are recorded and never fail the invocation.
func (e *Engine) transitionWorkItems(ctx context.Context, tr Transport, commits []types.CommitEvent, links []types.LinkResult) []types.StatusResult {
	var out []types.StatusResult
	done := make(map[string]bool)
	for _, c := range commits {
		status, keyword := refs.Transition(c.Message)
		if status == "" {
			continue
		}
		for _, l := range links {
			id := l.Reference.ResolvedID
			if l.Status != types.ItemSynced || id == "" || l.Reference.SourceCommitSHA != c.SHA || done[id] {
				continue
			}
			done[id] = true
			out = append(out, e.transitionOne(ctx, tr, id, status, keyword, c))
		}
	}
	return out
}

func (e *Engine) transitionOne(ctx context.Context, tr Transport, itemID, status, keyword string, c types.CommitEvent) types.StatusResult {
	res := types.StatusResult{Target: itemID, To: status, Keyword: keyword, SourceCommitSHA: c.SHA}
	if err := ctx.Err(); err != nil {
		res.Status, res.ErrorKind, res.Error = types.ItemCanceled, types.ErrorCanceled, err.Error()
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	from, changed, err := tr.TransitionWorkItem(callCtx, itemID, status)
	res.From = from
	switch {
	case err == nil && changed:
		res.Status = types.ItemSynced
		e.msg("Moved work item %s to %s (%q in %s)", itemID, status, keyword, c.ShortSHA())
	case err == nil:
		res.Status = types.ItemSkipped
		res.Error = fmt.Sprintf("already %s", from)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnsupported):
		res.Status, res.ErrorKind, res.Error = types.ItemSkipped, KindOf(err), err.Error()
	default:
		res.Status, res.ErrorKind, res.Error = types.ItemFailed, KindOf(err), err.Error()
		e.warn("Failed to move work item %s to %s: %v", itemID, status, err)
	}
	return res
}

// updateRepositoryStatus writes the sync metadata onto the repository record.
// A failure is recorded and never fails the invocation.
func (e *Engine) updateRepositoryStatus(ctx context.Context, tr Transport, repo *types.RepositoryRecord, ev types.Event) *types.StatusResult {
	st := types.RepositoryStatus{LastSync: e.now(), SyncedBy: ev.Actor}
	if ev.Snapshot != nil {
		st.RepositorySnapshot = *ev.Snapshot
	}
	if st.CurrentBranch == "" {
		st.CurrentBranch = eventBranch(ev)
	}

	res := &types.StatusResult{Target: repo.RemoteID}
	if err := ctx.Err(); err != nil {
		res.Status, res.ErrorKind, res.Error = types.ItemCanceled, types.ErrorCanceled, err.Error()
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	err := tr.UpdateRepositoryStatus(callCtx, repo, st)
	switch {
	case err == nil:
		res.Status = types.ItemSynced
		e.msg("Updated repository %s status", repo.RemoteID)
	case errors.Is(err, ErrUnsupported):
		res.Status, res.ErrorKind, res.Error = types.ItemSkipped, types.ErrorUnsupported, err.Error()
	default:
		res.Status, res.ErrorKind, res.Error = types.ItemFailed, KindOf(err), err.Error()
		e.warn("Failed to update repository status: %v", err)
	}
	return res
}

// eventBranch names the branch an event happened on, or "" if unknown.
func eventBranch(ev types.Event) string {
	switch {
	case ev.Branch != nil:
		if ev.Branch.Action == types.BranchDeleted {
			return ""
		}
		return ev.Branch.BranchName()
	case ev.PullRequest != nil:
		return types.BranchName(ev.PullRequest.BaseRef)
	}
	return types.BranchName(ev.Ref)
}

// validateEvent rejects events the engine cannot act on before any remote call.
func validateEvent(ev types.Event) error {
	if !ev.Kind.IsValid() {
		return fmt.Errorf("unsupported event kind %q", ev.Kind)
	}
	switch ev.Kind {
	case types.EventBranchCreate, types.EventBranchDelete:
		if ev.Branch == nil || ev.Branch.BranchRef == "" {
			return fmt.Errorf("%s event without branch ref", ev.Kind)
		}
		want := types.BranchCreated
		if ev.Kind == types.EventBranchDelete {
			want = types.BranchDeleted
		}
		if ev.Branch.Action != want {
			return fmt.Errorf("%s event carries branch action %q", ev.Kind, ev.Branch.Action)
		}
	case types.EventPullRequest:
		if ev.PullRequest == nil {
			return fmt.Errorf("pull_request event without pull request details")
		}
	case types.EventPush:
		for i, c := range ev.Commits {
			if c.SHA == "" {
				return fmt.Errorf("push event commit %d has no sha", i+1)
			}
		}
	}
	return nil
}

func firstItemErrorKind(o *types.SyncOutcome) types.ErrorKind {
	for _, c := range o.Commits {
		if !c.Status.OK() {
			return c.ErrorKind
		}
	}
	for _, b := range o.Branches {
		if !b.Status.OK() {
			return b.ErrorKind
		}
	}
	return types.ErrorInternal
}

// propagationError aggregates every failed commit and branch action.
func propagationError(o *types.SyncOutcome) error {
	var merr *multierror.Error
	for _, c := range o.Commits {
		if !c.Status.OK() {
			merr = multierror.Append(merr, fmt.Errorf("commit %d (%s): %s", c.Sequence, types.ShortSHA(c.SHA), c.Error))
		}
	}
	for _, b := range o.Branches {
		if !b.Status.OK() {
			merr = multierror.Append(merr, fmt.Errorf("branch %s %s: %s", types.BranchName(b.BranchRef), b.Action, b.Error))
		}
	}
	if merr == nil {
		return errors.New("propagation incomplete")
	}
	merr.ErrorFormat = func(errs []error) string {
		msg := fmt.Sprintf("%d item(s) failed to propagate", len(errs))
		for _, err := range errs {
			msg += "; " + err.Error()
		}
		return msg
	}
	return merr.ErrorOrNil()
}

func (e *Engine) enter(o *types.SyncOutcome, s types.SyncState) {
	o.State = s
	e.msg("State: %s", s)
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}

func (e *Engine) msg(format string, args ...interface{}) {
	if e.OnMessage != nil {
		e.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (e *Engine) warn(format string, args ...interface{}) {
	if e.OnWarning != nil {
		e.OnWarning(fmt.Sprintf(format, args...))
	}
}
