package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/scmbridge/cbsync/internal/tracker"
	"github.com/scmbridge/cbsync/internal/types"
)

const transportScopeName = "github.com/scmbridge/cbsync/transport"

// InstrumentedTransport wraps a tracker.Transport with OTel tracing and
// metrics. Every call gets a span and is counted in cbsync.transport.*.
// Use WrapTransport to create one; it returns the original transport
// unchanged when telemetry is disabled.
type InstrumentedTransport struct {
	inner  tracker.Transport
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapTransport returns t decorated with OTel instrumentation from the
// global providers. When telemetry is disabled, t is returned as-is.
func WrapTransport(t tracker.Transport) tracker.Transport {
	if !Enabled() {
		return t
	}
	return Instrument(t, Tracer(transportScopeName), Meter(transportScopeName))
}

// Instrument decorates t using the given tracer and meter.
func Instrument(t tracker.Transport, tracer trace.Tracer, m metric.Meter) *InstrumentedTransport {
	ops, _ := m.Int64Counter("cbsync.transport.operations",
		metric.WithDescription("Total transport operations executed"),
	)
	dur, _ := m.Float64Histogram("cbsync.transport.operation.duration",
		metric.WithDescription("Transport operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("cbsync.transport.errors",
		metric.WithDescription("Total transport operation errors by kind"),
	)
	return &InstrumentedTransport{inner: t, tracer: tracer, ops: ops, dur: dur, errs: errs}
}

func (s *InstrumentedTransport) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, []attribute.KeyValue, time.Time) {
	all := append([]attribute.KeyValue{
		attribute.String("cbsync.operation", name),
		attribute.String("cbsync.transport", string(s.inner.Kind())),
	}, attrs...)
	ctx, span := s.tracer.Start(ctx, "transport."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all[:2]...))
	return ctx, span, all[:2], time.Now()
}

func (s *InstrumentedTransport) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs []attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		kind := tracker.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("cbsync.error_kind", string(kind)))
		errAttrs := append(append([]attribute.KeyValue{}, attrs...), attribute.String("cbsync.error_kind", string(kind)))
		s.errs.Add(ctx, 1, metric.WithAttributes(errAttrs...))
	}
	span.End()
}

func (s *InstrumentedTransport) Kind() types.TransportKind {
	return s.inner.Kind()
}

func (s *InstrumentedTransport) FindOrCreateRepository(ctx context.Context, name, projectID string) (*types.RepositoryRecord, error) {
	ctx, span, attrs, t := s.op(ctx, "FindOrCreateRepository",
		attribute.String("cbsync.repository", name),
		attribute.String("cbsync.project_id", projectID),
	)
	rec, err := s.inner.FindOrCreateRepository(ctx, name, projectID)
	if err == nil && rec != nil {
		span.SetAttributes(attribute.String("cbsync.repository_id", rec.RemoteID))
	}
	s.done(ctx, span, t, err, attrs)
	return rec, err
}

func (s *InstrumentedTransport) PushCommit(ctx context.Context, repo *types.RepositoryRecord, seq int, commit types.CommitEvent) (bool, error) {
	ctx, span, attrs, t := s.op(ctx, "PushCommit",
		attribute.String("cbsync.sha", commit.SHA),
		attribute.Int("cbsync.seq", seq),
	)
	existed, err := s.inner.PushCommit(ctx, repo, seq, commit)
	if err == nil {
		span.SetAttributes(attribute.Bool("cbsync.existed", existed))
	}
	s.done(ctx, span, t, err, attrs)
	return existed, err
}

func (s *InstrumentedTransport) PushBranchEvent(ctx context.Context, repo *types.RepositoryRecord, branch types.BranchEvent) error {
	ctx, span, attrs, t := s.op(ctx, "PushBranchEvent",
		attribute.String("cbsync.branch", branch.BranchRef),
		attribute.String("cbsync.action", string(branch.Action)),
	)
	err := s.inner.PushBranchEvent(ctx, repo, branch)
	s.done(ctx, span, t, err, attrs)
	return err
}

func (s *InstrumentedTransport) LinkWorkItem(ctx context.Context, itemID string, commit types.CommitEvent) error {
	ctx, span, attrs, t := s.op(ctx, "LinkWorkItem",
		attribute.String("cbsync.item_id", itemID),
		attribute.String("cbsync.sha", commit.SHA),
	)
	err := s.inner.LinkWorkItem(ctx, itemID, commit)
	s.done(ctx, span, t, err, attrs)
	return err
}

func (s *InstrumentedTransport) UpdateRepositoryStatus(ctx context.Context, repo *types.RepositoryRecord, status types.RepositoryStatus) error {
	ctx, span, attrs, t := s.op(ctx, "UpdateRepositoryStatus", attribute.String("cbsync.repository_id", repo.RemoteID))
	err := s.inner.UpdateRepositoryStatus(ctx, repo, status)
	s.done(ctx, span, t, err, attrs)
	return err
}

func (s *InstrumentedTransport) TransitionWorkItem(ctx context.Context, itemID, status string) (string, bool, error) {
	ctx, span, attrs, t := s.op(ctx, "TransitionWorkItem",
		attribute.String("cbsync.item_id", itemID),
		attribute.String("cbsync.item_status", status),
	)
	from, changed, err := s.inner.TransitionWorkItem(ctx, itemID, status)
	if err == nil {
		span.SetAttributes(attribute.Bool("cbsync.changed", changed))
	}
	s.done(ctx, span, t, err, attrs)
	return from, changed, err
}

func (s *InstrumentedTransport) HasCommit(ctx context.Context, repo *types.RepositoryRecord, sha string) (bool, error) {
	ctx, span, attrs, t := s.op(ctx, "HasCommit", attribute.String("cbsync.sha", sha))
	ok, err := s.inner.HasCommit(ctx, repo, sha)
	if err == nil {
		span.SetAttributes(attribute.Bool("cbsync.found", ok))
	}
	s.done(ctx, span, t, err, attrs)
	return ok, err
}

var _ tracker.Transport = (*InstrumentedTransport)(nil)
