package telemetry

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/scmbridge/cbsync/internal/tracker"
	"github.com/scmbridge/cbsync/internal/types"
)

type stubTransport struct {
	pushErr error
}

func (s *stubTransport) Kind() types.TransportKind { return types.TransportREST }

func (s *stubTransport) FindOrCreateRepository(_ context.Context, name, projectID string) (*types.RepositoryRecord, error) {
	return &types.RepositoryRecord{RemoteID: "9", DisplayName: name, ProjectID: projectID}, nil
}

func (s *stubTransport) PushCommit(context.Context, *types.RepositoryRecord, int, types.CommitEvent) (bool, error) {
	return false, s.pushErr
}

func (s *stubTransport) PushBranchEvent(context.Context, *types.RepositoryRecord, types.BranchEvent) error {
	return nil
}

func (s *stubTransport) LinkWorkItem(context.Context, string, types.CommitEvent) error {
	return tracker.ErrNotFound
}

func (s *stubTransport) UpdateRepositoryStatus(context.Context, *types.RepositoryRecord, types.RepositoryStatus) error {
	return nil
}

func (s *stubTransport) TransitionWorkItem(context.Context, string, string) (string, bool, error) {
	return "", false, fmt.Errorf("stub: %w", tracker.ErrUnsupported)
}

func (s *stubTransport) HasCommit(context.Context, *types.RepositoryRecord, string) (bool, error) {
	return true, nil
}

func newInstrumented(t *testing.T, inner tracker.Transport) (*InstrumentedTransport, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})
	return Instrument(inner, tp.Tracer("test"), mp.Meter("test")), spans, reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestWrapTransportDisabled(t *testing.T) {
	t.Setenv("CBSYNC_OTEL_ENABLED", "")
	inner := &stubTransport{}
	assert.Same(t, tracker.Transport(inner), WrapTransport(inner))
}

func TestInstrumentedTransportSpans(t *testing.T) {
	tr, spans, reader := newInstrumented(t, &stubTransport{})
	ctx := context.Background()

	rec, err := tr.FindOrCreateRepository(ctx, "GitHub-widget", "42")
	require.NoError(t, err)
	assert.Equal(t, "9", rec.RemoteID)

	found, err := tr.HasCommit(ctx, rec, "abc")
	require.NoError(t, err)
	assert.True(t, found)
	require.NoError(t, tr.PushBranchEvent(ctx, rec, types.BranchEvent{BranchRef: "refs/heads/x", Action: types.BranchCreated}))

	ended := spans.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "transport.FindOrCreateRepository", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String("cbsync.repository_id", "9"))
	assert.Contains(t, ended[0].Attributes(), attribute.String("cbsync.transport", "rest"))
	assert.Equal(t, "transport.HasCommit", ended[1].Name())
	assert.Equal(t, codes.Unset, ended[1].Status().Code)

	assert.Equal(t, int64(3), sumOf(t, reader, "cbsync.transport.operations"))
	assert.Equal(t, int64(0), sumOf(t, reader, "cbsync.transport.errors"))
	assert.Equal(t, types.TransportREST, tr.Kind())
}

func TestInstrumentedTransportErrors(t *testing.T) {
	tr, spans, reader := newInstrumented(t, &stubTransport{pushErr: tracker.ErrAuthentication})
	ctx := context.Background()

	_, err := tr.PushCommit(ctx, &types.RepositoryRecord{}, 0, types.CommitEvent{SHA: "abc"})
	assert.ErrorIs(t, err, tracker.ErrAuthentication, "errors pass through unchanged")
	err = tr.LinkWorkItem(ctx, "7", types.CommitEvent{SHA: "abc"})
	assert.ErrorIs(t, err, tracker.ErrNotFound)

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.String("cbsync.error_kind", "authentication"))
	assert.Contains(t, ended[1].Attributes(), attribute.String("cbsync.error_kind", "not_found"))

	assert.Equal(t, int64(2), sumOf(t, reader, "cbsync.transport.errors"))
}

func TestInstrumentedTransportStatusUpdates(t *testing.T) {
	tr, spans, reader := newInstrumented(t, &stubTransport{})
	ctx := context.Background()

	require.NoError(t, tr.UpdateRepositoryStatus(ctx, &types.RepositoryRecord{RemoteID: "9"}, types.RepositoryStatus{}))
	_, changed, err := tr.TransitionWorkItem(ctx, "7", "Resolved")
	assert.ErrorIs(t, err, tracker.ErrUnsupported)
	assert.False(t, changed)

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "transport.UpdateRepositoryStatus", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String("cbsync.repository_id", "9"))
	assert.Equal(t, "transport.TransitionWorkItem", ended[1].Name())
	assert.Contains(t, ended[1].Attributes(), attribute.String("cbsync.item_status", "Resolved"))
	assert.Contains(t, ended[1].Attributes(), attribute.String("cbsync.error_kind", "unsupported"))

	assert.Equal(t, int64(2), sumOf(t, reader, "cbsync.transport.operations"))
	assert.Equal(t, int64(1), sumOf(t, reader, "cbsync.transport.errors"))
}

func TestInitDisabledInstallsNoop(t *testing.T) {
	t.Setenv("CBSYNC_OTEL_ENABLED", "false")
	require.NoError(t, Init(context.Background(), "cbsync", "test"))
	Shutdown(context.Background())
}
