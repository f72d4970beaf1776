package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type memLogExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memLogExporter) Shutdown(context.Context) error   { return nil }
func (e *memLogExporter) ForceFlush(context.Context) error { return nil }

func (e *memLogExporter) bodies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.records))
	for i, r := range e.records {
		out[i] = r.Body().AsString()
	}
	return out
}

func TestSeverityOf(t *testing.T) {
	assert.Equal(t, log.SeverityDebug, severityOf(slog.LevelDebug))
	assert.Equal(t, log.SeverityInfo, severityOf(slog.LevelInfo))
	assert.Equal(t, log.SeverityWarn, severityOf(slog.LevelWarn))
	assert.Equal(t, log.SeverityError, severityOf(slog.LevelError))
}

func TestQueueLogProcessor_ExportsRecordsWithTraceContext(t *testing.T) {
	exp := &memLogExporter{}
	proc := newQueueLogProcessor(exp, slog.LevelInfo, 16, exporterOptions{BatchSize: 100, Interval: time.Hour})
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(proc))
	t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "run")

	logger := slog.New(otelslog.NewHandler("test", otelslog.WithLoggerProvider(lp)))
	logger.InfoContext(ctx, "stage completed", "stage", "load")
	logger.DebugContext(ctx, "below threshold")
	span.End()

	require.NoError(t, lp.ForceFlush(context.Background()))

	exp.mu.Lock()
	defer exp.mu.Unlock()
	require.Len(t, exp.records, 1)
	rec := exp.records[0]
	assert.Equal(t, "stage completed", rec.Body().AsString())
	assert.Equal(t, log.SeverityInfo, rec.Severity())
	assert.Equal(t, span.SpanContext().TraceID(), rec.TraceID())
	assert.Equal(t, span.SpanContext().SpanID(), rec.SpanID())
}

func TestQueueLogProcessor_DropsOldestWhenFull(t *testing.T) {
	exp := &memLogExporter{}
	proc := newQueueLogProcessor(exp, slog.LevelDebug, 2, exporterOptions{BatchSize: 100, Interval: time.Hour})
	t.Cleanup(func() { _ = proc.Shutdown(context.Background()) })

	for _, body := range []string{"a", "b", "c"} {
		var r sdklog.Record
		r.SetBody(log.StringValue(body))
		r.SetSeverity(log.SeverityInfo)
		require.NoError(t, proc.OnEmit(context.Background(), &r))
	}

	require.NoError(t, proc.ForceFlush(context.Background()))
	assert.Equal(t, uint64(1), proc.Dropped())
	assert.Equal(t, []string{"b", "c"}, exp.bodies())
}

func TestTeeHandler_FansOutByLevel(t *testing.T) {
	var info, debug bytes.Buffer
	h := &teeHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}}
	logger := slog.New(h).With("run_id", "r1").WithGroup("stage")

	logger.Debug("detail", "name", "load")
	logger.Info("done", "name", "load")

	assert.NotContains(t, info.String(), "detail")
	assert.Contains(t, info.String(), "done")
	assert.Contains(t, debug.String(), "detail")
	assert.Contains(t, debug.String(), "run_id=r1")
	assert.Contains(t, debug.String(), "stage.name=load")
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug-1))
}
