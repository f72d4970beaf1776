package telemetry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/neuroprep/neuroprep/internal/telemetry"
	"github.com/neuroprep/neuroprep/internal/telemetry/telemetrytest"
)

func TestInit_FailFastUnreachableCollector(t *testing.T) {
	_, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:        "127.0.0.1:1",
		TracesExporter:  "otlp",
		MetricsExporter: "otlp",
		FailFast:        true,
		ConnectTimeout:  200 * time.Millisecond,
		LogWriter:       io.Discard,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, telemetry.ErrInitialization), "err = %v", err)
}

func TestInit_UnreachableCollectorDoesNotFailByDefault(t *testing.T) {
	tel, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:        "127.0.0.1:1",
		TracesExporter:  "otlp",
		MetricsExporter: "otlp",
		LogWriter:       io.Discard,
	})
	require.NoError(t, err)
	assert.True(t, tel.Exporting())

	ctx, span := tel.StartSpan(context.Background(), "work")
	tel.RecordCounter(ctx, telemetry.MetricPipelineCompleted, 1)
	span.End()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = tel.Shutdown(shutdownCtx)
}

func TestInit_UnknownExporterDegrades(t *testing.T) {
	var logs bytes.Buffer
	tel, err := telemetry.Init(context.Background(), telemetry.Config{
		TracesExporter:  "zipkin",
		MetricsExporter: "none",
		LogWriter:       &logs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	assert.False(t, tel.Exporting())
	assert.Contains(t, logs.String(), "unknown exporter")

	ctx, span := tel.StartSpan(context.Background(), "still-works")
	assert.NotEmpty(t, telemetry.TraceID(ctx))
	span.End()
}

func TestInit_UnknownExporterFailFast(t *testing.T) {
	_, err := telemetry.Init(context.Background(), telemetry.Config{
		TracesExporter:  "none",
		MetricsExporter: "graphite",
		FailFast:        true,
		LogWriter:       io.Discard,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, telemetry.ErrInitialization)
	assert.ErrorIs(t, err, telemetry.ErrUnknownExporter)
}

func TestInit_UnknownLogsExporterFailFast(t *testing.T) {
	_, err := telemetry.Init(context.Background(), telemetry.Config{
		TracesExporter:  "none",
		MetricsExporter: "none",
		LogsExporter:    "syslog",
		FailFast:        true,
		LogWriter:       io.Discard,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, telemetry.ErrUnknownExporter)
}

func TestInit_Disabled(t *testing.T) {
	tel, err := telemetry.Init(context.Background(), telemetry.Config{
		Disabled:  true,
		FailFast:  true,
		Endpoint:  "127.0.0.1:1",
		LogWriter: io.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	assert.False(t, tel.Exporting())
}

func TestLogger_AddsTraceAndSpanIDs(t *testing.T) {
	h := telemetrytest.New(t)
	tel := h.Telemetry

	ctx, span := tel.StartSpan(context.Background(), "outer")
	tel.Logger().InfoContext(ctx, "inside span", "k", "v")
	span.End()
	tel.Logger().Info("outside span")

	logs := h.Logs(t)
	require.Len(t, logs, 2)

	assert.Equal(t, "inside span", logs[0]["msg"])
	assert.Equal(t, span.SpanContext().TraceID().String(), logs[0]["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), logs[0]["span_id"])
	assert.Equal(t, "v", logs[0]["k"])
	assert.Equal(t, "neuroprep-test", logs[0]["service"])

	assert.NotContains(t, logs[1], "trace_id")
}

func TestLogger_ExportsToLogPipeline(t *testing.T) {
	h := telemetrytest.New(t)
	tel := h.Telemetry

	ctx, span := tel.StartSpan(context.Background(), "outer")
	tel.Logger().WarnContext(ctx, "slow stage", "stage", "normalize")
	span.End()
	tel.Logger().Info("outside span")

	records := h.ExportedLogs(t)
	require.Len(t, records, 2)
	assert.Equal(t, "slow stage", records[0].Body().AsString())
	assert.Equal(t, span.SpanContext().TraceID(), records[0].TraceID())
	assert.False(t, records[1].TraceID().IsValid())

	// The local sink still receives every record.
	assert.Len(t, h.Logs(t), 2)
}

func TestStartSpan_ParentsFromContext(t *testing.T) {
	h := telemetrytest.New(t)
	tel := h.Telemetry

	ctx, root := tel.StartSpan(context.Background(), "root")
	childCtx, child := tel.StartSpan(ctx, "child", attribute.String("k", "v"))
	telemetry.RecordError(child, errors.New("boom"))
	child.End()
	telemetry.SetOK(root)
	root.End()

	assert.Equal(t, telemetry.TraceID(ctx), telemetry.TraceID(childCtx))
	assert.NotEqual(t, telemetry.SpanID(ctx), telemetry.SpanID(childCtx))

	c := h.Span(t, "child")
	r := h.Span(t, "root")
	assert.Equal(t, r.SpanContext().SpanID(), c.Parent().SpanID())
	assert.Equal(t, codes.Error, c.Status().Code)
	assert.Equal(t, codes.Ok, r.Status().Code)
	require.Len(t, c.Events(), 1)
	assert.Equal(t, "exception", c.Events()[0].Name)
}

func TestRecordMetrics(t *testing.T) {
	h := telemetrytest.New(t)
	tel := h.Telemetry
	ctx := context.Background()

	tel.RecordCounter(ctx, telemetry.MetricPipelineCompleted, 1, attribute.String("status", "success"))
	tel.RecordCounter(ctx, telemetry.MetricPipelineCompleted, 1, attribute.String("status", "success"))
	tel.RecordCounter(ctx, telemetry.MetricPipelineCompleted, 1, attribute.String("status", "failure"))
	tel.RecordHistogram(ctx, telemetry.MetricStageDuration, 0.25, attribute.String("stage", "load"))
	tel.RecordCounter(ctx, "neuro.custom.events", 3)

	assert.Equal(t, int64(2), h.Counter(t, telemetry.MetricPipelineCompleted, attribute.String("status", "success")))
	assert.Equal(t, int64(3), h.Counter(t, telemetry.MetricPipelineCompleted))
	assert.Equal(t, uint64(1), h.HistogramCount(t, telemetry.MetricStageDuration, attribute.String("stage", "load")))
	assert.Equal(t, int64(3), h.Counter(t, "neuro.custom.events"))
}

func TestTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, telemetry.TraceID(context.Background()))
	assert.Empty(t, telemetry.SpanID(context.Background()))
}

func TestMetricsHandler_Prometheus(t *testing.T) {
	tel, err := telemetry.Init(context.Background(), telemetry.Config{
		TracesExporter:  "none",
		MetricsExporter: "prometheus",
		LogsExporter:    "none",
		LogWriter:       io.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	handler := tel.MetricsHandler()
	require.NotNil(t, handler)

	tel.RecordCounter(context.Background(), telemetry.MetricPipelineCompleted, 1, attribute.String("status", "success"))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "neuro_pipeline_completed")
}
