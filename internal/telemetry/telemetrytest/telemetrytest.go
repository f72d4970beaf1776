// Package telemetrytest builds a Telemetry whose spans, metrics and logs
// are captured in memory for assertions.
package telemetrytest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/neuroprep/neuroprep/internal/telemetry"
)

// Harness exposes what a Telemetry recorded.
type Harness struct {
	Telemetry *telemetry.Telemetry
	Spans     *tracetest.SpanRecorder
	Reader    *sdkmetric.ManualReader

	logs     *syncBuffer
	exported *logRecorder
}

// New returns a harness whose Telemetry is shut down when the test ends.
func New(t testing.TB) *Harness {
	t.Helper()

	rec := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	logs := &syncBuffer{}
	exported := &logRecorder{}

	tel, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:     "neuroprep-test",
		TracesExporter:  "none",
		MetricsExporter: "none",
		LogsExporter:    "none",
		LogWriter:       logs,
		LogLevel:        slog.LevelDebug,
		SpanProcessors:  []sdktrace.SpanProcessor{rec},
		MetricReaders:   []sdkmetric.Reader{reader},
		LogProcessors:   []sdklog.Processor{exported},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	return &Harness{Telemetry: tel, Spans: rec, Reader: reader, logs: logs, exported: exported}
}

// Ended returns the ended spans with the given name, or all ended spans
// when name is empty.
func (h *Harness) Ended(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range h.Spans.Ended() {
		if name == "" || s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// Span returns the single ended span with the given name.
func (h *Harness) Span(t testing.TB, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	spans := h.Ended(name)
	require.Len(t, spans, 1, "spans named %q", name)
	return spans[0]
}

// Logs flushes the async logger and returns every record as a map.
func (h *Harness) Logs(t testing.TB) []map[string]any {
	t.Helper()
	require.NoError(t, h.Telemetry.ForceFlush(context.Background()))

	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(h.logs.Bytes()))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec), "log line %q", sc.Text())
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

// LogsAt returns the records logged at level ("INFO", "ERROR", ...).
func (h *Harness) LogsAt(t testing.TB, level string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, rec := range h.Logs(t) {
		if rec["level"] == level {
			out = append(out, rec)
		}
	}
	return out
}

// ExportedLogs returns the records handed to the OpenTelemetry log
// pipeline, in emission order.
func (h *Harness) ExportedLogs(t testing.TB) []sdklog.Record {
	t.Helper()
	require.NoError(t, h.Telemetry.ForceFlush(context.Background()))
	return h.exported.Records()
}

func (h *Harness) collect(t testing.TB) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.Reader.Collect(context.Background(), &rm))
	return rm
}

func (h *Harness) find(t testing.TB, name string) (metricdata.Metrics, bool) {
	t.Helper()
	rm := h.collect(t)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

// Counter sums the data points of an int64 counter whose attributes include attrs.
func (h *Harness) Counter(t testing.TB, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	m, ok := h.find(t, name)
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is %T, not an int64 sum", name, m.Data)

	var total int64
	for _, dp := range sum.DataPoints {
		if matches(dp.Attributes, attrs) {
			total += dp.Value
		}
	}
	return total
}

// HistogramCount returns how many observations a float64 histogram recorded
// on data points whose attributes include attrs.
func (h *Harness) HistogramCount(t testing.TB, name string, attrs ...attribute.KeyValue) uint64 {
	t.Helper()
	m, ok := h.find(t, name)
	if !ok {
		return 0
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "%s is %T, not a float64 histogram", name, m.Data)

	var total uint64
	for _, dp := range hist.DataPoints {
		if matches(dp.Attributes, attrs) {
			total += dp.Count
		}
	}
	return total
}

func matches(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

type logRecorder struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (r *logRecorder) Enabled(context.Context, sdklog.EnabledParameters) bool { return true }

func (r *logRecorder) OnEmit(_ context.Context, rec *sdklog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec.Clone())
	return nil
}

func (r *logRecorder) Records() []sdklog.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sdklog.Record(nil), r.records...)
}

func (r *logRecorder) ForceFlush(context.Context) error { return nil }
func (r *logRecorder) Shutdown(context.Context) error   { return nil }
