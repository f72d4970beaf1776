package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSinkHandler returns the handler that finally writes log records.
func NewSinkHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// correlationHandler stamps records emitted inside a span with its ids.
type correlationHandler struct {
	inner slog.Handler
}

func (h *correlationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *correlationHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r = r.Clone()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.inner.Handle(ctx, r)
}

func (h *correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &correlationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *correlationHandler) WithGroup(name string) slog.Handler {
	return &correlationHandler{inner: h.inner.WithGroup(name)}
}

type logEntry struct {
	handler slog.Handler
	record  slog.Record
}

// asyncHandler queues records and lets a background worker write them, so a
// slow sink never stalls the caller.
type asyncHandler struct {
	inner slog.Handler
	queue *Queue[logEntry]
}

func (h *asyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *asyncHandler) Handle(_ context.Context, r slog.Record) error {
	h.queue.Push(logEntry{handler: h.inner, record: r.Clone()})
	return nil
}

func (h *asyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &asyncHandler{inner: h.inner.WithAttrs(attrs), queue: h.queue}
}

func (h *asyncHandler) WithGroup(name string) slog.Handler {
	return &asyncHandler{inner: h.inner.WithGroup(name), queue: h.queue}
}

func writeLogEntries(ctx context.Context, batch []logEntry) error {
	var errs []error
	for _, e := range batch {
		if err := e.handler.Handle(ctx, e.record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newLogPipeline builds correlation -> async queue -> sink and returns the
// handler together with the queue worker that owns the sink.
func newLogPipeline(sink slog.Handler, capacity int, opts exporterOptions) (slog.Handler, *Queue[logEntry], *exporter[logEntry]) {
	q := NewQueue[logEntry](capacity)
	worker := startExporter(q, writeLogEntries, opts)
	return &correlationHandler{inner: &asyncHandler{inner: sink, queue: q}}, q, worker
}
