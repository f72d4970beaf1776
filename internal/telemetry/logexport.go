package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// severityOffset maps slog levels onto OpenTelemetry severities
// (slog.LevelInfo is log.SeverityInfo).
const severityOffset = slog.Level(log.SeverityDebug) - slog.LevelDebug

func severityOf(l slog.Level) log.Severity {
	return log.Severity(l + severityOffset)
}

// queueLogProcessor hands emitted log records to a drop-oldest Queue that a
// background exporter drains into a log Exporter.
type queueLogProcessor struct {
	queue    *Queue[sdklog.Record]
	worker   *exporter[sdklog.Record]
	exporter sdklog.Exporter
	level    slog.Leveler
}

var _ sdklog.Processor = (*queueLogProcessor)(nil)

func newQueueLogProcessor(le sdklog.Exporter, level slog.Leveler, capacity int, opts exporterOptions) *queueLogProcessor {
	q := NewQueue[sdklog.Record](capacity)
	return &queueLogProcessor{
		queue:    q,
		worker:   startExporter(q, exportFunc[sdklog.Record](le.Export), opts),
		exporter: le,
		level:    level,
	}
}

func (p *queueLogProcessor) enabled(sev log.Severity) bool {
	return sev == log.SeverityUndefined || sev >= severityOf(p.level.Level())
}

func (p *queueLogProcessor) Enabled(_ context.Context, param sdklog.EnabledParameters) bool {
	return p.enabled(param.Severity)
}

// OnEmit queues a copy of r; the SDK reuses the record after the call.
func (p *queueLogProcessor) OnEmit(_ context.Context, r *sdklog.Record) error {
	if r == nil || !p.enabled(r.Severity()) {
		return nil
	}
	p.queue.Push(r.Clone())
	return nil
}

func (p *queueLogProcessor) ForceFlush(ctx context.Context) error {
	return errors.Join(p.worker.Flush(ctx), p.exporter.ForceFlush(ctx))
}

func (p *queueLogProcessor) Shutdown(ctx context.Context) error {
	return errors.Join(p.worker.Close(ctx), p.exporter.Shutdown(ctx))
}

func (p *queueLogProcessor) Dropped() uint64 {
	return p.queue.Dropped()
}

// teeHandler sends every record to each handler that accepts its level.
type teeHandler struct {
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, c := range h.handlers {
		if c.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, c := range h.handlers {
		if c.Enabled(ctx, r.Level) {
			errs = append(errs, c.Handle(ctx, r))
		}
	}
	return errors.Join(errs...)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, c := range h.handlers {
		out[i] = c.WithAttrs(attrs)
	}
	return &teeHandler{handlers: out}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, c := range h.handlers {
		out[i] = c.WithGroup(name)
	}
	return &teeHandler{handlers: out}
}
