package telemetry

import (
	"context"
	"errors"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// queueSpanProcessor hands ended spans to a drop-oldest Queue that a
// background exporter drains into a SpanExporter.
type queueSpanProcessor struct {
	queue    *Queue[sdktrace.ReadOnlySpan]
	worker   *exporter[sdktrace.ReadOnlySpan]
	exporter sdktrace.SpanExporter
}

var _ sdktrace.SpanProcessor = (*queueSpanProcessor)(nil)

func newQueueSpanProcessor(se sdktrace.SpanExporter, capacity int, opts exporterOptions) *queueSpanProcessor {
	q := NewQueue[sdktrace.ReadOnlySpan](capacity)
	return &queueSpanProcessor{
		queue:    q,
		worker:   startExporter(q, exportFunc[sdktrace.ReadOnlySpan](se.ExportSpans), opts),
		exporter: se,
	}
}

func (p *queueSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *queueSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if !s.SpanContext().IsSampled() {
		return
	}
	p.queue.Push(s)
}

func (p *queueSpanProcessor) ForceFlush(ctx context.Context) error {
	return p.worker.Flush(ctx)
}

func (p *queueSpanProcessor) Shutdown(ctx context.Context) error {
	return errors.Join(p.worker.Close(ctx), p.exporter.Shutdown(ctx))
}

func (p *queueSpanProcessor) Dropped() uint64 {
	return p.queue.Dropped()
}
