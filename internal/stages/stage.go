// Package stages implements the load, process and write stages of the
// preprocessing pipeline. Every stage opens its own span under the span
// carried by the caller's context.
package stages

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/neuroprep/neuroprep/internal/telemetry"
)

// Stage names.
const (
	StageLoad    = "load"
	StageProcess = "process"
	StageWrite   = "write"
)

// Span names.
const (
	SpanLoad     = "load_file"
	SpanValidate = "validate_data"
	SpanProcess  = "process_image"
	SpanWrite    = "write_output"
)

// Status of a finished stage.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// StageResult is what the runner keeps of each stage it ran.
type StageResult struct {
	Stage    string
	Status   Status
	Duration time.Duration
	Err      error

	Load    *LoadResult
	Process *ProcessResult
	Write   *WriteResult
}

// Simulation scales the artificial work the stages perform.
type Simulation struct {
	// LatencyScale multiplies every simulated delay; 0 disables them.
	LatencyScale float64
	// FailureRate is the probability that validation fails on purpose.
	FailureRate float64
	Seed        uint64
}

func (s Simulation) delay(ctx context.Context, seconds float64) error {
	d := time.Duration(seconds * s.LatencyScale * float64(time.Second))
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// finish closes out a stage span: it records the stage duration, marks the
// span and logs the outcome.
func finish(ctx context.Context, tel *telemetry.Telemetry, span trace.Span, log *slog.Logger, stage string, start time.Time, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	tel.RecordHistogram(ctx, telemetry.MetricStageDuration, time.Since(start).Seconds(),
		attribute.String("stage", stage),
		attribute.String("status", string(status)),
	)

	if err != nil {
		kind := KindOf(err)
		telemetry.RecordError(span, err, attribute.String("error.type", string(kind)))
		log.ErrorContext(ctx, stage+" failed", "error", err, "error_type", string(kind))
		return
	}
	telemetry.SetOK(span)
}
