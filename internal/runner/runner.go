package runner

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/neuroprep/neuroprep/internal/config"
	"github.com/neuroprep/neuroprep/internal/stages"
	"github.com/neuroprep/neuroprep/internal/telemetry"
	"github.com/neuroprep/neuroprep/internal/volume"
)

// SpanRun is the root span of every run.
const SpanRun = "preprocess_file"

// Runner orchestrates the load → process → write pipeline.
type Runner struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	loader *stages.Loader
	proc   *stages.Processor
	writer *stages.Writer
	steps  stages.Steps
}

// New creates a Runner with the given config and telemetry.
func New(cfg *config.Config, tel *telemetry.Telemetry) *Runner {
	sim := stages.Simulation{
		LatencyScale: cfg.Simulate.LatencyScale,
		FailureRate:  cfg.Simulate.FailureRate,
		Seed:         cfg.Simulate.Seed,
	}
	format, err := volume.ParseFormat(cfg.Options.OutputFormat)
	if err != nil {
		format = volume.FormatNIfTI
	}

	return &Runner{
		cfg:    cfg,
		tel:    tel,
		loader: stages.NewLoader(tel, stages.LoadOptions{Validate: cfg.Stages.Validate, Simulation: sim}),
		proc:   stages.NewProcessor(tel, sim),
		writer: stages.NewWriter(tel, stages.WriteOptions{
			Format:     format,
			Compress:   cfg.Output.Compress,
			Metadata:   cfg.Output.Metadata,
			Report:     cfg.Output.Report,
			Simulation: sim,
		}),
		steps: stages.Steps{
			SkullStrip:     cfg.Stages.SkullStrip,
			BiasCorrection: cfg.Stages.BiasCorrection,
			Normalization:  cfg.Stages.Normalization,
		},
	}
}

// Run executes a single input through the full pipeline. An empty
// outputName derives one from the input. Stage failures are reported in
// the Result, never returned.
func (r *Runner) Run(ctx context.Context, input, outputName string) Result {
	return r.run(ctx, input, outputName, "")
}

func (r *Runner) run(ctx context.Context, input, outputName, batchID string) (res Result) {
	start := time.Now()
	if outputName == "" {
		outputName = stages.DefaultOutputName(input)
	}

	attrs := []attribute.KeyValue{
		attribute.String("file.name", filepath.Base(input)),
		attribute.String("file.path", input),
	}
	if batchID != "" {
		attrs = append(attrs, attribute.String("batch.id", batchID))
	}
	ctx, span := r.tel.StartSpan(ctx, SpanRun, attrs...)
	defer span.End()

	res = Result{
		Input:      input,
		OutputName: outputName,
		RunID:      telemetry.TraceID(ctx),
		State:      StateCreated,
		StartedAt:  start,
	}
	log := r.tel.Logger().With("input", input)
	if batchID != "" {
		log = log.With("batch_id", batchID)
	}
	log.InfoContext(ctx, "pipeline started", "output_name", outputName)
	defer func() { r.finish(ctx, span, log, &res, start) }()

	// Stage 1: Load.
	res.State = StateLoading
	t0 := time.Now()
	loaded, err := r.loader.Load(ctx, input)
	if res.record(stages.StageResult{Stage: stages.StageLoad, Load: loaded}, t0, err) {
		return res
	}

	// Stage 2: Process.
	res.State = StateProcessing
	t0 = time.Now()
	processed, err := r.proc.Process(ctx, loaded.Volume, r.steps)
	if res.record(stages.StageResult{Stage: stages.StageProcess, Process: processed}, t0, err) {
		return res
	}

	// Stage 3: Write.
	res.State = StateWriting
	t0 = time.Now()
	target := stages.Target{Dir: r.cfg.Options.OutputDir, Name: outputName}
	written, err := r.writer.Write(ctx, processed.Volume, target, stages.BuildMetadata(loaded, processed))
	if res.record(stages.StageResult{Stage: stages.StageWrite, Write: written}, t0, err) {
		return res
	}

	res.Output = written
	res.State = StateCompleted
	return res
}

// finish records the run's outcome on the root span, in the pipeline
// metrics and in the log.
func (r *Runner) finish(ctx context.Context, span trace.Span, log *slog.Logger, res *Result, start time.Time) {
	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(start)
	status := res.Status()
	statusAttr := attribute.String("status", status)

	span.SetAttributes(
		attribute.Float64("pipeline.duration", res.Duration.Seconds()),
		attribute.String("pipeline.status", status),
	)
	r.tel.RecordCounter(ctx, telemetry.MetricPipelineCompleted, 1, statusAttr)
	r.tel.RecordHistogram(ctx, telemetry.MetricPipelineDuration, res.Duration.Seconds(), statusAttr)

	if res.Err != nil {
		r.tel.RecordCounter(ctx, telemetry.MetricPipelineFailures, 1,
			attribute.String("stage", res.ErrStage),
			attribute.String("error_type", string(res.ErrKind)),
		)
		telemetry.RecordError(span, res.Err,
			attribute.String("error.type", string(res.ErrKind)),
			attribute.String("pipeline.failed_stage", res.ErrStage),
		)
		// The failing stage already logged the error itself.
		log.WarnContext(ctx, "pipeline failed",
			"stage", res.ErrStage,
			"error_type", string(res.ErrKind),
			"duration", res.Duration,
		)
		return
	}

	telemetry.SetOK(span)
	log.InfoContext(ctx, "pipeline completed",
		"output", res.Output.OutputPath,
		"files", len(res.Output.Files),
		"duration", res.Duration,
	)
}
