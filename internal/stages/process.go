package stages

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/neuroprep/neuroprep/internal/telemetry"
	"github.com/neuroprep/neuroprep/internal/volume"
)

// Processing step names, in the order they always run.
const (
	StepSkullStrip     = "skull_strip"
	StepBiasCorrection = "bias_correction"
	StepNormalization  = "normalization"
)

// Steps selects which processing steps run.
type Steps struct {
	SkullStrip     bool
	BiasCorrection bool
	Normalization  bool
}

// AllSteps enables every step.
func AllSteps() Steps {
	return Steps{SkullStrip: true, BiasCorrection: true, Normalization: true}
}

// Enabled lists the enabled step names in execution order.
func (s Steps) Enabled() []string {
	var names []string
	for _, st := range processingSteps {
		if st.enabled(s) {
			names = append(names, st.name)
		}
	}
	return names
}

// StepResult records one executed step.
type StepResult struct {
	Name     string
	Method   string
	Duration time.Duration
	Stats    map[string]any
}

// ProcessResult is the transformed volume plus per-step timings.
type ProcessResult struct {
	Volume *volume.Volume
	Steps  []StepResult
	Total  time.Duration
}

type step struct {
	name    string
	method  string
	enabled func(Steps) bool
	// latency is the simulated work in seconds for a volume of n voxels.
	latency func(n int) float64
	apply   func(v *volume.Volume) map[string]any
}

var processingSteps = []step{
	{
		name:    StepSkullStrip,
		method:  "simulated_BET",
		enabled: func(s Steps) bool { return s.SkullStrip },
		latency: func(n int) float64 { return math.Min(0.5+float64(n)/10_000_000, 3.0) },
		apply:   skullStrip,
	},
	{
		name:    StepBiasCorrection,
		method:  "simulated_N4",
		enabled: func(s Steps) bool { return s.BiasCorrection },
		latency: func(n int) float64 { return math.Min(0.3+float64(n)/15_000_000, 2.0) },
		apply:   biasCorrect,
	},
	{
		name:    StepNormalization,
		method:  "z-score + rescale",
		enabled: func(s Steps) bool { return s.Normalization },
		latency: func(int) float64 { return 0.1 },
		apply:   normalize,
	},
}

// Processor runs the processing steps.
type Processor struct {
	tel *telemetry.Telemetry
	sim Simulation
}

// NewProcessor returns a Processor reporting to tel.
func NewProcessor(tel *telemetry.Telemetry, sim Simulation) *Processor {
	return &Processor{tel: tel, sim: sim}
}

// Process applies the enabled steps to v in fixed order and stops at the
// first failing step. v itself is never modified; with no steps enabled the
// result holds v unchanged.
func (p *Processor) Process(ctx context.Context, v *volume.Volume, steps Steps) (res *ProcessResult, err error) {
	start := time.Now()
	enabled := steps.Enabled()
	ctx, span := p.tel.StartSpan(ctx, SpanProcess,
		attribute.Int("processing.steps", len(enabled)),
		attribute.StringSlice("processing.step_names", enabled),
	)
	defer span.End()

	log := p.tel.Logger().With("stage", StageProcess)
	log.InfoContext(ctx, "processing volume", "steps", enabled, "shape", v.Shape.String())
	defer func() { finish(ctx, p.tel, span, log, StageProcess, start, err) }()

	res = &ProcessResult{Volume: v}
	if len(enabled) > 0 {
		res.Volume = v.Clone()
	}

	for _, st := range processingSteps {
		if !st.enabled(steps) {
			continue
		}
		sr, err := p.runStep(ctx, st, res.Volume)
		if err != nil {
			return nil, err
		}
		res.Steps = append(res.Steps, sr)
	}

	res.Total = time.Since(start)
	span.SetAttributes(attribute.Float64("processing.total_time", res.Total.Seconds()))
	p.tel.RecordCounter(ctx, telemetry.MetricVoxelsProcessed, int64(len(res.Volume.Data)))
	log.InfoContext(ctx, "volume processed", "steps", len(res.Steps), "duration", res.Total)
	return res, nil
}

func (p *Processor) runStep(ctx context.Context, st step, v *volume.Volume) (sr StepResult, err error) {
	start := time.Now()
	ctx, span := p.tel.StartSpan(ctx, st.name, attribute.String("step.method", st.method))
	defer span.End()
	defer func() {
		p.tel.RecordHistogram(ctx, telemetry.MetricStepDuration, time.Since(start).Seconds(), attribute.String("step", st.name))
		if err != nil {
			telemetry.RecordError(span, err)
			return
		}
		telemetry.SetOK(span)
	}()

	if err := p.sim.delay(ctx, st.latency(len(v.Data))); err != nil {
		return sr, newError(StageProcess, KindStage, fmt.Errorf("%s: %w", st.name, err))
	}

	stats := st.apply(v)
	if err := v.Validate(); err != nil {
		return sr, newError(StageProcess, KindStage, fmt.Errorf("%s: %w", st.name, err))
	}

	elapsed := time.Since(start)
	stats["method"] = st.method
	stats["processing_time"] = elapsed.Seconds()
	p.tel.Logger().DebugContext(ctx, "step completed", "step", st.name, "duration", elapsed)
	return StepResult{Name: st.name, Method: st.method, Duration: elapsed, Stats: stats}, nil
}

// skullStrip zeroes every voxel outside a centred ellipsoid with radii of
// shape/2.5.
func skullStrip(v *volume.Volume) map[string]any {
	var center, radius [3]float64
	for i, n := range v.Shape {
		center[i] = float64(n / 2)
		radius[i] = math.Max(1, math.Floor(float64(n)/2.5))
	}

	removed := 0
	for z := range v.Shape[2] {
		dz := (float64(z) - center[2]) / radius[2]
		for y := range v.Shape[1] {
			dy := (float64(y) - center[1]) / radius[1]
			row := v.Index(0, y, z)
			for x := range v.Shape[0] {
				dx := (float64(x) - center[0]) / radius[0]
				if dx*dx+dy*dy+dz*dz > 1 {
					v.Data[row+x] = 0
					removed++
				}
			}
		}
	}

	total := len(v.Data)
	return map[string]any{
		"voxels_removed":     removed,
		"voxels_retained":    total - removed,
		"removal_percentage": float64(removed) / float64(total) * 100,
	}
}

// biasCorrect divides out a smooth multiplicative field
// 1 + 0.2 sin(pi x) + 0.15 cos(pi y) over coordinates scaled to [0, 1].
func biasCorrect(v *volume.Volume) map[string]any {
	coord := func(i, n int) float64 {
		if n <= 1 {
			return 0
		}
		return float64(i) / float64(n-1)
	}

	fx := make([]float64, v.Shape[0])
	for x := range fx {
		fx[x] = 0.2 * math.Sin(math.Pi*coord(x, v.Shape[0]))
	}
	fy := make([]float64, v.Shape[1])
	for y := range fy {
		fy[y] = 0.15 * math.Cos(math.Pi*coord(y, v.Shape[1]))
	}

	var sum float64
	maxField := math.Inf(-1)
	for z := range v.Shape[2] {
		for y := range v.Shape[1] {
			row := v.Index(0, y, z)
			for x := range v.Shape[0] {
				field := 1 + fx[x] + fy[y]
				sum += field
				maxField = math.Max(maxField, field)
				v.Data[row+x] = float32(float64(v.Data[row+x]) / (field + 1e-10))
			}
		}
	}

	return map[string]any{
		"mean_bias_field": sum / float64(len(v.Data)),
		"max_bias_field":  maxField,
	}
}

// normalize applies a z-score and rescales the result to [0, 100].
func normalize(v *volume.Volume) map[string]any {
	orig := v.Stats()

	lo, hi := math.Inf(1), math.Inf(-1)
	z := make([]float64, len(v.Data))
	for i, x := range v.Data {
		z[i] = (float64(x) - orig.Mean) / (orig.Std + 1e-10)
		lo = math.Min(lo, z[i])
		hi = math.Max(hi, z[i])
	}
	span := hi - lo + 1e-10
	for i := range v.Data {
		v.Data[i] = float32((z[i] - lo) * 100 / span)
	}

	norm := v.Stats()
	return map[string]any{
		"original_mean":    orig.Mean,
		"original_std":     orig.Std,
		"original_range":   []float64{orig.Min, orig.Max},
		"normalized_mean":  norm.Mean,
		"normalized_std":   norm.Std,
		"normalized_range": []float64{norm.Min, norm.Max},
	}
}
