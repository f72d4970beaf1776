package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names recorded by the pipeline.
const (
	MetricPipelineCompleted = "neuro.pipeline.completed"
	MetricPipelineFailures  = "neuro.pipeline.failures"
	MetricPipelineDuration  = "neuro.pipeline.duration"
	MetricStageDuration     = "neuro.stage.duration"
	MetricStepDuration      = "neuro.process.step.duration"
	MetricLoadFileSize      = "neuro.load.file_size"
	MetricWriteArtifacts    = "neuro.write.artifacts"
	MetricVoxelsProcessed   = "neuro.voxels.processed"
	MetricCompressionRatio  = "neuro.compression.ratio"
	MetricTelemetryDropped  = "neuro.telemetry.dropped"
)

type instrumentKind int

const (
	counterKind instrumentKind = iota
	histogramKind
)

type instrumentSpec struct {
	name    string
	kind    instrumentKind
	desc    string
	unit    string
	buckets []float64
}

var durationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

var instrumentSpecs = []instrumentSpec{
	{name: MetricPipelineCompleted, kind: counterKind, desc: "Pipeline runs finished, by final status", unit: "{run}"},
	{name: MetricPipelineFailures, kind: counterKind, desc: "Failed pipeline runs, by failing stage and error type", unit: "{run}"},
	{name: MetricWriteArtifacts, kind: counterKind, desc: "Output artifacts written", unit: "{artifact}"},
	{name: MetricVoxelsProcessed, kind: counterKind, desc: "Voxels passed through the process stage", unit: "{voxel}"},
	{name: MetricPipelineDuration, kind: histogramKind, desc: "End-to-end pipeline duration", unit: "s", buckets: durationBuckets},
	{name: MetricStageDuration, kind: histogramKind, desc: "Duration of each pipeline stage", unit: "s", buckets: durationBuckets},
	{name: MetricStepDuration, kind: histogramKind, desc: "Duration of each processing step", unit: "s", buckets: durationBuckets},
	{
		name: MetricLoadFileSize, kind: histogramKind, desc: "Size of loaded input files", unit: "By",
		buckets: []float64{1 << 20, 5 << 20, 10 << 20, 25 << 20, 50 << 20, 100 << 20, 250 << 20, 500 << 20},
	},
	{
		name: MetricCompressionRatio, kind: histogramKind, desc: "Raw to written size ratio of output artifacts", unit: "1",
		buckets: []float64{1, 1.5, 2, 3, 4, 6, 8, 12},
	},
}

// instruments caches synchronous instruments by name. Names missing from
// instrumentSpecs are created on first use without description or unit.
type instruments struct {
	meter metric.Meter

	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	onError    func(error)
}

func newInstruments(meter metric.Meter, onError func(error)) (*instruments, error) {
	in := &instruments{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		onError:    onError,
	}

	for _, spec := range instrumentSpecs {
		switch spec.kind {
		case counterKind:
			c, err := meter.Int64Counter(spec.name,
				metric.WithDescription(spec.desc),
				metric.WithUnit(spec.unit),
			)
			if err != nil {
				return nil, fmt.Errorf("create %s: %w", spec.name, err)
			}
			in.counters[spec.name] = c
		case histogramKind:
			h, err := meter.Float64Histogram(spec.name,
				metric.WithDescription(spec.desc),
				metric.WithUnit(spec.unit),
				metric.WithExplicitBucketBoundaries(spec.buckets...),
			)
			if err != nil {
				return nil, fmt.Errorf("create %s: %w", spec.name, err)
			}
			in.histograms[spec.name] = h
		}
	}
	return in, nil
}

func (in *instruments) counter(name string) metric.Int64Counter {
	in.mu.RLock()
	c, ok := in.counters[name]
	in.mu.RUnlock()
	if ok {
		return c
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if c, ok := in.counters[name]; ok {
		return c
	}
	c, err := in.meter.Int64Counter(name)
	if err != nil {
		in.onError(fmt.Errorf("create %s: %w", name, err))
		return noop.Int64Counter{}
	}
	in.counters[name] = c
	return c
}

func (in *instruments) histogram(name string) metric.Float64Histogram {
	in.mu.RLock()
	h, ok := in.histograms[name]
	in.mu.RUnlock()
	if ok {
		return h
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if h, ok := in.histograms[name]; ok {
		return h
	}
	h, err := in.meter.Float64Histogram(name)
	if err != nil {
		in.onError(fmt.Errorf("create %s: %w", name, err))
		return noop.Float64Histogram{}
	}
	in.histograms[name] = h
	return h
}

// RecordCounter adds value to the named counter.
func (t *Telemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	t.instruments.counter(name).Add(ctx, value, metric.WithAttributes(attrs...))
}

// RecordHistogram records one observation on the named histogram.
func (t *Telemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	t.instruments.histogram(name).Record(ctx, value, metric.WithAttributes(attrs...))
}

// registerDropCounter exposes queue drops as an observable counter.
func (t *Telemetry) registerDropCounter() error {
	_, err := t.meter.Int64ObservableCounter(MetricTelemetryDropped,
		metric.WithDescription("Telemetry items discarded because an export queue was full"),
		metric.WithUnit("{item}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if t.spans != nil {
				o.Observe(int64(t.spans.Dropped()), metric.WithAttributes(attribute.String("signal", "traces")))
			}
			logs := t.logQueue.Dropped()
			if t.logs != nil {
				logs += t.logs.Dropped()
			}
			o.Observe(int64(logs), metric.WithAttributes(attribute.String("signal", "logs")))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", MetricTelemetryDropped, err)
	}
	return nil
}
