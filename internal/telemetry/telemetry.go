// Package telemetry owns the process-wide tracer, meter and correlated
// logger. A *Telemetry is built once by Init and passed explicitly to the
// pipeline; export is asynchronous and export failures never reach callers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

const instrumentationName = "github.com/neuroprep/neuroprep"

// Config controls how telemetry is exported.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the collector's OTLP/gRPC address (host:port).
	Endpoint string
	Insecure bool

	// TracesExporter is one of otlp, stdout or none.
	TracesExporter string
	// MetricsExporter is one of otlp, prometheus, stdout or none.
	MetricsExporter string
	// LogsExporter is one of otlp, stdout or none. Log records are always
	// written to LogWriter as well.
	LogsExporter string

	// Disabled skips every exporter. Spans still get valid ids.
	Disabled bool
	// FailFast makes Init return ErrInitialization when the collector is
	// not reachable within ConnectTimeout.
	FailFast       bool
	ConnectTimeout time.Duration
	ExportInterval time.Duration
	SampleRatio    float64

	// QueueSize bounds the span and log queues; BatchSize is the export batch.
	QueueSize int
	BatchSize int

	LogWriter io.Writer
	LogFormat string
	LogLevel  slog.Leveler

	// SpanProcessors, MetricReaders and LogProcessors are attached next to
	// the configured exporters.
	SpanProcessors []sdktrace.SpanProcessor
	MetricReaders  []sdkmetric.Reader
	LogProcessors  []sdklog.Processor
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ServiceName:     "neuroprep",
		ServiceVersion:  "0.1.0",
		Environment:     "development",
		Endpoint:        "localhost:4317",
		Insecure:        true,
		TracesExporter:  "otlp",
		MetricsExporter: "otlp",
		LogsExporter:    "otlp",
		ConnectTimeout:  5 * time.Second,
		ExportInterval:  10 * time.Second,
		SampleRatio:     1,
		QueueSize:       2048,
		BatchSize:       512,
		LogWriter:       os.Stderr,
		LogFormat:       "json",
		LogLevel:        slog.LevelInfo,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ServiceName == "" {
		c.ServiceName = d.ServiceName
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = d.ServiceVersion
	}
	if c.Environment == "" {
		c.Environment = d.Environment
	}
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.TracesExporter == "" {
		c.TracesExporter = d.TracesExporter
	}
	if c.MetricsExporter == "" {
		c.MetricsExporter = d.MetricsExporter
	}
	if c.LogsExporter == "" {
		c.LogsExporter = d.LogsExporter
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ExportInterval <= 0 {
		c.ExportInterval = d.ExportInterval
	}
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		c.SampleRatio = d.SampleRatio
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.LogWriter == nil {
		c.LogWriter = d.LogWriter
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.LogLevel == nil {
		c.LogLevel = d.LogLevel
	}
	return c
}

func (c Config) usesOTLP() bool {
	return c.TracesExporter == "otlp" || c.MetricsExporter == "otlp" || c.LogsExporter == "otlp"
}

// Telemetry holds the tracer, meter and logger shared by every pipeline run.
type Telemetry struct {
	cfg Config

	tracer      trace.Tracer
	meter       metric.Meter
	logger      *slog.Logger
	fallback    *slog.Logger
	instruments *instruments

	tp        *sdktrace.TracerProvider
	mp        *sdkmetric.MeterProvider
	lp        *sdklog.LoggerProvider
	conn      *grpc.ClientConn
	spans     *queueSpanProcessor
	logs      *queueLogProcessor
	logQueue  *Queue[logEntry]
	logWorker *exporter[logEntry]

	exporting      bool
	metricsHandler http.Handler

	shutdownOnce sync.Once
	shutdownErr  error
}

// Init builds the providers and logger described by cfg and installs them
// as the OpenTelemetry globals.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	cfg = cfg.withDefaults()

	sink := NewSinkHandler(cfg.LogWriter, cfg.LogFormat, cfg.LogLevel)
	t := &Telemetry{
		cfg:      cfg,
		fallback: slog.New(sink).With("component", "telemetry"),
	}
	opts := exporterOptions{
		BatchSize: cfg.BatchSize,
		Interval:  time.Second,
		OnError:   t.handleError,
	}

	local, q, worker := newLogPipeline(sink, cfg.QueueSize, opts)
	t.logger = slog.New(local).With("service", cfg.ServiceName)
	t.logQueue = q
	t.logWorker = worker

	otel.SetErrorHandler(otel.ErrorHandlerFunc(t.handleError))

	if !cfg.Disabled && cfg.FailFast && cfg.usesOTLP() {
		conn, err := connectCollector(ctx, cfg.Endpoint, cfg.Insecure, cfg.ConnectTimeout)
		if err != nil {
			_ = t.logWorker.Close(ctx)
			return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		t.conn = conn
	}

	var (
		spanExporter sdktrace.SpanExporter
		reader       sdkmetric.Reader
		logExporter  sdklog.Exporter
	)
	if !cfg.Disabled {
		var err error
		spanExporter, reader, logExporter, err = t.buildExporters(ctx)
		if err != nil {
			if cfg.FailFast {
				t.closeConn()
				_ = t.logWorker.Close(ctx)
				return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
			}
			t.fallback.Warn("telemetry exporters unavailable, continuing without export", "error", err)
		}
	}
	t.exporting = spanExporter != nil || reader != nil || logExporter != nil

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	if spanExporter != nil {
		t.spans = newQueueSpanProcessor(spanExporter, cfg.QueueSize, opts)
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(t.spans))
	}
	for _, sp := range cfg.SpanProcessors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}
	t.tp = sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(reader))
	}
	for _, r := range cfg.MetricReaders {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	t.mp = sdkmetric.NewMeterProvider(mpOpts...)

	lpOpts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	if logExporter != nil {
		t.logs = newQueueLogProcessor(logExporter, cfg.LogLevel, cfg.QueueSize, opts)
		lpOpts = append(lpOpts, sdklog.WithProcessor(t.logs))
	}
	for _, p := range cfg.LogProcessors {
		lpOpts = append(lpOpts, sdklog.WithProcessor(p))
	}
	t.lp = sdklog.NewLoggerProvider(lpOpts...)
	if t.logs != nil || len(cfg.LogProcessors) > 0 {
		// The bridge runs on the caller's goroutine so the SDK can read the
		// span context; the local sink keeps its own queue.
		bridge := otelslog.NewHandler(instrumentationName,
			otelslog.WithLoggerProvider(t.lp),
			otelslog.WithVersion(cfg.ServiceVersion),
		)
		t.logger = slog.New(&teeHandler{handlers: []slog.Handler{local, bridge}}).With("service", cfg.ServiceName)
	}

	otel.SetTracerProvider(t.tp)
	otel.SetMeterProvider(t.mp)
	global.SetLoggerProvider(t.lp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.tracer = t.tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	t.meter = t.mp.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))

	in, err := newInstruments(t.meter, t.handleError)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	t.instruments = in
	if err := t.registerDropCounter(); err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	return t, nil
}

func (t *Telemetry) buildExporters(ctx context.Context) (sdktrace.SpanExporter, sdkmetric.Reader, sdklog.Exporter, error) {
	se, err := t.newSpanExporter(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init tracer: %w", err)
	}
	reader, err := t.newMetricReader(ctx)
	if err != nil {
		if se != nil {
			_ = se.Shutdown(ctx)
		}
		return nil, nil, nil, fmt.Errorf("init meter: %w", err)
	}
	le, err := t.newLogExporter(ctx)
	if err != nil {
		if se != nil {
			_ = se.Shutdown(ctx)
		}
		if reader != nil {
			_ = reader.Shutdown(ctx)
		}
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return se, reader, le, nil
}

func (t *Telemetry) newLogExporter(ctx context.Context) (sdklog.Exporter, error) {
	switch t.cfg.LogsExporter {
	case "otlp":
		var opts []otlploggrpc.Option
		if t.conn != nil {
			opts = append(opts, otlploggrpc.WithGRPCConn(t.conn))
		} else {
			opts = append(opts, otlploggrpc.WithEndpoint(t.cfg.Endpoint))
			if t.cfg.Insecure {
				opts = append(opts, otlploggrpc.WithInsecure())
			}
		}
		exp, err := otlploggrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp log exporter: %w", err)
		}
		return exp, nil
	case "stdout":
		exp, err := stdoutlog.New(stdoutlog.WithWriter(os.Stderr), stdoutlog.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout log exporter: %w", err)
		}
		return exp, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, t.cfg.LogsExporter)
	}
}

func (t *Telemetry) newSpanExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch t.cfg.TracesExporter {
	case "otlp":
		var opts []otlptracegrpc.Option
		if t.conn != nil {
			opts = append(opts, otlptracegrpc.WithGRPCConn(t.conn))
		} else {
			opts = append(opts, otlptracegrpc.WithEndpoint(t.cfg.Endpoint))
			if t.cfg.Insecure {
				opts = append(opts, otlptracegrpc.WithInsecure())
			}
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		return exp, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		return exp, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, t.cfg.TracesExporter)
	}
}

func (t *Telemetry) newMetricReader(ctx context.Context) (sdkmetric.Reader, error) {
	switch t.cfg.MetricsExporter {
	case "otlp":
		var opts []otlpmetricgrpc.Option
		if t.conn != nil {
			opts = append(opts, otlpmetricgrpc.WithGRPCConn(t.conn))
		} else {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(t.cfg.Endpoint))
			if t.cfg.Insecure {
				opts = append(opts, otlpmetricgrpc.WithInsecure())
			}
		}
		exp, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(t.cfg.ExportInterval)), nil
	case "prometheus":
		reg := prometheus.NewRegistry()
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		t.metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		return exp, nil
	case "stdout":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(t.cfg.ExportInterval)), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, t.cfg.MetricsExporter)
	}
}

func (t *Telemetry) handleError(err error) {
	if err == nil {
		return
	}
	t.fallback.Warn("telemetry export failed", "error", err)
}

func (t *Telemetry) closeConn() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// Logger returns the correlated, asynchronous logger. Records go to the local
// sink and, when a logs exporter is active, to the collector.
func (t *Telemetry) Logger() *slog.Logger {
	return t.logger
}

// Exporting reports whether any exporter is active.
func (t *Telemetry) Exporting() bool {
	return t.exporting
}

// Endpoint returns the collector address telemetry was configured with.
func (t *Telemetry) Endpoint() string {
	return t.cfg.Endpoint
}

// MetricsHandler serves the Prometheus registry, or nil when the prometheus
// exporter is not selected.
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.metricsHandler
}

// Dropped returns how many spans and log records were discarded by full queues.
func (t *Telemetry) Dropped() uint64 {
	n := t.logQueue.Dropped()
	if t.spans != nil {
		n += t.spans.Dropped()
	}
	if t.logs != nil {
		n += t.logs.Dropped()
	}
	return n
}

// ForceFlush exports everything recorded so far.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	return errors.Join(
		t.tp.ForceFlush(ctx),
		t.mp.ForceFlush(ctx),
		t.lp.ForceFlush(ctx),
		t.logWorker.Flush(ctx),
	)
}

// Shutdown flushes and stops every provider. It is safe to call more than once.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		var errs []error
		if t.tp != nil {
			errs = append(errs, t.tp.Shutdown(ctx))
		}
		if t.mp != nil {
			errs = append(errs, t.mp.Shutdown(ctx))
		}
		if t.lp != nil {
			errs = append(errs, t.lp.Shutdown(ctx))
		}
		t.closeConn()
		errs = append(errs, t.logWorker.Close(ctx))
		if err := errors.Join(errs...); err != nil {
			t.shutdownErr = fmt.Errorf("telemetry shutdown: %w", err)
		}
	})
	return t.shutdownErr
}
