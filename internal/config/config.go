package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/a8m/envsubst"
	"github.com/goccy/go-yaml"
)

type Config struct {
	Options   Options            `yaml:"options"`
	Globals   map[string]string  `yaml:"globals"`
	Stages    Stages             `yaml:"stages"`
	Output    Output             `yaml:"output"`
	Simulate  Simulate           `yaml:"simulate"`
	Batch     Batch              `yaml:"batch"`
	Telemetry Telemetry          `yaml:"telemetry"`
	Services  map[string]Service `yaml:"services" validate:"dive"`
	Notify    Notify             `yaml:"notify"`
	Serve     Serve              `yaml:"serve"`
}

// Options holds the string settings that can also be set with a CLI flag of
// the same name. The short tag, when present, is the flag's shorthand.
type Options struct {
	ServiceName     string `yaml:"service_name" validate:"required"`
	Environment     string `yaml:"environment"`
	OTelEndpoint    string `yaml:"otel_endpoint"`
	TracesExporter  string `yaml:"traces_exporter" validate:"oneof=otlp stdout none"`
	MetricsExporter string `yaml:"metrics_exporter" validate:"oneof=otlp prometheus stdout none"`
	LogsExporter    string `yaml:"logs_exporter" validate:"oneof=otlp stdout none"`
	InputDir        string `yaml:"input_dir"`
	OutputDir       string `yaml:"output_dir" short:"o" validate:"required"`
	OutputFormat    string `yaml:"output_format" short:"f" validate:"oneof=nifti mgz analyze"`
	LogLevel        string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat       string `yaml:"log_format" validate:"oneof=json text"`
	LogFile         string `yaml:"log_file"`
}

// Stages toggles the optional parts of the pipeline.
type Stages struct {
	Validate       bool `yaml:"validate"`
	SkullStrip     bool `yaml:"skull_strip"`
	BiasCorrection bool `yaml:"bias_correction"`
	Normalization  bool `yaml:"normalization"`
}

type Output struct {
	Compress bool `yaml:"compress"`
	Metadata bool `yaml:"metadata"`
	Report   bool `yaml:"report"`
}

// Simulate controls the artificial latency and failure injection used for
// demos. Both are off by default.
type Simulate struct {
	LatencyScale float64 `yaml:"latency_scale" validate:"min=0"`
	FailureRate  float64 `yaml:"failure_rate" validate:"min=0,max=1"`
	Seed         uint64  `yaml:"seed"`
}

type Batch struct {
	Pattern     string `yaml:"pattern" validate:"required"`
	Concurrency int    `yaml:"concurrency" validate:"min=1,max=64"`
}

type Telemetry struct {
	Disabled       bool    `yaml:"disabled"`
	FailFast       bool    `yaml:"fail_fast"`
	Insecure       bool    `yaml:"insecure"`
	ConnectTimeout string  `yaml:"connect_timeout" validate:"omitempty,duration"`
	ExportInterval string  `yaml:"export_interval" validate:"omitempty,duration"`
	SampleRate     float64 `yaml:"sample_rate" validate:"gt=0,max=1"`
	QueueSize      int     `yaml:"queue_size" validate:"min=16"`
	MetricsAddr    string  `yaml:"metrics_addr"`
}

type Service struct {
	URL    string            `yaml:"url" validate:"required"`
	Params map[string]string `yaml:"params"`
}

// Notify decides when a batch summary is sent and to whom.
type Notify struct {
	On       string         `yaml:"on" validate:"oneof=never always failure"`
	Template string         `yaml:"template"`
	Targets  []NotifyTarget `yaml:"targets" validate:"dive"`
}

// Serve selects what triggers a batch in daemon mode. Exactly one of
// Interval, Cron and Watch is expected.
type Serve struct {
	Interval string `yaml:"interval" validate:"omitempty,duration"`
	Cron     string `yaml:"cron" validate:"omitempty,cron"`
	Watch    bool   `yaml:"watch"`
	Debounce string `yaml:"debounce" validate:"omitempty,duration"`
}

// NotifyTarget handles a plain service name string or an object with overrides.
type NotifyTarget struct {
	Service  string            `yaml:"service" validate:"required"`
	Template string            `yaml:"template"`
	Params   map[string]string `yaml:"params"`
}

func (n *NotifyTarget) UnmarshalYAML(unmarshal func(any) error) error {
	var str string
	if err := unmarshal(&str); err == nil {
		n.Service = str
		return nil
	}

	type notifyAlias NotifyTarget
	var obj notifyAlias
	if err := unmarshal(&obj); err != nil {
		return fmt.Errorf("notify: must be a service name string or an object with service/template/params")
	}
	*n = NotifyTarget(obj)
	return nil
}

// Default returns the configuration used when no file is found. Loaded
// files are overlaid on top of it.
func Default() *Config {
	return &Config{
		Options: Options{
			ServiceName:     "neuroprep",
			Environment:     "development",
			OTelEndpoint:    "localhost:4317",
			TracesExporter:  "otlp",
			MetricsExporter: "otlp",
			LogsExporter:    "otlp",
			OutputDir:       "output",
			OutputFormat:    "nifti",
			LogLevel:        "info",
			LogFormat:       "json",
		},
		Globals: map[string]string{},
		Stages: Stages{
			Validate:       true,
			SkullStrip:     true,
			BiasCorrection: true,
			Normalization:  true,
		},
		Output: Output{Compress: true, Metadata: true, Report: true},
		Batch:  Batch{Pattern: "*.nii*", Concurrency: 1},
		Telemetry: Telemetry{
			Insecure:       true,
			ConnectTimeout: "5s",
			ExportInterval: "10s",
			SampleRate:     1,
			QueueSize:      2048,
			MetricsAddr:    ":9464",
		},
		Notify: Notify{On: "never"},
		Serve:  Serve{Debounce: "2s"},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	data, err = envsubst.Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("expanding env vars: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Globals == nil {
		cfg.Globals = map[string]string{}
	}

	return cfg, nil
}

// Save writes c to path as YAML, creating parent directories. It refuses
// to replace an existing file unless overwrite is set.
func (c *Config) Save(path string, overwrite bool) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	return f.Close()
}

// Duration parses a duration option, returning def when s is empty or
// malformed. Validate rejects malformed values up front.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
