package config

import (
	"time"

	"github.com/neuroprep/neuroprep/internal/telemetry"
)

// TelemetryConfig maps the telemetry-related settings onto telemetry.Config.
// The log writer is left for the caller to set.
func (c *Config) TelemetryConfig() telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = c.Options.ServiceName
	tc.Environment = c.Options.Environment
	tc.Endpoint = c.Options.OTelEndpoint
	tc.Insecure = c.Telemetry.Insecure
	tc.TracesExporter = c.Options.TracesExporter
	tc.MetricsExporter = c.Options.MetricsExporter
	tc.LogsExporter = c.Options.LogsExporter
	tc.Disabled = c.Telemetry.Disabled
	tc.FailFast = c.Telemetry.FailFast
	tc.ConnectTimeout = Duration(c.Telemetry.ConnectTimeout, 5*time.Second)
	tc.ExportInterval = Duration(c.Telemetry.ExportInterval, 10*time.Second)
	tc.SampleRatio = c.Telemetry.SampleRate
	tc.QueueSize = c.Telemetry.QueueSize
	tc.LogFormat = c.Options.LogFormat
	tc.LogLevel = telemetry.ParseLevel(c.Options.LogLevel)
	return tc
}
