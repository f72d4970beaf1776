package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultConfigPaths returns the search order for config files.
func DefaultConfigPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "neuroprep", "config.yaml"))
	}
	paths = append(paths, "/etc/neuroprep/config.yaml")
	return paths
}

// Resolve loads the config from the given explicit path, or searches the
// default locations and falls back to Default when nothing is found. The
// environment overrides are applied last. It fills in globals.hostname from
// os.Hostname() if empty.
func Resolve(explicit string) (*Config, error) {
	path, err := findConfig(explicit)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)

	if cfg.Globals["hostname"] == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolving hostname: %w", err)
		}
		cfg.Globals["hostname"] = h
	}

	return cfg, nil
}

// ApplyEnv overlays the standard OpenTelemetry environment variables and
// ENVIRONMENT onto the config.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("OTEL_SERVICE_NAME"); ok && v != "" {
		c.Options.ServiceName = v
	}
	if v, ok := lookup("ENVIRONMENT"); ok && v != "" {
		c.Options.Environment = v
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		c.Options.OTelEndpoint, c.Telemetry.Insecure = splitEndpoint(v, c.Telemetry.Insecure)
	}
	if v, ok := lookup("OTEL_TRACES_EXPORTER"); ok && v != "" {
		c.Options.TracesExporter = strings.ToLower(v)
	}
	if v, ok := lookup("OTEL_METRICS_EXPORTER"); ok && v != "" {
		c.Options.MetricsExporter = strings.ToLower(v)
	}
	if v, ok := lookup("OTEL_LOGS_EXPORTER"); ok && v != "" {
		c.Options.LogsExporter = strings.ToLower(v)
	}
	if v, ok := lookup("OTEL_SDK_DISABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Telemetry.Disabled = b
		}
	}
}

// splitEndpoint strips an http:// or https:// scheme from an OTLP endpoint;
// the scheme decides whether the connection is insecure.
func splitEndpoint(endpoint string, insecure bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), true
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), false
	default:
		return endpoint, insecure
	}
}

func findConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultConfigPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}
