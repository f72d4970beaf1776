package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/neuroprep/neuroprep/internal/config"
	"github.com/neuroprep/neuroprep/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// setupTelemetry initializes telemetry from the config. The returned
// function flushes and shuts everything down; call it before exiting.
func setupTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, func(), error) {
	tc := cfg.TelemetryConfig()

	var logFile *os.File
	if cfg.Options.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Options.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Options.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		logFile = f
		tc.LogWriter = f
	} else {
		tc.LogWriter = os.Stderr
	}

	tel, err := telemetry.Init(ctx, tc)
	if err != nil {
		closeQuietly(logFile)
		return nil, nil, err
	}

	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
		}
		closeQuietly(logFile)
	}
	return tel, shutdown, nil
}

func closeQuietly(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
