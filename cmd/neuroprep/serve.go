package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/neuroprep/neuroprep/internal/config"
	"github.com/neuroprep/neuroprep/internal/runner"
	"github.com/neuroprep/neuroprep/internal/schedule"
	"github.com/neuroprep/neuroprep/internal/stages"
	"github.com/neuroprep/neuroprep/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Process new scans in --input-dir on a schedule",
	Long: "Runs a batch over new or changed inputs each time the configured trigger fires " +
		"(serve.interval, serve.cron or serve.watch). Stops on SIGINT or SIGTERM.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.ValidateServe(); err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")

		ctx := cmd.Context()
		tel, shutdown, err := setupTelemetry(ctx, cfg)
		if err != nil {
			return err
		}
		defer shutdown()

		if h := tel.MetricsHandler(); h != nil {
			stop := serveMetrics(cfg.Telemetry.MetricsAddr, h, tel)
			defer stop()
		}

		trig := schedule.Trigger{
			Interval: config.Duration(cfg.Serve.Interval, 0),
			Cron:     cfg.Serve.Cron,
			Debounce: config.Duration(cfg.Serve.Debounce, 2*time.Second),
		}
		if cfg.Serve.Watch {
			trig.Watch = cfg.Options.InputDir
		}

		seen := newSeenSet()
		job := func(ctx context.Context) {
			inputs, err := stages.FindInputs(cfg.Options.InputDir, cfg.Batch.Pattern)
			if err != nil {
				tel.Logger().ErrorContext(ctx, "listing inputs failed", "dir", cfg.Options.InputDir, "error", err)
				return
			}
			if !all {
				inputs = seen.filter(inputs)
			}
			if len(inputs) == 0 {
				tel.Logger().DebugContext(ctx, "no new inputs", "dir", cfg.Options.InputDir)
				return
			}
			b, err := executeBatch(ctx, cfg, tel, inputs, false, false)
			if err != nil {
				tel.Logger().ErrorContext(ctx, "batch failed", "error", err)
			}
			seen.commit(b.Results)
		}

		tel.Logger().InfoContext(ctx, "serving", "trigger", trig.Kind(), "dir", cfg.Options.InputDir)
		return schedule.Run(ctx, trig, job, tel.Logger())
	},
}

func init() {
	serveCmd.Flags().Bool("all", false, "reprocess every matching input on each trigger, not only new or changed ones")
	registerStageFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

// serveMetrics exposes the Prometheus registry on addr until the returned
// function is called.
func serveMetrics(addr string, h http.Handler, tel *telemetry.Telemetry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			tel.Logger().Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	tel.Logger().Info("metrics server listening", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "metrics server shutdown:", err)
		}
	}
}

// seenSet remembers successfully processed inputs by path, size and
// modification time so a trigger only picks up new, changed or previously
// failed files.
type seenSet struct {
	mu      sync.Mutex
	seen    map[string]string
	pending map[string]string
}

func newSeenSet() *seenSet {
	return &seenSet{seen: make(map[string]string), pending: make(map[string]string)}
}

// filter returns the inputs not yet processed in their current state. The
// state observed here is what commit records.
func (s *seenSet) filter(inputs []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			// Let the load stage report it.
			out = append(out, in)
			continue
		}
		key := fmt.Sprintf("%d/%d", info.Size(), info.ModTime().UnixNano())
		if s.seen[in] == key {
			continue
		}
		s.pending[in] = key
		out = append(out, in)
	}
	return out
}

// commit marks the successful results as processed. Failed inputs stay
// eligible for the next trigger.
func (s *seenSet) commit(results []runner.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, res := range results {
		key, ok := s.pending[res.Input]
		if !ok {
			continue
		}
		delete(s.pending, res.Input)
		if res.Err == nil {
			s.seen[res.Input] = key
		}
	}
}
