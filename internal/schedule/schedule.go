// Package schedule runs a job repeatedly on an interval, a cron expression
// or filesystem changes until its context is cancelled.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// ErrNoTrigger is returned when a Trigger selects zero or several sources.
var ErrNoTrigger = errors.New("exactly one of interval, cron or watch must be set")

// Trigger selects what starts the job. Exactly one of Interval, Cron and
// Watch must be set.
type Trigger struct {
	Interval time.Duration
	Cron     string
	// Watch is a directory; changes inside it start the job once they have
	// been quiet for Debounce.
	Watch    string
	Debounce time.Duration
}

// Kind names the selected trigger source.
func (t Trigger) Kind() string {
	switch {
	case t.Watch != "":
		return "watch"
	case t.Cron != "":
		return "cron"
	default:
		return "interval"
	}
}

func (t Trigger) validate() error {
	n := 0
	if t.Interval > 0 {
		n++
	}
	if t.Cron != "" {
		n++
	}
	if t.Watch != "" {
		n++
	}
	if n != 1 {
		return ErrNoTrigger
	}
	return nil
}

// Job is the unit of work a trigger starts.
type Job func(ctx context.Context)

// Run starts job on trig until ctx is done. A trigger that fires while the
// previous run is still going is skipped. Run returns nil once ctx is
// cancelled and the current run, if any, has finished.
func Run(ctx context.Context, trig Trigger, job Job, logger *slog.Logger) error {
	if err := trig.validate(); err != nil {
		return err
	}
	log := logger.With("trigger", trig.Kind())
	g := &guard{job: job, log: log}

	switch trig.Kind() {
	case "cron":
		return runCron(ctx, trig.Cron, g, log)
	case "watch":
		return runWatch(ctx, trig.Watch, trig.Debounce, g, log)
	default:
		return runInterval(ctx, trig.Interval, g, log)
	}
}

// guard runs the job unless a previous run is still active.
type guard struct {
	job     Job
	log     *slog.Logger
	running atomic.Bool
	skipped atomic.Uint64
}

func (g *guard) run(ctx context.Context) bool {
	if !g.running.CompareAndSwap(false, true) {
		g.skipped.Add(1)
		g.log.WarnContext(ctx, "previous run still active, skipping")
		return false
	}
	defer g.running.Store(false)
	g.job(ctx)
	return true
}

func runInterval(ctx context.Context, every time.Duration, g *guard, log *slog.Logger) error {
	log.InfoContext(ctx, "scheduler started", "interval", every)
	g.run(ctx)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "scheduler stopped")
			return nil
		case <-ticker.C:
			g.run(ctx)
		}
	}
}

func runCron(ctx context.Context, spec string, g *guard, log *slog.Logger) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { g.run(ctx) }); err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", spec, err)
	}

	log.InfoContext(ctx, "scheduler started", "cron", spec)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.InfoContext(ctx, "scheduler stopped")
	return nil
}

func runWatch(ctx context.Context, dir string, debounce time.Duration, g *guard, log *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	log.InfoContext(ctx, "scheduler started", "watch", dir, "debounce", debounce)
	g.run(ctx)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "scheduler stopped")
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			log.DebugContext(ctx, "change detected", "file", event.Name, "op", event.Op.String())
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "file watcher error", "error", err)
		case <-timer.C:
			g.run(ctx)
		}
	}
}
