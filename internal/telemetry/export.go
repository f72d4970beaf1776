package telemetry

import (
	"context"
	"sync"
	"time"
)

type exportFunc[T any] func(context.Context, []T) error

type exporterOptions struct {
	BatchSize int
	Interval  time.Duration
	Timeout   time.Duration
	OnError   func(error)
}

// exporter drains a Queue on a background goroutine. A batch is exported as
// soon as BatchSize items are waiting, and everything pending is exported on
// every Interval tick, on Flush and on Close.
type exporter[T any] struct {
	queue  *Queue[T]
	export exportFunc[T]
	opts   exporterOptions

	flushReq  chan chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func startExporter[T any](q *Queue[T], export exportFunc[T], opts exporterOptions) *exporter[T] {
	if opts.BatchSize < 1 {
		opts.BatchSize = 512
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.OnError == nil {
		opts.OnError = func(error) {}
	}

	e := &exporter[T]{
		queue:    q,
		export:   export,
		opts:     opts,
		flushReq: make(chan chan struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *exporter[T]) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.queue.Ready():
			for e.queue.Len() >= e.opts.BatchSize {
				e.exportBatch(e.queue.Drain(e.opts.BatchSize))
			}
		case <-ticker.C:
			e.exportAll()
		case reply := <-e.flushReq:
			e.exportAll()
			close(reply)
		case <-e.quit:
			e.exportAll()
			return
		}
	}
}

func (e *exporter[T]) exportAll() {
	for {
		batch := e.queue.Drain(e.opts.BatchSize)
		if len(batch) == 0 {
			return
		}
		e.exportBatch(batch)
	}
}

func (e *exporter[T]) exportBatch(batch []T) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeout)
	defer cancel()
	if err := e.export(ctx, batch); err != nil {
		e.opts.OnError(err)
	}
}

// Flush blocks until everything queued before the call has been exported.
func (e *exporter[T]) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case e.flushReq <- reply:
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker after a final drain.
func (e *exporter[T]) Close(ctx context.Context) error {
	e.closeOnce.Do(func() { close(e.quit) })
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
