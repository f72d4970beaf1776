package telemetry

import (
	"sync"
	"sync/atomic"
)

// Queue is a bounded multi-producer queue. Push never blocks: when the queue
// is full the oldest item is discarded to make room and the drop is counted.
type Queue[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	size  int
	ready chan struct{}

	dropped atomic.Uint64
}

// NewQueue returns a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		buf:   make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends item. It reports false when an older item had to be dropped.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	kept := true
	if q.size == len(q.buf) {
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped.Add(1)
		kept = false
	}
	q.buf[(q.head+q.size)%len(q.buf)] = item
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return kept
}

// Drain removes up to max items in FIFO order. max <= 0 drains everything.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	var zero T
	for i := range n {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		q.buf[idx] = zero
	}
	q.head = (q.head + n) % len(q.buf)
	q.size -= n
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return len(q.buf)
}

// Dropped returns how many items were discarded because the queue was full.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Ready is signalled after a push. One signal may cover several pushes.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}
