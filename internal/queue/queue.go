// Package queue provides the bounded, drop-on-full job queue that feeds the
// extraction workers.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	harvesterrors "github.com/PentesterFlow/ParamHarvest/internal/errors"
)

// Job is one JavaScript body waiting for extraction.
type Job struct {
	Origin      string
	Referer     string
	Body        string
	InScopeHint bool
	Enqueued    time.Time
}

// Stats reports queue counters.
type Stats struct {
	Capacity int    `json:"capacity"`
	Depth    int    `json:"depth"`
	Pushed   uint64 `json:"pushed"`
	Dropped  uint64 `json:"dropped"`
	Popped   uint64 `json:"popped"`
}

// Bounded is a fixed-capacity FIFO. Producers never block: a push into a
// full queue is dropped. Consumers wait with a timeout.
type Bounded[T any] struct {
	mu     sync.RWMutex // guards closed against concurrent sends
	ch     chan T
	closed bool

	pushed  atomic.Uint64
	dropped atomic.Uint64
	popped  atomic.Uint64
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{ch: make(chan T, capacity)}
}

// TryPush enqueues item without blocking. It returns ErrQueueFull when the
// queue is at capacity and ErrQueueClosed after Close.
func (q *Bounded[T]) TryPush(item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return harvesterrors.ErrQueueClosed
	}
	select {
	case q.ch <- item:
		q.pushed.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return harvesterrors.ErrQueueFull
	}
}

// Pop waits up to timeout for the next item. It returns ErrQueueEmpty on
// timeout, ErrQueueClosed once the queue is closed and drained, and the
// context error if ctx ends first. A non-positive timeout does not wait.
func (q *Bounded[T]) Pop(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	if timeout <= 0 {
		select {
		case item, ok := <-q.ch:
			return q.received(item, ok)
		default:
			return zero, harvesterrors.ErrQueueEmpty
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item, ok := <-q.ch:
		return q.received(item, ok)
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, harvesterrors.ErrQueueEmpty
	}
}

func (q *Bounded[T]) received(item T, ok bool) (T, error) {
	if !ok {
		var zero T
		return zero, harvesterrors.ErrQueueClosed
	}
	q.popped.Add(1)
	return item, nil
}

// Len returns the number of queued items.
func (q *Bounded[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Bounded[T]) Cap() int {
	return cap(q.ch)
}

// Close stops accepting items. Items already queued can still be popped.
func (q *Bounded[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (q *Bounded[T]) Stats() Stats {
	return Stats{
		Capacity: cap(q.ch),
		Depth:    len(q.ch),
		Pushed:   q.pushed.Load(),
		Dropped:  q.dropped.Load(),
		Popped:   q.popped.Load(),
	}
}
