package media

import (
	"context"
	"sync/atomic"
)

// Queue is a bounded single-producer/single-consumer handoff that favors
// latency over completeness: when full, Push evicts the oldest entry to
// make room instead of blocking the producer.
type Queue[T any] struct {
	ch      chan T
	pushed  atomic.Int64
	dropped atomic.Int64
}

// NewQueue creates a Queue holding at most size entries. A size below one
// is treated as one.
func NewQueue[T any](size int) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{ch: make(chan T, size)}
}

// Push enqueues v without blocking. It reports whether an older entry was
// evicted to make room.
func (q *Queue[T]) Push(v T) (evicted bool) {
	q.pushed.Add(1)
	for {
		select {
		case q.ch <- v:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			evicted = true
		default:
		}
	}
}

// Pop blocks until an entry is available or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// TryPop returns the next entry without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Latest drains the queue and returns only the newest entry. Skipped
// entries count as dropped.
func (q *Queue[T]) Latest() (T, bool) {
	v, ok := q.TryPop()
	if !ok {
		return v, false
	}
	for {
		next, more := q.TryPop()
		if !more {
			return v, true
		}
		q.dropped.Add(1)
		v = next
	}
}

// C exposes the receive side for use in select statements.
func (q *Queue[T]) C() <-chan T { return q.ch }

// Len returns the current queue depth.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Pushed returns the number of entries ever pushed.
func (q *Queue[T]) Pushed() int64 { return q.pushed.Load() }

// Dropped returns the number of entries evicted or skipped.
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }
