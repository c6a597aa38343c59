package pipeline

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/acth/cross-asset-engine/internal/market"
)

var (
	// ErrQueueFull is returned by TryPublish when the queue is saturated.
	ErrQueueFull = errors.New("pipeline queue full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("pipeline queue closed")
)

// Event is the unit flowing through the serialized pipeline stage: either
// a snapshot or a fill, never both.
type Event struct {
	Snapshot *market.Snapshot
	Fill     *market.Fill
}

// Queue is the bounded aggregation point between the per-venue ingest
// workers and the single pipeline consumer.
type Queue struct {
	ch     chan Event
	closed atomic.Bool
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// TryPublish enqueues without blocking. Snapshot producers use this: a
// dropped snapshot is replaced by the next poll cycle.
func (q *Queue) TryPublish(e Event) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Publish enqueues, blocking until there is room. Fill producers use this:
// fills must never be dropped.
func (q *Queue) Publish(ctx context.Context, e Event) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue from accepting new events.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}

// Drain consumes events until the context is done or the queue is closed
// and empty.
func (q *Queue) Drain(ctx context.Context, handler func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}
