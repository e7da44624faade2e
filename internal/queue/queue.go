// Package queue provides the bounded FIFO used to hand audio chunks from the
// capture thread to the session goroutines.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when pushing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded single-producer/single-consumer FIFO. Producers use
// Push (blocking) or TryPush (never blocks); consumers receive from C.
type Queue[T any] struct {
	items  chan T
	mu     sync.RWMutex
	closed bool
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{items: make(chan T, capacity)}
}

// Push blocks until the item is enqueued, the context ends or the queue is closed.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues without blocking. It reports false when the queue is full or closed.
func (q *Queue[T]) TryPush(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Pop waits for the next item. The boolean is false once the queue is closed
// and drained, or when ctx ends.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	select {
	case item, ok := <-q.items:
		return item, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// C exposes the receive side. It is closed after Close once drained.
func (q *Queue[T]) C() <-chan T {
	return q.items
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Close stops accepting items. Buffered items remain readable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}
