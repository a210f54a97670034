package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded multi-producer, single-consumer FIFO with
// close-then-drain semantics: after Close, Pop keeps returning buffered
// items until the queue is empty, then reports closed. That is the
// property the log pipeline relies on for its flush barriers.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// New creates an empty open queue
func New[T any]() *Queue[T] {
	return &Queue[T]{
		signal: make(chan struct{}, 1),
	}
}

// Push appends an item. Returns false if the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.nudge()
	return true
}

// Pop blocks until an item is available, the queue is closed and drained,
// or the context is done. The second return is false only when no item is
// delivered. Pop must be called from a single consumer goroutine.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, false
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// Close marks the queue closed. Buffered items remain poppable; further
// pushes are rejected. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.nudge()
}

// Len reports the number of buffered items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) nudge() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
