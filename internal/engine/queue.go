package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Dequeue once the queue is closed and empty.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a thread-safe unbounded FIFO.
//
// Producers may call Enqueue from any goroutine; it never blocks. The
// consumer blocks in Dequeue. Items from one producer come out in the
// order that producer enqueued them; interleaving across producers is
// arbitrary, but every item is dequeued exactly once.
//
// The queue uses a channel for signaling to enable context-aware waiting
// (prevents goroutine hangs on shutdown).
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // Signals item availability (buffered, size 1)
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an item to the back of the queue.
// Returns false if the queue is closed.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, item)

	// Non-blocking: buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// Dequeue removes and returns the front item, blocking until one is
// available. Items enqueued before Close are still returned; after that
// Dequeue returns ErrQueueClosed. A cancelled ctx returns ctx.Err().
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryDequeue(); ok {
			return item, nil
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			// Re-check: an item may have landed between TryDequeue and the lock.
			if item, ok := q.TryDequeue(); ok {
				return item, nil
			}
			var zero T
			return zero, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.signal:
		}
	}
}

// TryDequeue attempts to dequeue without blocking.
// Returns false if the queue is empty.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]

	// Clear the slot so the backing array does not retain the item.
	q.items[0] = zero

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return item, true
}

// DrainUpTo removes up to n items without blocking. n <= 0 drains all.
func (q *Queue[T]) DrainUpTo(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}

	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, _ := q.popLocked()
		out = append(out, item)
	}
	return out
}

// Len returns the current queue length.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close signals that no more items will be enqueued.
// Wakes every blocked Dequeue by closing the signal channel.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
