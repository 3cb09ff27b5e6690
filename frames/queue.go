package frames

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the queue is closed and empty.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO with a single consumer. Push never blocks: when the
// queue is full the oldest unconsumed item is discarded and counted.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	dropped uint64
	pushed  uint64
	closed  bool
	ready   chan struct{}
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		items: make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends v. It reports true when an older item had to be dropped to
// make room. Pushing to a closed queue is a no-op.
func (q *Queue[T]) Push(v T) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	capacity := len(q.items)
	if q.size == capacity {
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % capacity
		q.size--
		q.dropped++
		dropped = true
	}
	q.items[(q.head+q.size)%capacity] = v
	q.size++
	q.pushed++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// TryPop removes the oldest item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return v, true
}

// Pop waits for an item, the context, or close.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			var zero T
			return zero, ErrClosed
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// Ready is signalled after pushes. A consumer selecting on it must drain
// with TryPop since several pushes may collapse into one signal.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns everything currently queued, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, q.size)
	var zero T
	for q.size > 0 {
		out = append(out, q.items[q.head])
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.size--
	}
	return out
}

// Close wakes a waiting consumer. Queued items remain poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// Dropped is the number of items discarded under backpressure.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Pushed is the number of items accepted, including later-dropped ones.
func (q *Queue[T]) Pushed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}
