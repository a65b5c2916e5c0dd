package events

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrQueueTimeout is returned by [Queue.Next] when nothing arrived
// within the timeout.
var ErrQueueTimeout = errors.New("queue: no item before timeout")

// Queue is an unbounded FIFO with an end-of-stream marker. Producers
// never block. After Close, Next drains the remaining items and then
// returns io.EOF.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// NewQueue returns an empty open queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends v. It reports false when the queue is already closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return true
}

// Close appends the end-of-stream marker. Closing twice is a no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Closed reports whether the end-of-stream marker has been pushed.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of undelivered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Next waits up to timeout for the next item. It returns io.EOF once the
// queue is closed and empty, [ErrQueueTimeout] when the wait expires, or
// the context error.
func (q *Queue[T]) Next(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0 || q.closed
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			q.wake()
			return zero, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-timer.C:
			return zero, ErrQueueTimeout
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
