// Package stream provides the unbounded delivery queue shared by store
// implementations: subscription fan-out must never block a writer.
package stream

import "sync"

// Queue is an unbounded FIFO feeding a delivery channel. Push never blocks,
// so store writes are never held up by slow subscribers, and delivery order
// matches push order.
type Queue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []T
	closed  bool
	done    chan struct{}
	out     chan T
}

// NewQueue returns a Queue with its pump running.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{out: make(chan T), done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// Out is the delivery channel. It is closed after Close.
func (q *Queue[T]) Out() <-chan T { return q.out }

// Push enqueues item for delivery. Never blocks; a no-op after Close.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	if !q.closed {
		q.pending = append(q.pending, item)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// Close stops delivery. Pending items may be dropped; Out is closed. Safe to
// call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

func (q *Queue[T]) pump() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			close(q.out)
			return
		}
		item := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- item:
		case <-q.done:
			close(q.out)
			return
		}
	}
}
