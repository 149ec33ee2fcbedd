package subscription

import (
	"errors"
	"sync"

	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/cfg"
)

// ErrQueueClosed is returned by queue operations after Close.
var ErrQueueClosed = errors.New("outbound queue closed")

// Queue is a bounded FIFO of pending envelopes for one subscriber. Enqueue
// behavior beyond capacity follows the configured overflow policy:
// drop-oldest discards the least-recent undelivered envelope, block parks
// the producer until the drain loop frees space.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []*bus.DeltaEnvelope
	capacity int
	policy   cfg.OverflowPolicy
	closed   bool
}

// NewQueue creates a queue with the given capacity and overflow policy.
func NewQueue(capacity int, policy cfg.OverflowPolicy) *Queue {
	q := &Queue{
		capacity: capacity,
		policy:   policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an envelope. Under drop-oldest it never blocks and
// returns the envelope it displaced, if any. Under block it waits for space
// and returns ErrQueueClosed if the queue closes while waiting.
func (q *Queue) Enqueue(env *bus.DeltaEnvelope) (dropped *bus.DeltaEnvelope, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	if len(q.items) >= q.capacity {
		switch q.policy {
		case cfg.OverflowBlock:
			for len(q.items) >= q.capacity && !q.closed {
				q.notFull.Wait()
			}
			if q.closed {
				return nil, ErrQueueClosed
			}
		default: // drop_oldest
			dropped = q.items[0]
			copy(q.items, q.items[1:])
			q.items = q.items[:len(q.items)-1]
		}
	}

	q.items = append(q.items, env)
	q.notEmpty.Signal()
	return dropped, nil
}

// Dequeue removes and returns the oldest envelope, blocking until one is
// available or the queue is closed. A closed queue drains its remaining
// items before reporting ErrQueueClosed.
func (q *Queue) Dequeue() (*bus.DeltaEnvelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}

	if len(q.items) == 0 {
		return nil, ErrQueueClosed
	}

	env := q.items[0]
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	q.notFull.Signal()
	return env, nil
}

// TryDequeue removes the oldest envelope without blocking.
func (q *Queue) TryDequeue() (*bus.DeltaEnvelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	env := q.items[0]
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	q.notFull.Signal()
	return env, true
}

// Len returns the number of pending envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the pending envelopes in order without removing them.
func (q *Queue) Snapshot() []*bus.DeltaEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*bus.DeltaEnvelope, len(q.items))
	copy(out, q.items)
	return out
}

// Close marks the queue closed and wakes all waiters. Pending items remain
// readable via Dequeue/TryDequeue until exhausted; Discard drops them.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Discard closes the queue and drops any pending envelopes, returning how
// many were discarded.
func (q *Queue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	if !q.closed {
		q.closed = true
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
	}
	return n
}
