// Package notify is an in-process hub for table registration events.
// The registry signals it on every registration change; the distribution
// engine watches it to invalidate cached snapshots whose table was
// redefined or removed.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for event channels.
// Subscribers that can't keep up will have events dropped (non-blocking send).
const defaultSignalBufferSize = 16

// EventKind classifies a table registration change.
type EventKind uint8

const (
	EventRegistered EventKind = iota
	// EventRedefined means a live table was superseded; its cycle
	// sequencing re-based and anything cached for it is stale.
	EventRedefined
	EventDeregistered
)

// TableEvent is one registration change.
type TableEvent struct {
	Table      string
	Kind       EventKind
	Generation uint64
}

// Filter selects which tables a subscription observes. Empty means all.
type Filter struct {
	Tables []string
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan TableEvent
	closed atomic.Bool
}

// matches checks if the table matches this subscription's filter.
func (s *subscription) matches(table string) bool {
	if len(s.filter.Tables) == 0 {
		return true
	}
	for _, t := range s.filter.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for table events.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends an event to all matching subscribers (non-blocking).
func (h *Hub) Signal(event TableEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(event.Table) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Subscribe creates a new subscription and returns the event channel and
// cancel function. The channel is buffered; if the subscriber cannot keep
// up, events are dropped silently by Signal. Cancel is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan TableEvent, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan TableEvent, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
