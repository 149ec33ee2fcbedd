// Package subscription tracks the set of active subscribers, their table
// filters, delivery cursors, and per-subscriber outbound queues. The
// distribution engine enqueues and dequeues through it but never mutates
// subscriber identity.
package subscription

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/cfg"
	"github.com/deltabus/deltabus/telemetry"
)

// State is a subscriber connection's delivery state.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDegraded
	// StateDisconnected is terminal; the subscriber must re-subscribe.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateDegraded:
		return "DEGRADED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Subscription is one live subscriber registration. Identity fields are
// fixed at subscribe time; filters may be replaced by an idempotent
// re-subscribe from the same connection.
type Subscription struct {
	ID string
	// Owner identifies the connection holding this registration. A second
	// connection claiming the same subscriber id is rejected until the
	// first unsubscribes or drops.
	Owner string

	mu     sync.RWMutex
	filter *Filter
	// last acknowledged cycle id per table
	cursors map[string]uint64

	Queue *Queue
	state atomic.Int32

	// deliverMu serializes envelope admission (Offer) with attach-time
	// snapshot replay (Activate), so a cycle published while the
	// resynchronization snapshot is being prepared is buffered and flushed
	// behind it instead of lost.
	deliverMu sync.Mutex
	pending   []*bus.DeltaEnvelope
	attaching bool
}

// Offer admits an envelope for delivery. ACTIVE and DEGRADED subscribers
// enqueue normally; a subscriber mid-attach buffers the envelope so it can
// follow the resynchronization snapshot; anything else is skipped. Returns
// the envelope displaced by overflow, if any.
func (s *Subscription) Offer(env *bus.DeltaEnvelope) (*bus.DeltaEnvelope, error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	switch s.State() {
	case StateActive, StateDegraded:
		return s.Queue.Enqueue(env)
	case StateConnecting:
		if s.attaching {
			s.pending = append(s.pending, env)
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// BeginAttach marks the subscription as resynchronizing: fanned-out
// envelopes buffer from here on until Activate flushes them. Returns false
// if the subscription is not CONNECTING or an attach is already in flight.
func (s *Subscription) BeginAttach() bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.attaching || s.State() != StateConnecting {
		return false
	}
	s.attaching = true
	s.pending = nil
	return true
}

// AbortAttach discards an attach in progress and its buffered envelopes.
func (s *Subscription) AbortAttach() {
	s.deliverMu.Lock()
	s.attaching = false
	s.pending = nil
	s.deliverMu.Unlock()
}

// Activate enqueues the resynchronization snapshots, flushes the envelopes
// buffered during attach that the snapshots do not already cover, and
// transitions the subscription to ACTIVE. replayed maps each table to the
// cycle its snapshot reflects; buffered envelopes at or below that cycle
// are duplicates of snapshot state and are skipped.
func (s *Subscription) Activate(snapshots []*bus.DeltaEnvelope, replayed map[string]uint64) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	flush := func(env *bus.DeltaEnvelope) error {
		_, err := s.Queue.Enqueue(env)
		return err
	}

	for _, env := range snapshots {
		if err := flush(env); err != nil {
			s.attaching = false
			s.pending = nil
			return err
		}
	}
	for _, env := range s.pending {
		if env.CycleID <= replayed[env.TableName] {
			continue
		}
		if err := flush(env); err != nil {
			s.attaching = false
			s.pending = nil
			return err
		}
	}

	s.attaching = false
	s.pending = nil
	s.SetState(StateActive)
	return nil
}

// Filter returns the current filter.
func (s *Subscription) Filter() *Filter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// Matches reports whether this subscription wants envelopes for table.
func (s *Subscription) Matches(table string) bool {
	return s.Filter().Match(table)
}

// State returns the current connection state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// SetState transitions the connection state. DISCONNECTED is terminal;
// transitions out of it are ignored.
func (s *Subscription) SetState(next State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateDisconnected {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// Ack records the last acknowledged cycle id for a table. Stale acks
// (less than the current cursor) are ignored.
func (s *Subscription) Ack(table string, cycleID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cycleID > s.cursors[table] {
		s.cursors[table] = cycleID
	}
}

// Cursor returns the last acknowledged cycle id for a table, zero if none.
func (s *Subscription) Cursor(table string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[table]
}

// Cursors returns a copy of all delivery cursors.
func (s *Subscription) Cursors() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(s.cursors))
	for k, v := range s.cursors {
		out[k] = v
	}
	return out
}

func (s *Subscription) replaceFilter(f *Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// Manager owns all subscriptions exclusively.
type Manager struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription

	queueCapacity int
	policy        cfg.OverflowPolicy
}

// NewManager creates an empty manager whose queues use the given capacity
// and overflow policy.
func NewManager(queueCapacity int, policy cfg.OverflowPolicy) *Manager {
	return &Manager{
		subscriptions: make(map[string]*Subscription),
		queueCapacity: queueCapacity,
		policy:        policy,
	}
}

// Subscribe registers subscriberID with the given table patterns. A repeat
// subscribe from the same owner replaces its filters in place and keeps its
// queue and cursors (idempotent re-subscribe). A subscriber id still bound
// to a different live owner fails with AlreadySubscribedError; the holder
// must unsubscribe (or lose its connection) first.
func (m *Manager) Subscribe(subscriberID, owner string, patterns []string) (*Subscription, error) {
	filter, err := NewFilter(patterns)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.subscriptions[subscriberID]; ok {
		switch {
		case existing.State() == StateDisconnected:
			// Stale registration from a dropped connection: supersede it.
			existing.Queue.Discard()
			delete(m.subscriptions, subscriberID)
		case existing.Owner == owner:
			existing.replaceFilter(filter)
			log.Debug().
				Str("subscriber", subscriberID).
				Strs("patterns", patterns).
				Msg("Re-subscribe replaced filters")
			return existing, nil
		default:
			return nil, bus.ErrAlreadySubscribed
		}
	}

	sub := &Subscription{
		ID:      subscriberID,
		Owner:   owner,
		filter:  filter,
		cursors: make(map[string]uint64),
		Queue:   NewQueue(m.queueCapacity, m.policy),
	}
	sub.state.Store(int32(StateConnecting))
	m.subscriptions[subscriberID] = sub

	log.Info().
		Str("subscriber", subscriberID).
		Strs("patterns", patterns).
		Msg("Subscriber registered")

	return sub, nil
}

// Unsubscribe removes a subscription and discards any queued-but-undelivered
// envelopes. Returns false if the id was not subscribed.
func (m *Manager) Unsubscribe(subscriberID string) bool {
	m.mu.Lock()
	sub, ok := m.subscriptions[subscriberID]
	if ok {
		delete(m.subscriptions, subscriberID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	sub.SetState(StateDisconnected)
	if discarded := sub.Queue.Discard(); discarded > 0 {
		telemetry.EnvelopesDroppedTotal.With("unsubscribe").Add(float64(discarded))
		log.Debug().
			Str("subscriber", subscriberID).
			Int("discarded", discarded).
			Msg("Discarded undelivered envelopes on unsubscribe")
	}

	log.Info().Str("subscriber", subscriberID).Msg("Subscriber removed")
	return true
}

// Get returns the live subscription for an id.
func (m *Manager) Get(subscriberID string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[subscriberID]
	return sub, ok
}

// Match snapshots the set of subscriptions whose filter accepts the table.
// The copy lets fan-out run without holding the manager lock across
// potentially slow enqueue operations.
func (m *Manager) Match(table string) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, sub := range m.subscriptions {
		if sub.State() == StateDisconnected {
			continue
		}
		if sub.Matches(table) {
			out = append(out, sub)
		}
	}
	return out
}

// All returns every live subscription, ordered by id for stable iteration.
func (m *Manager) All() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live subscriptions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}

// ErrAlreadySubscribed re-exported for callers matching on the sentinel.
var ErrAlreadySubscribed = bus.ErrAlreadySubscribed
