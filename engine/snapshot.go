package engine

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/subscription"
)

// errNoSnapshotSource reports that a cache miss could not be served because
// no dataset adapter is wired.
var errNoSnapshotSource = errors.New("no snapshot source configured")

// SnapshotSource asks the dataset engine for a full-state update of one
// table. The request is asynchronous: the adapter resolves the future once
// the dataset has materialized the state.
type SnapshotSource interface {
	RequestSnapshot(table string) *future.Future[bus.RawUpdate]
}

type snapshotEntry struct {
	env        *bus.DeltaEnvelope
	generation uint64
}

// snapshotCache keeps the most recent snapshot envelope per table so
// re-subscribing consumers can resynchronize without a round-trip to the
// dataset. Entries carry the table generation that produced them: a snapshot
// from a superseded registration must never be replayed, even if the
// redefinition event itself was missed. Bounded; eviction only costs a
// fresh snapshot request.
type snapshotCache struct {
	cache *lru.Cache[string, snapshotEntry]
}

func (c *snapshotCache) put(env *bus.DeltaEnvelope, generation uint64) {
	c.cache.Add(env.TableName, snapshotEntry{env: env, generation: generation})
}

func (c *snapshotCache) get(table string, generation uint64) (*bus.DeltaEnvelope, bool) {
	entry, ok := c.cache.Get(table)
	if !ok || entry.generation != generation {
		return nil, false
	}
	return entry.env, true
}

func (c *snapshotCache) invalidate(table string) {
	c.cache.Remove(table)
}

// prepareSnapshots selects the resynchronization snapshot for every matched
// table that has already emitted cycles, returning the envelopes to replay
// and the cycle each one reflects. The cached snapshot is used only when it
// matches the table's latest cycle; anything older would hide the
// incrementals published since it, so a stale or missing entry falls through
// to a fresh snapshot request. Tables with no history need no snapshot: the
// subscriber will see cycle 1 first. A table with history but no snapshot
// available is reported so the consumer can detect the gap from cycle ids.
func (e *Engine) prepareSnapshots(sub *subscription.Subscription) ([]*bus.DeltaEnvelope, map[string]uint64, error) {
	var (
		replay  []*bus.DeltaEnvelope
		lastErr error
	)
	covered := make(map[string]uint64)

	for name, handle := range e.registry.List("") {
		if !sub.Matches(name) {
			continue
		}
		current := e.builder.CurrentCycle(name)
		if current == 0 {
			continue
		}

		env, ok := e.snapshots.get(name, handle.Generation)
		if !ok || env.CycleID != current {
			fresh, err := e.buildFreshSnapshot(name)
			if err != nil {
				log.Warn().
					Err(err).
					Str("table", name).
					Str("subscriber", sub.ID).
					Msg("No current snapshot available for resynchronization")
				lastErr = err
				continue
			}
			env = fresh
		}

		replay = append(replay, env)
		covered[name] = env.CycleID
	}

	return replay, covered, lastErr
}

// Resnapshot forces a fresh snapshot cycle for a table, publishing it to
// every active subscriber. Boundary glue uses it for explicit snapshot
// requests from consumers.
func (e *Engine) Resnapshot(table string) (*bus.DeltaEnvelope, error) {
	if !e.running.Load() {
		return nil, bus.ErrEngineStopped
	}
	return e.buildFreshSnapshot(table)
}

// buildFreshSnapshot requests full state from the dataset and runs it
// through the builder, advancing the table's cycle like any other update.
// The resulting envelope is published to every active subscriber so the
// table's cycle sequence stays gap-free for all of them.
func (e *Engine) buildFreshSnapshot(table string) (*bus.DeltaEnvelope, error) {
	if e.snapSource == nil {
		return nil, errNoSnapshotSource
	}

	update, err := e.snapSource.RequestSnapshot(table).Get()
	if err != nil {
		return nil, err
	}
	update.IsSnapshot = true

	env, err := e.builder.Build(table, update)
	if err != nil {
		return nil, err
	}

	e.Publish(env)
	return env, nil
}
