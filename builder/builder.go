// Package builder converts raw dataset update notifications into immutable,
// lineage-tagged delta envelopes. It owns the per-table cycle and watermark
// counters, which are the single source of truth for sequencing.
package builder

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/encoding"
	"github.com/deltabus/deltabus/hlc"
	"github.com/deltabus/deltabus/id"
	"github.com/deltabus/deltabus/registry"
	"github.com/deltabus/deltabus/telemetry"
)

// DefaultBatchThreshold is the scalar payload size above which a row is
// carried as a binary batch. Tunable, not a wire contract.
const DefaultBatchThreshold = 4096

// tableState holds sequencing state for one table generation. The mutex
// serializes concurrent builds for the same table so cycle ids never
// duplicate or reorder.
type tableState struct {
	mu            sync.Mutex
	generation    uint64
	nextCycle     uint64
	lastWatermark int64
}

// DeltaBuilder builds envelopes for registered tables.
type DeltaBuilder struct {
	registry       *registry.TableRegistry
	clock          *hlc.Clock
	lineage        id.LineageGenerator
	batchThreshold int
	states         *xsync.MapOf[string, *tableState]
}

// New creates a builder. batchThreshold <= 0 selects DefaultBatchThreshold.
func New(reg *registry.TableRegistry, clock *hlc.Clock, lineage id.LineageGenerator, batchThreshold int) *DeltaBuilder {
	if batchThreshold <= 0 {
		batchThreshold = DefaultBatchThreshold
	}
	return &DeltaBuilder{
		registry:       reg,
		clock:          clock,
		lineage:        lineage,
		batchThreshold: batchThreshold,
		states:         xsync.NewMapOf[string, *tableState](),
	}
}

// Build converts one raw update for one table into exactly one envelope.
// On any error no envelope is emitted and no sequencing state advances.
func (b *DeltaBuilder) Build(tableName string, update bus.RawUpdate) (*bus.DeltaEnvelope, error) {
	start := time.Now()

	handle, ok := b.registry.Get(tableName)
	if !ok {
		telemetry.BuildErrorsTotal.With("unknown_table").Inc()
		return nil, &bus.UnknownTableError{Table: tableName}
	}

	if update.SchemaVersion != "" && update.SchemaVersion != handle.SchemaVersion {
		telemetry.BuildErrorsTotal.With("schema_mismatch").Inc()
		return nil, &bus.SchemaMismatchError{
			Table:      tableName,
			Registered: handle.SchemaVersion,
			Supplied:   update.SchemaVersion,
		}
	}

	state, _ := b.states.LoadOrStore(tableName, &tableState{generation: handle.Generation})

	state.mu.Lock()
	defer state.mu.Unlock()

	// Table was redefined since this state was created: re-base to zero.
	if state.generation != handle.Generation {
		state.generation = handle.Generation
		state.nextCycle = 0
		state.lastWatermark = 0
	}

	// Convert rows before touching counters so a conversion failure leaves
	// no half-built state behind.
	added, err := b.convertRows(update.Added)
	if err != nil {
		telemetry.BuildErrorsTotal.With("convert").Inc()
		return nil, err
	}

	var modified []bus.DeltaRow
	var removedKeys []string
	if update.IsSnapshot {
		// Snapshot envelopes carry full state in Added only; consumers
		// apply them from scratch.
		if len(update.RemovedKeys) > 0 || len(update.Modified) > 0 {
			log.Warn().
				Str("table", tableName).
				Int("removed", len(update.RemovedKeys)).
				Int("modified", len(update.Modified)).
				Msg("Snapshot update carried removals/modifications, ignoring them")
		}
	} else {
		modified, err = b.convertRows(update.Modified)
		if err != nil {
			telemetry.BuildErrorsTotal.With("convert").Inc()
			return nil, err
		}
		removedKeys = update.RemovedKeys
	}

	watermark := b.resolveWatermark(tableName, state, update.WatermarkTS)
	cycle := state.nextCycle + 1

	env := &bus.DeltaEnvelope{
		TableName:     tableName,
		SchemaVersion: handle.SchemaVersion,
		CycleID:       cycle,
		WatermarkTS:   watermark,
		LineageToken:  b.lineage.NextToken(tableName),
		IsSnapshot:    update.IsSnapshot,
		Added:         added,
		RemovedKeys:   removedKeys,
		Modified:      modified,
		Sidecar:       update.Sidecar,
		Compression:   update.Compression,
	}

	// Construction succeeded: advance sequencing state atomically with the
	// envelope emission.
	state.nextCycle = cycle
	state.lastWatermark = watermark

	kind := "incremental"
	if update.IsSnapshot {
		kind = "snapshot"
	}
	telemetry.EnvelopesBuiltTotal.With(tableName, kind).Inc()
	telemetry.EnvelopeRows.Observe(float64(env.RowCount()))
	telemetry.EnvelopeBuildSeconds.Observe(time.Since(start).Seconds())

	return env, nil
}

// resolveWatermark picks the new watermark: max(previous, supplied-or-clock).
// A regressing input is clamped to the previous watermark, logged, and
// counted; delivery is never blocked by it.
func (b *DeltaBuilder) resolveWatermark(tableName string, state *tableState, supplied int64) int64 {
	derived := supplied
	if derived == 0 {
		derived = b.clock.Now().WallTime
	}

	if derived < state.lastWatermark {
		log.Warn().
			Str("table", tableName).
			Int64("supplied", derived).
			Int64("previous", state.lastWatermark).
			Msg("Watermark regression, clamping to previous watermark")
		telemetry.WatermarkRegressionsTotal.Inc()
		return state.lastWatermark
	}
	return derived
}

// convertRows splits source rows into scalar and binary-batch variants.
// Both variants round-trip losslessly to the same semantic row.
func (b *DeltaBuilder) convertRows(rows []bus.RawRow) ([]bus.DeltaRow, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	out := make([]bus.DeltaRow, 0, len(rows))
	for _, row := range rows {
		size := 0
		for k, v := range row.Values {
			size += len(k) + len(v)
		}

		if size > b.batchThreshold {
			payload, err := encoding.MarshalRowBatch([]map[string]string{row.Values})
			if err != nil {
				return nil, err
			}
			out = append(out, bus.DeltaRow{BatchPayload: payload})
			continue
		}

		out = append(out, bus.DeltaRow{ScalarValues: row.Values})
	}
	return out, nil
}

// CurrentCycle returns the last emitted cycle id for a table, zero if none.
func (b *DeltaBuilder) CurrentCycle(tableName string) uint64 {
	state, ok := b.states.Load(tableName)
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.nextCycle
}

// LastWatermark returns the last emitted watermark for a table, zero if none.
func (b *DeltaBuilder) LastWatermark(tableName string) int64 {
	state, ok := b.states.Load(tableName)
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.lastWatermark
}
