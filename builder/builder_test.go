package builder

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/encoding"
	"github.com/deltabus/deltabus/hlc"
	"github.com/deltabus/deltabus/id"
	"github.com/deltabus/deltabus/registry"
)

func newTestBuilder(t *testing.T, allowRedefinition bool) (*DeltaBuilder, *registry.TableRegistry) {
	t.Helper()
	reg := registry.New(allowRedefinition)
	clock := hlc.NewClock(1)
	lineage := id.NewHLCLineageGenerator(clock, "test-session")
	return New(reg, clock, lineage, 0), reg
}

func addedRows(values ...map[string]string) []bus.RawRow {
	rows := make([]bus.RawRow, 0, len(values))
	for _, v := range values {
		rows = append(rows, bus.RawRow{Values: v})
	}
	return rows
}

func TestBuild_CycleIDsIncrementWithoutGaps(t *testing.T) {
	b, reg := newTestBuilder(t, false)
	if _, err := reg.Register("orders", "v1", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for want := uint64(1); want <= 50; want++ {
		env, err := b.Build("orders", bus.RawUpdate{
			Added: addedRows(map[string]string{"id": "1"}),
		})
		if err != nil {
			t.Fatalf("Build %d failed: %v", want, err)
		}
		if env.CycleID != want {
			t.Fatalf("CycleID = %d, want %d", env.CycleID, want)
		}
	}

	if got := b.CurrentCycle("orders"); got != 50 {
		t.Errorf("CurrentCycle = %d, want 50", got)
	}
}

func TestBuild_UnknownTable(t *testing.T) {
	b, _ := newTestBuilder(t, false)

	_, err := b.Build("ghost", bus.RawUpdate{})
	if err == nil {
		t.Fatal("Expected error for unregistered table")
	}

	var unknown *bus.UnknownTableError
	if !errors.As(err, &unknown) || unknown.Table != "ghost" {
		t.Fatalf("Expected UnknownTableError for ghost, got %v", err)
	}
	if !errors.Is(err, bus.ErrUnknownTable) {
		t.Error("Error should unwrap to ErrUnknownTable")
	}
}

func TestBuild_SchemaMismatch(t *testing.T) {
	b, reg := newTestBuilder(t, false)
	if _, err := reg.Register("orders", "v1", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := b.Build("orders", bus.RawUpdate{SchemaVersion: "v2"})
	var mismatch *bus.SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected SchemaMismatchError, got %v", err)
	}
	if mismatch.Registered != "v1" || mismatch.Supplied != "v2" {
		t.Errorf("Mismatch detail wrong: %+v", mismatch)
	}

	// Failed build must not advance sequencing
	if got := b.CurrentCycle("orders"); got != 0 {
		t.Errorf("CurrentCycle after failed build = %d, want 0", got)
	}

	// Empty schema version on the update means "trust the registration"
	env, err := b.Build("orders", bus.RawUpdate{Added: addedRows(map[string]string{"id": "1"})})
	if err != nil {
		t.Fatalf("Build without schema version failed: %v", err)
	}
	if env.SchemaVersion != "v1" {
		t.Errorf("Envelope schema = %q, want v1", env.SchemaVersion)
	}
}

func TestBuild_WatermarkNeverRegresses(t *testing.T) {
	b, reg := newTestBuilder(t, false)
	if _, err := reg.Register("orders", "v1", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	first, err := b.Build("orders", bus.RawUpdate{WatermarkTS: 1000})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if first.WatermarkTS != 1000 {
		t.Fatalf("WatermarkTS = %d, want 1000", first.WatermarkTS)
	}

	// Regressing input is clamped to the previous watermark
	second, err := b.Build("orders", bus.RawUpdate{WatermarkTS: 500})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if second.WatermarkTS != 1000 {
		t.Errorf("Regressing watermark should clamp to 1000, got %d", second.WatermarkTS)
	}
	// Clamping must not block the cycle sequence
	if second.CycleID != 2 {
		t.Errorf("CycleID = %d, want 2", second.CycleID)
	}

	third, err := b.Build("orders", bus.RawUpdate{WatermarkTS: 2000})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if third.WatermarkTS != 2000 {
		t.Errorf("Advancing watermark should pass through, got %d", third.WatermarkTS)
	}
}

func TestBuild_ZeroWatermarkDerivedFromClock(t *testing.T) {
	b, reg := newTestBuilder(t, false)
	if _, err := reg.Register("orders", "v1", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	env, err := b.Build("orders", bus.RawUpdate{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if env.WatermarkTS == 0 {
		t.Error("Zero input watermark should be replaced by clock time")
	}
}

func TestBuild_SnapshotForcesEmptyRemovalsAndModifications(t *testing.T) {
	b, reg := newTestBuilder(t, false)
	if _, err := reg.Register("orders", "v1", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	env, err := b.Build("orders", bus.RawUpdate{
		IsSnapshot:  true,
		Added:       addedRows(map[string]string{"id": "1"}, map[string]string{"id": "2"}),
		RemovedKeys: []string{"stale"},
		Modified:    addedRows(map[string]string{"id": "3"}),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if !env.IsSnapshot {
		t.Error("Envelope should be marked as snapshot")
	}
	if len(env.Added) != 2 {
		t.Errorf("Added = %d rows, want 2", len(env.Added))
	}
	if len(env.RemovedKeys) != 0 || len(env.Modified) != 0 {
		t.Errorf("Snapshot must carry no removals/modifications: %d/%d",
			len(env.RemovedKeys), len(env.Modified))
	}
}

func TestBuild_LineageTokensUnique(t *testing.T) {
	b, reg := newTestBuilder(t, false)
	if _, err := reg.Register("orders", "v1", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		env, err := b.Build("orders", bus.RawUpdate{})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if env.LineageToken == "" {
			t.Fatal("LineageToken should not be empty")
		}
		if _, ok := seen[env.LineageToken]; ok {
			t.Fatalf("Duplicate lineage token: %s", env.LineageToken)
		}
		seen[env.LineageToken] = struct{}{}
	}
}

func TestBuild_BatchThresholdSplitsVariants(t *testing.T) {
	b, reg := newTestBuilder(t, false)
	if _, err := reg.Register("orders", "v1", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	small := map[string]string{"id": "1"}
	big := map[string]string{"id": "2", "blob": strings.Repeat("x", DefaultBatchThreshold+1)}

	env, err := b.Build("orders", bus.RawUpdate{Added: addedRows(small, big)})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(env.Added) != 2 {
		t.Fatalf("Added = %d rows, want 2", len(env.Added))
	}

	if env.Added[0].IsBatch() {
		t.Error("Small row should be scalar")
	}
	if !env.Added[1].IsBatch() {
		t.Error("Oversized row should be a binary batch")
	}

	// Both variants resolve to the same semantic row
	decoded, err := encoding.DecodeRow(env.Added[1])
	if err != nil {
		t.Fatalf("DecodeRow failed: %v", err)
	}
	if decoded["id"] != "2" || decoded["blob"] != big["blob"] {
		t.Error("Batch variant did not round-trip losslessly")
	}
}

func TestBuild_RedefinitionResetsCycles(t *testing.T) {
	b, reg := newTestBuilder(t, true)
	if _, err := reg.Register("orders", "v1", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := b.Build("orders", bus.RawUpdate{}); err != nil {
			t.Fatalf("Build failed: %v", err)
		}
	}
	if got := b.CurrentCycle("orders"); got != 3 {
		t.Fatalf("CurrentCycle = %d, want 3", got)
	}

	// Redefinition re-bases sequencing to zero
	if _, err := reg.Register("orders", "v2", nil); err != nil {
		t.Fatalf("Redefinition failed: %v", err)
	}

	env, err := b.Build("orders", bus.RawUpdate{})
	if err != nil {
		t.Fatalf("Build after redefinition failed: %v", err)
	}
	if env.CycleID != 1 {
		t.Errorf("CycleID after redefinition = %d, want 1", env.CycleID)
	}
	if env.SchemaVersion != "v2" {
		t.Errorf("SchemaVersion = %q, want v2", env.SchemaVersion)
	}
}

func TestBuild_IndependentTablesSequenceIndependently(t *testing.T) {
	b, reg := newTestBuilder(t, false)
	for _, name := range []string{"orders", "trades"} {
		if _, err := reg.Register(name, "v1", nil); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		if _, err := b.Build("orders", bus.RawUpdate{}); err != nil {
			t.Fatalf("Build failed: %v", err)
		}
	}
	env, err := b.Build("trades", bus.RawUpdate{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if env.CycleID != 1 {
		t.Errorf("trades CycleID = %d, want 1", env.CycleID)
	}
}

func TestBuild_ConcurrentSameTable(t *testing.T) {
	b, reg := newTestBuilder(t, false)
	if _, err := reg.Register("orders", "v1", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	const goroutines = 8
	const perGoroutine = 50

	var mu sync.Mutex
	cycles := make(map[uint64]struct{})
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				env, err := b.Build("orders", bus.RawUpdate{})
				if err != nil {
					t.Errorf("Build failed: %v", err)
					return
				}
				mu.Lock()
				if _, ok := cycles[env.CycleID]; ok {
					t.Errorf("Duplicate cycle id %d", env.CycleID)
				}
				cycles[env.CycleID] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Exactly goroutines*perGoroutine distinct cycles, no gaps
	total := uint64(goroutines * perGoroutine)
	if uint64(len(cycles)) != total {
		t.Fatalf("Distinct cycles = %d, want %d", len(cycles), total)
	}
	for c := uint64(1); c <= total; c++ {
		if _, ok := cycles[c]; !ok {
			t.Fatalf("Gap in cycle sequence at %d", c)
		}
	}
}

func BenchmarkBuild(b *testing.B) {
	reg := registry.New(false)
	clock := hlc.NewClock(1)
	lineage := id.NewHLCLineageGenerator(clock, "bench")
	bld := New(reg, clock, lineage, 0)
	if _, err := reg.Register("orders", "v1", nil); err != nil {
		b.Fatal(err)
	}

	update := bus.RawUpdate{
		Added: addedRows(
			map[string]string{"id": "1", "qty": "10"},
			map[string]string{"id": "2", "qty": "20"},
		),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bld.Build("orders", update)
	}
}
