// Package registry resolves logical table names to schema-versioned
// handles. Read-mostly: fan-out and builder paths look handles up far more
// often than tables are (re)registered.
package registry

import (
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/notify"
)

// TableHandle is an immutable registration record for one table. Metadata
// may be replaced by the registering owner via UpdateMetadata; everything
// else is fixed at registration.
type TableHandle struct {
	Name          string
	SchemaVersion string
	// Generation increments on every overwrite of the same name. Builder
	// state is keyed by it, so redefinition re-bases cycle ids to zero.
	Generation uint64

	metadata atomic.Pointer[map[string]any]
}

// Metadata returns the current metadata map. Callers must not mutate it.
func (h *TableHandle) Metadata() map[string]any {
	m := h.metadata.Load()
	if m == nil {
		return nil
	}
	return *m
}

// UpdateMetadata replaces the handle's metadata wholesale.
func (h *TableHandle) UpdateMetadata(metadata map[string]any) {
	h.metadata.Store(&metadata)
}

// TableRegistry owns all table handles exclusively.
type TableRegistry struct {
	tables            *xsync.MapOf[string, *TableHandle]
	generation        atomic.Uint64
	allowRedefinition bool
	events            *notify.Hub
}

// New creates an empty registry. When allowRedefinition is false,
// registering an existing name fails with DuplicateTableError instead of
// superseding the old handle.
func New(allowRedefinition bool) *TableRegistry {
	return &TableRegistry{
		tables:            xsync.NewMapOf[string, *TableHandle](),
		allowRedefinition: allowRedefinition,
		events:            notify.NewHub(),
	}
}

// Watch subscribes to registration events. Callers must invoke the returned
// cancel function when done.
func (r *TableRegistry) Watch(filter notify.Filter) (<-chan notify.TableEvent, func()) {
	return r.events.Subscribe(filter)
}

// Register creates a handle for name, superseding any previous registration
// when redefinition is allowed. Superseding is a deliberate sequencing reset
// point: the returned handle carries a new generation and future cycle ids
// for the table restart from zero.
func (r *TableRegistry) Register(name, schemaVersion string, metadata map[string]any) (*TableHandle, error) {
	handle := &TableHandle{
		Name:          name,
		SchemaVersion: schemaVersion,
		Generation:    r.generation.Add(1),
	}
	handle.metadata.Store(&metadata)

	if r.allowRedefinition {
		if prev, loaded := r.tables.LoadAndStore(name, handle); loaded {
			log.Info().
				Str("table", name).
				Str("old_schema", prev.SchemaVersion).
				Str("new_schema", schemaVersion).
				Msg("Table redefined, cycle sequencing reset")
			r.events.Signal(notify.TableEvent{Table: name, Kind: notify.EventRedefined, Generation: handle.Generation})
		} else {
			r.events.Signal(notify.TableEvent{Table: name, Kind: notify.EventRegistered, Generation: handle.Generation})
		}
		return handle, nil
	}

	if _, loaded := r.tables.LoadOrStore(name, handle); loaded {
		return nil, &bus.DuplicateTableError{Table: name}
	}
	r.events.Signal(notify.TableEvent{Table: name, Kind: notify.EventRegistered, Generation: handle.Generation})
	return handle, nil
}

// Get looks a handle up by exact name.
func (r *TableRegistry) Get(name string) (*TableHandle, bool) {
	return r.tables.Load(name)
}

// List returns all handles whose name starts with prefix. An empty prefix
// returns everything.
func (r *TableRegistry) List(prefix string) map[string]*TableHandle {
	out := make(map[string]*TableHandle)
	r.tables.Range(func(name string, handle *TableHandle) bool {
		if strings.HasPrefix(name, prefix) {
			out[name] = handle
		}
		return true
	})
	return out
}

// Deregister removes a handle. Returns false if the name was not registered.
func (r *TableRegistry) Deregister(name string) bool {
	handle, loaded := r.tables.LoadAndDelete(name)
	if loaded {
		r.events.Signal(notify.TableEvent{Table: name, Kind: notify.EventDeregistered, Generation: handle.Generation})
	}
	return loaded
}
