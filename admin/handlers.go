// Package admin exposes a read-mostly HTTP API over the bus's runtime state:
// registered tables, sequencing positions, and live subscribers. It is an
// operator surface, not a consumer path.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deltabus/deltabus/builder"
	"github.com/deltabus/deltabus/engine"
	"github.com/deltabus/deltabus/registry"
)

// Handlers serves the admin API endpoints.
type Handlers struct {
	registry *registry.TableRegistry
	builder  *builder.DeltaBuilder
	engine   *engine.Engine
	started  time.Time
}

// NewHandlers creates a Handlers instance over the bus components.
func NewHandlers(reg *registry.TableRegistry, bld *builder.DeltaBuilder, eng *engine.Engine) *Handlers {
	return &Handlers{
		registry: reg,
		builder:  bld,
		engine:   eng,
		started:  time.Now(),
	}
}

// tableView is the JSON shape of one registered table.
type tableView struct {
	Name          string         `json:"name"`
	SchemaVersion string         `json:"schema_version"`
	Generation    uint64         `json:"generation"`
	CurrentCycle  uint64         `json:"current_cycle"`
	LastWatermark string         `json:"last_watermark,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// subscriberView is the JSON shape of one live subscriber.
type subscriberView struct {
	ID         string            `json:"id"`
	State      string            `json:"state"`
	Patterns   []string          `json:"patterns"`
	QueueDepth int               `json:"queue_depth"`
	Cursors    map[string]uint64 `json:"cursors,omitempty"`
}

func (h *Handlers) tableView(handle *registry.TableHandle) tableView {
	return tableView{
		Name:          handle.Name,
		SchemaVersion: handle.SchemaVersion,
		Generation:    handle.Generation,
		CurrentCycle:  h.builder.CurrentCycle(handle.Name),
		LastWatermark: formatTimestamp(h.builder.LastWatermark(handle.Name)),
		Metadata:      handle.Metadata(),
	}
}

func (h *Handlers) uptime() time.Duration {
	return time.Since(h.started)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// formatTimestamp converts nanoseconds to ISO 8601 string
func formatTimestamp(nanos int64) string {
	if nanos == 0 {
		return ""
	}
	return time.Unix(0, nanos).UTC().Format(time.RFC3339Nano)
}
