package admin

import (
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/deltabus/deltabus/bus"
)

// Router builds the chi router for the admin API. The caller mounts it;
// typically the bus server strips /admin before dispatching here.
func Router(handlers *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(authMiddleware)

	r.Get("/health", handlers.handleHealth)

	r.Route("/tables", func(r chi.Router) {
		r.Get("/", handlers.handleListTables)
		r.Get("/{table}", handlers.handleTable)
		r.Post("/{table}/snapshot", handlers.handleSnapshot)
	})

	r.Route("/subscribers", func(r chi.Router) {
		r.Get("/", handlers.handleListSubscribers)
		r.Get("/{subscriberID}", handlers.handleSubscriber)
		r.Delete("/{subscriberID}", handlers.handleEvictSubscriber)
	})

	return r
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"status":      "ok",
		"tables":      len(h.registry.List("")),
		"subscribers": h.engine.Subscriptions().Len(),
		"uptime_sec":  int64(h.uptime().Seconds()),
	})
}

func (h *Handlers) handleListTables(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	handles := h.registry.List(prefix)
	views := make([]tableView, 0, len(handles))
	for _, handle := range handles {
		views = append(views, h.tableView(handle))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })

	writeJSONResponse(w, views)
}

func (h *Handlers) handleTable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "table")

	handle, ok := h.registry.Get(name)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "table not registered: "+name)
		return
	}

	writeJSONResponse(w, h.tableView(handle))
}

func (h *Handlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "table")

	env, err := h.engine.Resnapshot(name)
	if err != nil {
		status := http.StatusInternalServerError
		var unknown *bus.UnknownTableError
		switch {
		case errors.As(err, &unknown):
			status = http.StatusNotFound
		case errors.Is(err, bus.ErrEngineStopped):
			status = http.StatusServiceUnavailable
		}
		writeErrorResponse(w, status, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"table":     env.TableName,
		"cycle_id":  env.CycleID,
		"watermark": formatTimestamp(env.WatermarkTS),
		"rows":      env.RowCount(),
	})
}

func (h *Handlers) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	subs := h.engine.Subscriptions().All()
	views := make([]subscriberView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, subscriberView{
			ID:         sub.ID,
			State:      sub.State().String(),
			Patterns:   sub.Filter().Patterns(),
			QueueDepth: sub.Queue.Len(),
			Cursors:    sub.Cursors(),
		})
	}

	writeJSONResponse(w, views)
}

func (h *Handlers) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriberID")

	sub, ok := h.engine.Subscriptions().Get(id)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "subscriber not found: "+id)
		return
	}

	writeJSONResponse(w, subscriberView{
		ID:         sub.ID,
		State:      sub.State().String(),
		Patterns:   sub.Filter().Patterns(),
		QueueDepth: sub.Queue.Len(),
		Cursors:    sub.Cursors(),
	})
}

func (h *Handlers) handleEvictSubscriber(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriberID")

	if _, ok := h.engine.Subscriptions().Get(id); !ok {
		writeErrorResponse(w, http.StatusNotFound, "subscriber not found: "+id)
		return
	}

	h.engine.Detach(id, "admin_evict")
	writeJSONResponse(w, map[string]interface{}{"evicted": id})
}
