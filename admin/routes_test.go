package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deltabus/deltabus/builder"
	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/cfg"
	"github.com/deltabus/deltabus/engine"
	"github.com/deltabus/deltabus/hlc"
	"github.com/deltabus/deltabus/id"
	"github.com/deltabus/deltabus/registry"
)

func newTestAPI(t *testing.T) (http.Handler, *registry.TableRegistry, *builder.DeltaBuilder, *engine.Engine) {
	t.Helper()

	reg := registry.New(true)
	clock := hlc.NewClock(1)
	bld := builder.New(reg, clock, id.NewHLCLineageGenerator(clock, "admin-test"), 0)
	eng, err := engine.New(engine.Config{}, reg, bld)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	eng.Start()
	t.Cleanup(eng.Stop)

	return Router(NewHandlers(reg, bld, eng)), reg, bld, eng
}

func doRequest(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var wrapper struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &wrapper); err != nil {
		t.Fatalf("Failed to decode response: %v (%s)", err, rec.Body.String())
	}
	if wrapper.Error != "" {
		t.Fatalf("Unexpected error response: %s", wrapper.Error)
	}
	if err := json.Unmarshal(wrapper.Data, out); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler, reg, _, _ := newTestAPI(t)
	if _, err := reg.Register("orders", "v1", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	rec := doRequest(t, handler, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", rec.Code)
	}

	var health map[string]interface{}
	decodeData(t, rec, &health)
	if health["status"] != "ok" {
		t.Errorf("status = %v, want ok", health["status"])
	}
	if health["tables"] != float64(1) {
		t.Errorf("tables = %v, want 1", health["tables"])
	}
}

func TestListTables(t *testing.T) {
	handler, reg, bld, _ := newTestAPI(t)
	if _, err := reg.Register("orders", "v2", map[string]any{"source": "oms"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := bld.Build("orders", bus.RawUpdate{WatermarkTS: 1_700_000_000_000_000_000}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	rec := doRequest(t, handler, http.MethodGet, "/tables/")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", rec.Code)
	}

	var tables []map[string]interface{}
	decodeData(t, rec, &tables)
	if len(tables) != 1 {
		t.Fatalf("Tables = %d, want 1", len(tables))
	}
	if tables[0]["name"] != "orders" || tables[0]["schema_version"] != "v2" {
		t.Errorf("Table view mismatch: %v", tables[0])
	}
	if tables[0]["current_cycle"] != float64(1) {
		t.Errorf("current_cycle = %v, want 1", tables[0]["current_cycle"])
	}
	if tables[0]["last_watermark"] == "" {
		t.Error("last_watermark should be formatted")
	}
}

func TestGetTable_NotFound(t *testing.T) {
	handler, _, _, _ := newTestAPI(t)

	rec := doRequest(t, handler, http.MethodGet, "/tables/ghost")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", rec.Code)
	}
}

func TestSnapshotEndpoint_UnknownTable(t *testing.T) {
	handler, _, _, _ := newTestAPI(t)

	rec := doRequest(t, handler, http.MethodPost, "/tables/ghost/snapshot")
	// No snapshot source is wired and the table is unknown; either way the
	// endpoint must not 200
	if rec.Code == http.StatusOK {
		t.Errorf("Status = %d, want error", rec.Code)
	}
}

func TestListSubscribers(t *testing.T) {
	handler, _, _, eng := newTestAPI(t)

	if _, err := eng.Subscriptions().Subscribe("sub-1", "conn-1", []string{"orders"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	rec := doRequest(t, handler, http.MethodGet, "/subscribers/")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", rec.Code)
	}

	var subs []map[string]interface{}
	decodeData(t, rec, &subs)
	if len(subs) != 1 {
		t.Fatalf("Subscribers = %d, want 1", len(subs))
	}
	if subs[0]["id"] != "sub-1" || subs[0]["state"] != "CONNECTING" {
		t.Errorf("Subscriber view mismatch: %v", subs[0])
	}
}

func TestEvictSubscriber(t *testing.T) {
	handler, _, _, eng := newTestAPI(t)

	if _, err := eng.Subscriptions().Subscribe("sub-1", "conn-1", nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	rec := doRequest(t, handler, http.MethodDelete, "/subscribers/sub-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", rec.Code)
	}
	if _, ok := eng.Subscriptions().Get("sub-1"); ok {
		t.Error("Evicted subscriber should be removed")
	}

	rec = doRequest(t, handler, http.MethodDelete, "/subscribers/sub-1")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Second evict status = %d, want 404", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	original := cfg.Config.Admin.AuthSecret
	defer func() { cfg.Config.Admin.AuthSecret = original }()
	cfg.Config.Admin.AuthSecret = "hunter2"

	handler, _, _, _ := newTestAPI(t)

	// Missing credentials
	rec := doRequest(t, handler, http.MethodGet, "/health")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status without secret = %d, want 401", rec.Code)
	}

	// Wrong secret
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Bus-Secret", "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status with wrong secret = %d, want 401", rec.Code)
	}

	// Header secret
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Bus-Secret", "hunter2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Status with secret = %d, want 200", rec.Code)
	}

	// Bearer token
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Status with bearer token = %d, want 200", rec.Code)
	}
}
