package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/engine"
	"github.com/recivo/notifyd/internal/notify"
)

// mockEngine is a fake engine for handler tests.
type mockEngine struct {
	view        notify.View
	stats       []engine.ClassStats
	resetCalled bool
}

func (m *mockEngine) Snapshot() notify.View      { return m.view }
func (m *mockEngine) Stats() []engine.ClassStats { return m.stats }
func (m *mockEngine) ResetStats()                { m.resetCalled = true }

func newTestRouter(eng *mockEngine, stateFn func() string) chi.Router {
	h := NewHandler(zap.NewNop(), eng, stateFn)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&mockEngine{}, func() string { return "connected" })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v", resp["status"])
	}
	if resp["source"] != "connected" {
		t.Errorf("source = %v", resp["source"])
	}
}

func TestHealth_WithoutSupervisor(t *testing.T) {
	r := newTestRouter(&mockEngine{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if _, ok := resp["source"]; ok {
		t.Error("source should be omitted without a supervisor")
	}
}

func TestStats(t *testing.T) {
	eng := &mockEngine{
		stats: []engine.ClassStats{
			{Class: "insert", Admitted: 10, Blocked: 2, CircuitOpen: false},
			{Class: "mutation:mark_read", Admitted: 3, CircuitOpen: true},
		},
	}
	r := newTestRouter(eng, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Classes []engine.ClassStats `json:"classes"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Classes) != 2 {
		t.Fatalf("classes = %d", len(resp.Classes))
	}
	if resp.Classes[0].Class != "insert" || resp.Classes[0].Admitted != 10 {
		t.Errorf("first class = %+v", resp.Classes[0])
	}
	if !resp.Classes[1].CircuitOpen {
		t.Error("expected circuit_open on mutation class")
	}
}

func TestResetStats(t *testing.T) {
	eng := &mockEngine{}
	r := newTestRouter(eng, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/stats/reset", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if !eng.resetCalled {
		t.Error("expected ResetStats to be called on the engine")
	}
}

func TestNotifications(t *testing.T) {
	readAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := &mockEngine{
		view: notify.View{
			Records: []*notify.Record{
				{ID: "a", Title: "hello", Priority: notify.PriorityHigh},
				{ID: "b", Title: "old", ReadAt: &readAt},
			},
			UnreadCount: 1,
			Connected:   true,
		},
	}
	r := newTestRouter(eng, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view notify.View
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(view.Records) != 2 {
		t.Fatalf("records = %d", len(view.Records))
	}
	if view.UnreadCount != 1 {
		t.Errorf("unread = %d", view.UnreadCount)
	}
	if !view.Connected {
		t.Error("expected connected")
	}
	if view.Records[1].ReadAt == nil {
		t.Error("read_at lost in serialization")
	}
}
