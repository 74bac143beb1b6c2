// Package api exposes the diagnostics surface: health, per-class
// admission stats, and the current collection snapshot. Runtime health
// monitoring only - none of this is part of the engine's correctness
// contract.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/engine"
	"github.com/recivo/notifyd/internal/notify"
)

// Engine is the slice of the engine the handlers consume.
type Engine interface {
	Snapshot() notify.View
	Stats() []engine.ClassStats
	ResetStats()
}

// SourceState reports the supervisor's connection state.
type SourceState interface {
	State() string
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the diagnostics handlers.
type Handler struct {
	logger *zap.Logger
	eng    Engine
	state  func() string
}

// NewHandler creates a diagnostics handler. stateFn may be nil when no
// supervisor is running.
func NewHandler(logger *zap.Logger, eng Engine, stateFn func() string) *Handler {
	return &Handler{logger: logger, eng: eng, state: stateFn}
}

// Routes mounts the diagnostics endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/v1/stats", h.Stats)
	r.Post("/v1/stats/reset", h.ResetStats)
	r.Get("/v1/notifications", h.Notifications)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.state != nil {
		resp["source"] = h.state()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"classes": h.eng.Stats(),
	})
}

// ResetStats handles POST /v1/stats/reset.
func (h *Handler) ResetStats(w http.ResponseWriter, r *http.Request) {
	h.eng.ResetStats()
	h.logger.Info("admission stats reset via api")
	w.WriteHeader(http.StatusNoContent)
}

// Notifications handles GET /v1/notifications: the current reconciled
// collection snapshot.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.eng.Snapshot())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
