// Package httptransport is the operational HTTP surface of the pipeline:
// health, metrics, projector status, and the websocket notification endpoint.
// It carries no business logic.
package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ripple/internal/projector"
)

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// StatusReporter exposes one projector runner's operational snapshot.
type StatusReporter interface {
	Status(ctx context.Context) projector.Status
}

// Handler holds the dependencies the operational endpoints read from.
type Handler struct {
	health    HealthChecker
	reporters []StatusReporter
	notify    http.Handler
	logger    *slog.Logger
}

func NewHandler(health HealthChecker, reporters []StatusReporter, notify http.Handler, logger *slog.Logger) *Handler {
	return &Handler{health: health, reporters: reporters, notify: notify, logger: logger}
}

// NewRouter wires all endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Get("/status", h.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if h.notify != nil {
		r.Handle("/ws", h.notify)
	}
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Health(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports per-group lag and last error, the signals external
// monitoring alerts on.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make([]projector.Status, 0, len(h.reporters))
	for _, rep := range h.reporters {
		statuses = append(statuses, rep.Status(r.Context()))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projectors": statuses})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
