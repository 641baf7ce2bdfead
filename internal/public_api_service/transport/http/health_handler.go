package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const serviceDisplayName = "SMS REST API"

var timeNow = time.Now

// HealthReporter exposes the gateway state shown on /health.
type HealthReporter interface {
	DeviceAvailable() bool
	QueueDepth() int
}

type HealthHandler struct {
	reporter HealthReporter
	logger   *slog.Logger
}

func NewHealthHandler(reporter HealthReporter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{reporter: reporter, logger: logger.With("handler", "health")}
}

func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
}

// handleHealth always answers 200; a missing device only degrades the status.
func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	available := h.reporter.DeviceAvailable()
	status := "healthy"
	if !available {
		status = "degraded"
	}
	resp := HealthResponse{
		Status:          status,
		Service:         serviceDisplayName,
		Timestamp:       formatTimestamp(timeNow()),
		DeviceAvailable: available,
		QueueDepth:      h.reporter.QueueDepth(),
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}
