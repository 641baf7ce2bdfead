package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the public API. authMW guards every message route;
// /health is open.
func NewRouter(messages *MessageHandler, health *HealthHandler, authMW func(http.Handler) http.Handler, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))
	r.Use(PrometheusMetricsMiddleware)

	health.RegisterRoutes(r)

	r.Group(func(protected chi.Router) {
		protected.Use(authMW)
		messages.RegisterRoutes(protected)
	})
	return r
}
