package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_gateway",
			Name:      "http_requests_total",
			Help:      "Total number of API requests by route and status code.",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sms_gateway",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of API requests by route.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Route labels. The legacy and versioned paths of an endpoint share one label.
const (
	routeSend      = "send"
	routeStatus    = "status"
	routeHealth    = "health"
	routeUnmatched = "unmatched"
)

// routeLabel maps the matched chi pattern onto the gateway's route set.
func routeLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return routeUnmatched
	}
	switch rctx.RoutePattern() {
	case "/", "/api/v1/messages":
		return routeSend
	case "/status", "/api/v1/messages/{messageID}":
		return routeStatus
	case "/health":
		return routeHealth
	default:
		return routeUnmatched
	}
}

// PrometheusMetricsMiddleware records request counts and latencies per route.
func PrometheusMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := routeLabel(r)
		statusCode := ww.Status()
		if statusCode == 0 {
			statusCode = http.StatusOK
		}

		httpRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(statusCode)).Inc()
	})
}
