package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"kv-cache-service/internal/metrics"

	"github.com/go-chi/chi/v5"
)

// statusRecorder wraps http.ResponseWriter to capture response status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware collects Prometheus metrics for each HTTP request. Paths
// are labelled with the matched route pattern so that keys do not end up in
// label values.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, req)
		duration := time.Since(start).Seconds()

		path := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		metrics.HTTPRequestsTotal.WithLabelValues(path, req.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(path, req.Method).Observe(duration)
	})
}
