package api

import (
	"net/http"
	"strconv"

	"github.com/openalpha/commodex/metrics"
)

// corsMiddleware applies permissive CORS headers; the deployment fronts the
// API with a gateway that narrows them.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware records request counts and latency per route.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades hijack the connection; wrapping the writer
		// breaks the upgrader.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.stats.RecordAPIRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status), timer.ElapsedMs())
	})
}

// routeLabel collapses path parameters so metric cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case len(path) > len("/v1/orders/") && path[:len("/v1/orders/")] == "/v1/orders/":
		return "/v1/orders/{id}"
	case len(path) > len("/v1/market/") && path[:len("/v1/market/")] == "/v1/market/":
		return "/v1/market/{contract}"
	default:
		return path
	}
}
