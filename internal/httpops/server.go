// Package httpops serves the small ops HTTP surface — liveness and
// Prometheus metrics — that both daemons expose alongside their binary
// protocol listener.
package httpops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Tarsnap/kivaloo-sub001/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the daemon is ready to serve traffic.
type HealthFunc func() error

// New builds the ops HTTP server. registry is the daemon-specific
// Prometheus registry from internal/obsmetrics; health is polled on
// every /healthz request.
func New(addr string, registry *prometheus.Registry, health HealthFunc) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := health(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Shutdown gracefully stops srv, giving in-flight requests up to the
// provided context's deadline to finish.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
