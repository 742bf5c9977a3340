// Package ops serves the operational HTTP surface of the sender processes:
// liveness, readiness and Prometheus metrics.
package ops

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Pinger reports whether the pool could dispatch a send right now.
type Pinger interface {
	IsIdle() bool
}

// NewRouter creates a chi.Mux with the ops routes configured.
func NewRouter(pinger Pinger, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Get("/healthz", HealthzHandler())
	r.Get("/readyz", ReadyzHandler(pinger))
	r.Handle("/metrics", promhttp.Handler())

	log.Debug().Msg("ops router configured")
	return r
}

// HealthzHandler handles GET /healthz.
// Always returns 200 OK with {"status":"ok"}.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler handles GET /readyz.
// Reports 200 while the pool can dispatch immediately, 503 with a
// Retry-After header while every connection is busy.
func ReadyzHandler(pinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pinger != nil && !pinger.IsIdle() {
			w.Header().Set("Retry-After", "5")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "busy"})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
