package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the read-only status router: job progress, health check
// and the Prometheus metrics endpoint.
func NewRouter(statusService StatusServiceI, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	jobHandler := NewJobHandler(statusService, logger)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", jobHandler.ListJobs)
		r.Get("/{name}", jobHandler.GetJob)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
