package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/veranemoloko/tilesweep/internal/domain"
	apperrors "github.com/veranemoloko/tilesweep/internal/errors"
)

// StatusServiceI defines the read-only progress queries the API serves.
type StatusServiceI interface {
	ListJobs(ctx context.Context) ([]domain.JobStatusResponse, error)
	GetJob(ctx context.Context, name string) (domain.JobStatusResponse, error)
}

// JobHandler handles HTTP requests for job progress.
type JobHandler struct {
	statusService StatusServiceI
	logger        *slog.Logger
}

// NewJobHandler creates a new JobHandler with the provided service and logger.
func NewJobHandler(statusService StatusServiceI, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		statusService: statusService,
		logger:        logger,
	}
}

// ListJobs handles GET /jobs.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.statusService.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /jobs/{name}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	job, err := h.statusService.GetJob(r.Context(), name)
	if errors.Is(err, apperrors.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", "job", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
