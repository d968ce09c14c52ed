package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/veranemoloko/tilesweep/internal/domain"
	apperrors "github.com/veranemoloko/tilesweep/internal/errors"
	repo "github.com/veranemoloko/tilesweep/internal/repository"
	"github.com/veranemoloko/tilesweep/internal/tiles"
)

// StatusService answers read-only progress queries. It never touches the
// archives, so it is safe to use while the scheduler runs.
type StatusService struct {
	repo  repo.ProgressRepo
	jobs  []domain.MapJob
	sizes map[string]int64
}

func NewStatusService(progressRepo repo.ProgressRepo, jobs []domain.MapJob) *StatusService {
	sizes := make(map[string]int64, len(jobs))
	for _, job := range jobs {
		if pyr, err := tiles.ForJob(job); err == nil {
			sizes[job.Name] = pyr.Count()
		}
	}
	return &StatusService{repo: progressRepo, jobs: jobs, sizes: sizes}
}

// ListJobs returns the status of every configured job in rotation order.
func (s *StatusService) ListJobs(ctx context.Context) ([]domain.JobStatusResponse, error) {
	state, err := s.repo.GetSchedulerState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduler state: %w", err)
	}

	out := make([]domain.JobStatusResponse, 0, len(s.jobs))
	for _, job := range s.jobs {
		resp, err := s.status(ctx, job, state.CurrentJob)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

// GetJob returns the status of one job or ErrJobNotFound.
func (s *StatusService) GetJob(ctx context.Context, name string) (domain.JobStatusResponse, error) {
	state, err := s.repo.GetSchedulerState(ctx)
	if err != nil {
		return domain.JobStatusResponse{}, fmt.Errorf("failed to read scheduler state: %w", err)
	}

	for _, job := range s.jobs {
		if job.Name == name {
			return s.status(ctx, job, state.CurrentJob)
		}
	}
	return domain.JobStatusResponse{}, apperrors.ErrJobNotFound
}

func (s *StatusService) status(ctx context.Context, job domain.MapJob, current string) (domain.JobStatusResponse, error) {
	resp := domain.JobStatusResponse{
		Name:        job.Name,
		DisplayName: job.DisplayName,
		Archive:     job.ArchivePath,
		Status:      domain.StatusIdle,
		Current:     job.Name == current,
		SweepSize:   s.sizes[job.Name],
	}

	rec, err := s.repo.GetProgress(ctx, job.Name)
	switch {
	case errors.Is(err, apperrors.ErrJobNotFound):
		return resp, nil
	case err != nil:
		return domain.JobStatusResponse{}, fmt.Errorf("failed to read progress of %s: %w", job.Name, err)
	}

	resp.Status = rec.Status
	resp.Cursor = rec.Cursor
	resp.Generation = rec.Generation
	resp.SweepTiles = rec.SweepTiles
	resp.TotalTiles = rec.TotalTiles
	resp.LastError = rec.LastError
	resp.UpdatedAt = rec.UpdatedAt
	return resp, nil
}
