package repository

import (
	"context"

	"github.com/veranemoloko/tilesweep/internal/domain"
)

// ProgressRepo defines the interface for persisted sweep progress.
type ProgressRepo interface {
	GetProgress(ctx context.Context, job string) (*domain.ProgressRecord, error)
	SaveProgress(ctx context.Context, rec *domain.ProgressRecord) error
	ListProgress(ctx context.Context) ([]*domain.ProgressRecord, error)
	GetSchedulerState(ctx context.Context) (domain.SchedulerState, error)
	SaveSchedulerState(ctx context.Context, state domain.SchedulerState) error
}
