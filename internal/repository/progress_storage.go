package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/veranemoloko/tilesweep/internal/domain"
	errpkg "github.com/veranemoloko/tilesweep/internal/errors"
)

type stateFile struct {
	Scheduler domain.SchedulerState             `json:"scheduler"`
	Jobs      map[string]*domain.ProgressRecord `json:"jobs"`
}

// ProgressStorage keeps progress in memory and mirrors every change to a JSON
// state file. Writes go through a temporary file and a rename so a crash never
// leaves a truncated state behind.
type ProgressStorage struct {
	mu    sync.RWMutex
	state stateFile
	file  string
}

// NewProgressStorage creates a ProgressStorage and loads the state file if it exists.
func NewProgressStorage(filePath string) (*ProgressStorage, error) {
	repo := &ProgressStorage{
		state: stateFile{Jobs: make(map[string]*domain.ProgressRecord)},
		file:  filepath.Clean(filePath),
	}

	if err := repo.restore(); err != nil {
		return nil, fmt.Errorf("failed to load state from file: %w", err)
	}

	slog.Info("progress repository initialized", "file_path", repo.file, "jobs_count", len(repo.state.Jobs))
	return repo, nil
}

func (r *ProgressStorage) restore() error {
	if isFileNotExist(r.file) {
		slog.Info("state file does not exist, starting with empty state", "file_path", r.file)
		return nil
	}

	data, err := os.ReadFile(r.file)
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if len(data) == 0 {
		slog.Warn("state file is empty", "file_path", r.file)
		return nil
	}

	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to unmarshal state file: %w", err)
	}
	if st.Jobs == nil {
		st.Jobs = make(map[string]*domain.ProgressRecord)
	}
	r.state = st

	slog.Info("state loaded from file", "jobs_count", len(st.Jobs), "current_job", st.Scheduler.CurrentJob)
	return nil
}

func isFileNotExist(filePath string) bool {
	_, err := os.Stat(filePath)
	return os.IsNotExist(err)
}

// persist must be called with r.mu held.
func (r *ProgressStorage) persist() error {
	data, err := json.MarshalIndent(r.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempFile := r.file + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tempFile, r.file); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	slog.Debug("state saved to file", "jobs_count", len(r.state.Jobs), "file_path", r.file)
	return nil
}

// GetProgress returns a copy of the job's record or ErrJobNotFound.
func (r *ProgressStorage) GetProgress(ctx context.Context, job string) (*domain.ProgressRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	rec, exists := r.state.Jobs[job]
	r.mu.RUnlock()

	if !exists {
		return nil, errpkg.ErrJobNotFound
	}
	cp := *rec
	return &cp, nil
}

// SaveProgress stores the record and persists the state file.
func (r *ProgressStorage) SaveProgress(ctx context.Context, rec *domain.ProgressRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *rec
	cp.UpdatedAt = time.Now()
	r.state.Jobs[rec.Job] = &cp
	rec.UpdatedAt = cp.UpdatedAt

	if err := r.persist(); err != nil {
		return fmt.Errorf("failed to save state after updating %s: %w", rec.Job, err)
	}
	return nil
}

// ListProgress returns copies of all records ordered by job name.
func (r *ProgressStorage) ListProgress(ctx context.Context) ([]*domain.ProgressRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	out := make([]*domain.ProgressRecord, 0, len(r.state.Jobs))
	for _, rec := range r.state.Jobs {
		cp := *rec
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out, nil
}

// GetSchedulerState returns the persisted rotation position.
func (r *ProgressStorage) GetSchedulerState(ctx context.Context) (domain.SchedulerState, error) {
	if err := ctx.Err(); err != nil {
		return domain.SchedulerState{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Scheduler, nil
}

// SaveSchedulerState stores the rotation position and persists the state file.
func (r *ProgressStorage) SaveSchedulerState(ctx context.Context, state domain.SchedulerState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state.UpdatedAt = time.Now()
	r.state.Scheduler = state

	if err := r.persist(); err != nil {
		return fmt.Errorf("failed to save scheduler state: %w", err)
	}
	return nil
}
