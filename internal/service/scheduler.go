package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veranemoloko/tilesweep/internal/domain"
	apperrors "github.com/veranemoloko/tilesweep/internal/errors"
	"github.com/veranemoloko/tilesweep/internal/mirror"
	"github.com/veranemoloko/tilesweep/internal/pacing"
	"github.com/veranemoloko/tilesweep/internal/progress"
	repo "github.com/veranemoloko/tilesweep/internal/repository"
	"github.com/veranemoloko/tilesweep/internal/retry"
	"github.com/veranemoloko/tilesweep/internal/tiles"
	"github.com/veranemoloko/tilesweep/internal/worker"
)

// ArchiveOpener opens the archive of a job for one activation.
type ArchiveOpener func(ctx context.Context, job domain.MapJob) (worker.TileArchive, error)

// Snapshotter copies a closed archive after a completed sweep.
type Snapshotter interface {
	Snapshot(archivePath string, generation int) (string, error)
}

// SchedulerConfig holds the rotation settings.
type SchedulerConfig struct {
	CheckpointInterval int
	// AbortCooldown is the number of rotation cycles after which an aborted
	// job is activated again; 1 means on the next rotation.
	AbortCooldown int
	// IdleDelay is slept when a whole cycle had nothing to activate.
	IdleDelay     time.Duration
	ShutdownGrace time.Duration
	Retry         retry.Config
	SessionID     uuid.UUID
}

// SchedulerDeps are the collaborators shared by all activations.
type SchedulerDeps struct {
	Repo      repo.ProgressRepo
	Fetcher   worker.Fetcher
	Open      ArchiveOpener
	Snapshots Snapshotter
	Clock     pacing.Clock
	Logger    *slog.Logger
}

// StepResult describes one scheduler step.
type StepResult struct {
	Job     string
	Skipped bool
	Run     worker.RunResult
}

type jobSlot struct {
	job     domain.MapJob
	pyramid *tiles.Pyramid
	rotator *mirror.Rotator
}

// Scheduler rotates through the configured jobs, one activation at a time.
type Scheduler struct {
	slots   []jobSlot
	deps    SchedulerDeps
	cfg     SchedulerConfig
	limiter *pacing.Limiter
	policy  *retry.Policy
	logger  *slog.Logger

	next            int
	restored        bool
	skippedInRow    int
	storageFailures int
}

// NewScheduler creates a Scheduler over jobs in rotation order.
func NewScheduler(jobs []domain.MapJob, deps SchedulerDeps, cfg SchedulerConfig) (*Scheduler, error) {
	if len(jobs) == 0 {
		return nil, apperrors.ErrNoJobs
	}
	if deps.Clock == nil {
		deps.Clock = pacing.RealClock()
	}

	slots := make([]jobSlot, 0, len(jobs))
	for _, job := range jobs {
		pyr, err := tiles.ForJob(job)
		if err != nil {
			return nil, fmt.Errorf("%w: job %s: %v", apperrors.ErrConfiguration, job.Name, err)
		}
		rot, err := mirror.NewRotator(job.Mirrors)
		if err != nil {
			return nil, fmt.Errorf("%w: job %s: %v", apperrors.ErrConfiguration, job.Name, err)
		}
		slots = append(slots, jobSlot{job: job, pyramid: pyr, rotator: rot})
	}

	return &Scheduler{
		slots:   slots,
		deps:    deps,
		cfg:     cfg,
		limiter: pacing.NewLimiter(deps.Clock),
		policy:  retry.NewPolicy(cfg.Retry),
		logger:  deps.Logger,
	}, nil
}

// Run steps through the rotation until ctx is cancelled or every job failed
// on storage in a row. Cancellation is not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "jobs", len(s.slots))
	for {
		if _, err := s.Step(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("scheduler stopped")
				return nil
			}
			return err
		}
	}
}

// Step runs a single activation of the job whose turn it is and advances the
// rotation. An interrupted activation does not advance, so the same job
// resumes first on the next start.
func (s *Scheduler) Step(ctx context.Context) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if !s.restored {
		if err := s.restore(ctx); err != nil {
			return StepResult{}, err
		}
	}

	slot := s.slots[s.next]
	logger := s.logger.With("job", slot.job.Name)

	tracker, err := progress.Load(ctx, s.deps.Repo, slot.job.Name, slot.pyramid)
	if err != nil {
		return StepResult{}, err
	}

	if cd := tracker.Cooldown(); cd > 0 {
		tracker.SetCooldown(cd - 1)
		if err := tracker.Persist(ctx); err != nil {
			return StepResult{}, err
		}
		logger.Info("job cooling down", "remaining", cd-1)
		s.advance()
		return StepResult{Job: slot.job.Name, Skipped: true}, s.idleIfNothingRan(ctx)
	}
	s.skippedInRow = 0

	if st := tracker.Status(); st.Terminal() || st == domain.StatusIdle {
		tracker.Reset()
		logger.Info("starting sweep", "generation", tracker.Generation()+1, "tiles", slot.pyramid.Count())
	} else {
		c, _ := tracker.Current()
		logger.Info("resuming sweep", "cursor", c.String())
	}

	if err := s.deps.Repo.SaveSchedulerState(ctx, domain.SchedulerState{
		CurrentJob: slot.job.Name,
		SessionID:  s.cfg.SessionID,
	}); err != nil {
		return StepResult{}, err
	}

	res := s.activate(ctx, slot, tracker, logger)
	step := StepResult{Job: slot.job.Name, Run: res}

	switch res.Status {
	case domain.StatusInterrupted:
		return step, ctx.Err()

	case domain.StatusSweepComplete:
		s.storageFailures = 0
		s.snapshot(slot.job, tracker.Generation(), logger)

	case domain.StatusAborted:
		logger.Error("activation aborted", "error", res.Err)
		tracker.SetCooldown(s.cfg.AbortCooldown - 1)
		if err := tracker.Persist(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to persist cooldown", "error", err)
		}

		if errors.Is(res.Err, apperrors.ErrStorage) {
			s.storageFailures++
		} else {
			s.storageFailures = 0
		}
		if s.storageFailures >= len(s.slots) {
			return step, fmt.Errorf("%w: last error: %v", apperrors.ErrStorageUnavailable, res.Err)
		}
	}

	s.advance()
	return step, nil
}

func (s *Scheduler) activate(ctx context.Context, slot jobSlot, tracker *progress.Tracker, logger *slog.Logger) worker.RunResult {
	archive, err := s.deps.Open(ctx, slot.job)
	if err != nil {
		if !errors.Is(err, apperrors.ErrStorage) {
			err = fmt.Errorf("%w: open archive: %v", apperrors.ErrStorage, err)
		}
		tracker.SetStatus(domain.StatusAborted, err)
		if perr := tracker.Persist(context.WithoutCancel(ctx)); perr != nil {
			logger.Error("failed to persist progress", "error", perr)
		}
		return worker.RunResult{Status: domain.StatusAborted, Err: err}
	}

	runner := worker.NewJobRunner(slot.job, worker.RunnerDeps{
		Archive:            archive,
		Fetcher:            s.deps.Fetcher,
		Limiter:            s.limiter,
		Clock:              s.deps.Clock,
		Rotator:            slot.rotator,
		Policy:             s.policy,
		Tracker:            tracker,
		Logger:             s.logger,
		CheckpointInterval: s.cfg.CheckpointInterval,
		ShutdownGrace:      s.cfg.ShutdownGrace,
	})
	res := runner.Run(ctx)

	if err := archive.Close(); err != nil {
		logger.Error("failed to close archive", "error", err)
	}
	logger.Info("activation finished",
		"status", res.Status,
		"stored", res.Stored,
		"present", res.Present,
		"skipped", res.Skipped,
		"fetches", res.Fetches,
	)
	return res
}

func (s *Scheduler) snapshot(job domain.MapJob, generation int, logger *slog.Logger) {
	if s.deps.Snapshots == nil {
		return
	}
	path, err := s.deps.Snapshots.Snapshot(job.ArchivePath, generation)
	if err != nil {
		logger.Error("snapshot failed", "generation", generation, "error", err)
		return
	}
	logger.Info("snapshot written", "generation", generation, "path", path)
}

// restore moves the rotation to the job that was current when the previous
// process stopped. A job that already finished its activation is passed.
func (s *Scheduler) restore(ctx context.Context) error {
	state, err := s.deps.Repo.GetSchedulerState(ctx)
	if err != nil {
		return err
	}
	s.restored = true

	for i, slot := range s.slots {
		if slot.job.Name != state.CurrentJob {
			continue
		}
		s.next = i
		rec, err := s.deps.Repo.GetProgress(ctx, slot.job.Name)
		if err == nil && rec.Status.Terminal() {
			s.advance()
		}
		s.logger.Info("rotation restored", "job", s.slots[s.next].job.Name, "previous_session", state.SessionID)
		return nil
	}
	return nil
}

func (s *Scheduler) advance() {
	s.next = (s.next + 1) % len(s.slots)
}

func (s *Scheduler) idleIfNothingRan(ctx context.Context) error {
	s.skippedInRow++
	if s.skippedInRow < len(s.slots) {
		return nil
	}
	s.skippedInRow = 0
	s.logger.Info("all jobs cooling down, idling", "delay", s.cfg.IdleDelay)
	return s.deps.Clock.Sleep(ctx, s.cfg.IdleDelay)
}
