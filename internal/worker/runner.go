package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veranemoloko/tilesweep/internal/domain"
	apperrors "github.com/veranemoloko/tilesweep/internal/errors"
	"github.com/veranemoloko/tilesweep/internal/metrics"
	"github.com/veranemoloko/tilesweep/internal/mirror"
	"github.com/veranemoloko/tilesweep/internal/pacing"
	"github.com/veranemoloko/tilesweep/internal/progress"
	"github.com/veranemoloko/tilesweep/internal/retry"
)

// TileArchive is the storage a job writes into. Put may buffer; Flush makes
// buffered tiles durable. Putting the same tile twice is harmless.
type TileArchive interface {
	Exists(ctx context.Context, c domain.TileCoord) (bool, error)
	Put(ctx context.Context, c domain.TileCoord, data []byte) error
	Flush(ctx context.Context) error
	Close() error
}

// RunResult summarizes one activation.
type RunResult struct {
	Status  domain.ActivationStatus
	Err     error
	Stored  int64
	Present int64
	Skipped int64
	Fetches int64
}

// RunnerDeps are the collaborators a JobRunner drives.
type RunnerDeps struct {
	Archive TileArchive
	Fetcher Fetcher
	Limiter *pacing.Limiter
	Clock   pacing.Clock
	Rotator *mirror.Rotator
	Policy  *retry.Policy
	Tracker *progress.Tracker
	Logger  *slog.Logger

	// CheckpointInterval is the number of stored tiles between archive
	// flushes and cursor persists.
	CheckpointInterval int
	// ShutdownGrace lets an in-flight request finish after cancellation.
	ShutdownGrace time.Duration
}

// JobRunner drives one activation of a job: from the tracker's cursor until
// the sweep is complete, the job is aborted or the context is cancelled.
type JobRunner struct {
	job  domain.MapJob
	deps RunnerDeps
	res  RunResult

	attempts        retry.Attempts
	sinceCheckpoint int
}

// NewJobRunner wires a runner for job.
func NewJobRunner(job domain.MapJob, deps RunnerDeps) *JobRunner {
	if deps.Clock == nil {
		deps.Clock = pacing.RealClock()
	}
	if deps.CheckpointInterval <= 0 {
		deps.CheckpointInterval = 1
	}
	deps.Logger = deps.Logger.With("job", job.Name)
	return &JobRunner{job: job, deps: deps, res: RunResult{Status: domain.StatusIdle}}
}

// Run executes the activation. It always flushes the archive and persists
// the cursor before returning, flush first.
func (r *JobRunner) Run(ctx context.Context) RunResult {
	d := r.deps
	// Archive writes and persistence must outlive cancellation.
	storeCtx := context.WithoutCancel(ctx)

	r.res.Status = domain.StatusRunning
	d.Tracker.SetStatus(domain.StatusRunning, nil)
	if err := d.Tracker.Persist(storeCtx); err != nil {
		return r.finish(storeCtx, domain.StatusAborted, storageErr(err))
	}

	metrics.ActiveJob.WithLabelValues(r.job.Name).Set(1)
	defer metrics.ActiveJob.WithLabelValues(r.job.Name).Set(0)

	for {
		if ctx.Err() != nil {
			return r.finish(storeCtx, domain.StatusInterrupted, nil)
		}

		c, ok := d.Tracker.Current()
		if !ok {
			return r.completeSweep(storeCtx)
		}

		exists, err := d.Archive.Exists(storeCtx, c)
		if err != nil {
			return r.finish(storeCtx, domain.StatusAborted, storageErr(err))
		}
		if exists {
			r.res.Present++
			metrics.TilesPresent.WithLabelValues(r.job.Name).Inc()
			d.Tracker.Advance()
			continue
		}

		dec, resp, err := r.fetchTile(ctx, c)
		if err != nil {
			return r.finish(storeCtx, domain.StatusInterrupted, nil)
		}

		switch dec.Action {
		case retry.Accept:
			if err := d.Archive.Put(storeCtx, c, resp.Body); err != nil {
				return r.finish(storeCtx, domain.StatusAborted, storageErr(err))
			}
			r.res.Stored++
			metrics.TilesStored.WithLabelValues(r.job.Name).Inc()
			d.Tracker.MarkStored()
			d.Tracker.Advance()

			r.sinceCheckpoint++
			if r.sinceCheckpoint >= d.CheckpointInterval {
				if err := r.checkpoint(storeCtx); err != nil {
					return r.finish(storeCtx, domain.StatusAborted, err)
				}
			}

		case retry.SkipTile:
			r.res.Skipped++
			metrics.TilesSkipped.WithLabelValues(r.job.Name).Inc()
			d.Logger.Info("tile skipped",
				"tile", c.String(),
				"reason", dec.Reason,
			)
			d.Tracker.Advance()

		case retry.AbortJob:
			d.Logger.Error("job aborted",
				"tile", c.String(),
				"reason", dec.Reason,
				"error", dec.Err,
			)
			err := dec.Err
			if err == nil {
				err = fmt.Errorf("%w: %s", apperrors.ErrService, dec.Reason)
			}
			return r.finish(storeCtx, domain.StatusAborted, err)
		}
	}
}

// fetchTile requests c until the policy settles on something other than a
// retry. Every attempt passes the limiter. A non-nil error means the context
// was cancelled before the tile settled.
func (r *JobRunner) fetchTile(ctx context.Context, c domain.TileCoord) (retry.Decision, Response, error) {
	d := r.deps
	for {
		if err := d.Limiter.Wait(ctx, r.job.Spacing); err != nil {
			return retry.Decision{}, Response{}, err
		}

		server := d.Rotator.Next()
		url := r.job.TileURL(server, c)

		fetchCtx, cancel := withGrace(ctx, d.ShutdownGrace)
		start := d.Clock.Now()
		resp, err := d.Fetcher.Fetch(fetchCtx, url)
		cancel()
		metrics.FetchDuration.Observe(d.Clock.Now().Sub(start).Seconds())
		r.res.Fetches++

		if err != nil && ctx.Err() != nil {
			return retry.Decision{}, Response{}, ctx.Err()
		}

		outcome := retry.Outcome{Status: resp.Status, Body: resp.Body, RetryAfter: resp.RetryAfter, Err: err}
		dec := d.Policy.Decide(outcome, &r.attempts)
		metrics.RequestsTotal.WithLabelValues(r.job.Name, dec.Action.String()).Inc()
		if dec.Action == retry.Accept {
			metrics.DownloadBytes.WithLabelValues(r.job.Name).Add(float64(len(resp.Body)))
		}

		d.Logger.Debug("tile fetched",
			"tile", c.String(),
			"mirror", server,
			"status", resp.Status,
			"action", dec.Action.String(),
		)

		if dec.Action != retry.RetryAfterDelay {
			return dec, resp, nil
		}

		metrics.RetriesTotal.WithLabelValues(r.job.Name).Inc()
		d.Logger.Warn("tile request failed, retrying",
			"tile", c.String(),
			"mirror", server,
			"reason", dec.Reason,
			"delay", dec.Delay,
		)
		if err := d.Clock.Sleep(ctx, dec.Delay); err != nil {
			return retry.Decision{}, Response{}, err
		}
	}
}

func (r *JobRunner) checkpoint(ctx context.Context) error {
	d := r.deps
	if err := d.Archive.Flush(ctx); err != nil {
		return storageErr(err)
	}
	if err := d.Tracker.Persist(ctx); err != nil {
		return storageErr(err)
	}
	r.sinceCheckpoint = 0
	d.Logger.Info("checkpoint",
		"cursor", d.Tracker.Record().Cursor.String(),
		"sweep_tiles", d.Tracker.Record().SweepTiles,
	)
	return nil
}

func (r *JobRunner) completeSweep(ctx context.Context) RunResult {
	d := r.deps
	if err := d.Archive.Flush(ctx); err != nil {
		return r.finish(ctx, domain.StatusAborted, storageErr(err))
	}

	d.Tracker.CompleteSweep()
	r.res.Status = domain.StatusSweepComplete
	metrics.SweepsCompleted.WithLabelValues(r.job.Name).Inc()
	if err := d.Tracker.Persist(ctx); err != nil {
		r.res.Status = domain.StatusAborted
		r.res.Err = storageErr(err)
		return r.res
	}

	d.Logger.Info("sweep complete",
		"generation", d.Tracker.Generation(),
		"stored", r.res.Stored,
		"present", r.res.Present,
		"skipped", r.res.Skipped,
	)
	return r.res
}

// finish flushes, records the terminal status and persists the cursor. A
// flush failure turns any outcome into a storage abort.
func (r *JobRunner) finish(ctx context.Context, status domain.ActivationStatus, cause error) RunResult {
	d := r.deps
	if err := d.Archive.Flush(ctx); err != nil {
		status, cause = domain.StatusAborted, errors.Join(cause, storageErr(err))
	}

	d.Tracker.SetStatus(status, cause)
	if err := d.Tracker.Persist(ctx); err != nil {
		status, cause = domain.StatusAborted, errors.Join(cause, storageErr(err))
	}

	if status == domain.StatusAborted {
		metrics.JobsAborted.WithLabelValues(r.job.Name).Inc()
	}
	r.res.Status = status
	r.res.Err = cause
	return r.res
}

func storageErr(err error) error {
	if errors.Is(err, apperrors.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
}

// withGrace returns a context that survives cancellation of parent for grace.
func withGrace(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	if grace <= 0 {
		return context.WithCancel(parent)
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}
