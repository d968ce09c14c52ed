// Package progress tracks a job's position within its current sweep.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veranemoloko/tilesweep/internal/domain"
	errpkg "github.com/veranemoloko/tilesweep/internal/errors"
	"github.com/veranemoloko/tilesweep/internal/repository"
	"github.com/veranemoloko/tilesweep/internal/tiles"
)

// Tracker owns the cursor of one job. The cursor only moves forward once a
// tile is settled, and nothing is durable until Persist is called.
type Tracker struct {
	repo    repository.ProgressRepo
	pyramid *tiles.Pyramid
	rec     domain.ProgressRecord
	done    bool
}

// Load restores the job's record from repo, or starts a new one at the first
// coordinate of the sweep. A stored cursor is re-seated with Seek so that a
// changed configuration never replays earlier tiles.
func Load(ctx context.Context, repo repository.ProgressRepo, job string, pyramid *tiles.Pyramid) (*Tracker, error) {
	t := &Tracker{repo: repo, pyramid: pyramid}

	rec, err := repo.GetProgress(ctx, job)
	switch {
	case errors.Is(err, errpkg.ErrJobNotFound):
		t.rec = domain.ProgressRecord{Job: job, Status: domain.StatusIdle}
		t.Reset()
		return t, nil
	case err != nil:
		return nil, fmt.Errorf("load progress of %s: %w", job, err)
	}

	t.rec = *rec
	c, ok := pyramid.Seek(rec.Cursor)
	t.rec.Cursor = c
	t.done = !ok
	return t, nil
}

// Current returns the cursor; false means the sweep is complete.
func (t *Tracker) Current() (domain.TileCoord, bool) {
	if t.done {
		return domain.TileCoord{}, false
	}
	return t.rec.Cursor, true
}

// Advance moves the cursor to the next coordinate of the sweep.
func (t *Tracker) Advance() {
	if t.done {
		return
	}
	next, ok := t.pyramid.Next(t.rec.Cursor)
	if !ok {
		t.done = true
		return
	}
	t.rec.Cursor = next
}

// MarkStored counts a tile written to the archive.
func (t *Tracker) MarkStored() {
	t.rec.SweepTiles++
	t.rec.TotalTiles++
}

// Reset starts a fresh sweep; the generation counter is kept.
func (t *Tracker) Reset() {
	first, ok := t.pyramid.First()
	t.rec.Cursor = first
	t.rec.SweepTiles = 0
	t.rec.StartedAt = time.Now()
	t.done = !ok
}

// CompleteSweep records a finished sweep and rewinds the cursor.
func (t *Tracker) CompleteSweep() {
	t.rec.Generation++
	t.rec.Status = domain.StatusSweepComplete
	t.rec.LastError = ""
	first, _ := t.pyramid.First()
	t.rec.Cursor = first
}

// SetStatus records the outcome of the activation. A nil err clears the last error.
func (t *Tracker) SetStatus(s domain.ActivationStatus, err error) {
	t.rec.Status = s
	if err != nil {
		t.rec.LastError = err.Error()
	} else if s != domain.StatusAborted {
		t.rec.LastError = ""
	}
}

// Status returns the status of the last activation.
func (t *Tracker) Status() domain.ActivationStatus {
	return t.rec.Status
}

// Generation returns the number of completed sweeps.
func (t *Tracker) Generation() int {
	return t.rec.Generation
}

// Cooldown returns the number of rotations the job still sits out.
func (t *Tracker) Cooldown() int {
	return t.rec.Cooldown
}

func (t *Tracker) SetCooldown(n int) {
	t.rec.Cooldown = max(n, 0)
}

// Record returns a copy of the tracked record.
func (t *Tracker) Record() domain.ProgressRecord {
	return t.rec
}

// Persist durably records the cursor.
func (t *Tracker) Persist(ctx context.Context) error {
	if err := t.repo.SaveProgress(ctx, &t.rec); err != nil {
		return fmt.Errorf("persist progress of %s: %w", t.rec.Job, err)
	}
	return nil
}
