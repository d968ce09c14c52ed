package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActivationStatus describes where a job stands relative to its current sweep.
type ActivationStatus string

const (
	StatusIdle          ActivationStatus = "idle"
	StatusRunning       ActivationStatus = "running"
	StatusSweepComplete ActivationStatus = "sweep_complete"
	StatusAborted       ActivationStatus = "aborted"
	StatusInterrupted   ActivationStatus = "interrupted"
)

// Terminal reports whether the status ends an activation, so that the next
// activation has to start a fresh sweep.
func (s ActivationStatus) Terminal() bool {
	return s == StatusSweepComplete || s == StatusAborted
}

// ProgressRecord is the persisted progress of one job.
type ProgressRecord struct {
	Job        string           `json:"job"`
	Cursor     TileCoord        `json:"cursor"`
	Generation int              `json:"generation"`
	Status     ActivationStatus `json:"status"`
	SweepTiles int64            `json:"sweep_tiles"`
	TotalTiles int64            `json:"total_tiles"`
	Cooldown   int              `json:"cooldown,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// SchedulerState is the persisted rotation position.
type SchedulerState struct {
	CurrentJob string    `json:"current_job"`
	SessionID  uuid.UUID `json:"session_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}
