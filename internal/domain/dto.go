package domain

import "time"

// JobStatusResponse is the read-only view of a job served by the status API.
type JobStatusResponse struct {
	Name        string           `json:"name"`
	DisplayName string           `json:"display_name"`
	Archive     string           `json:"archive"`
	Status      ActivationStatus `json:"status"`
	Current     bool             `json:"current"`
	Cursor      TileCoord        `json:"cursor"`
	Generation  int              `json:"generation"`
	SweepTiles  int64            `json:"sweep_tiles"`
	TotalTiles  int64            `json:"total_tiles"`
	SweepSize   int64            `json:"sweep_size"`
	LastError   string           `json:"last_error,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
