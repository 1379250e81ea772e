package journal

import (
	"context"
	"time"
)

// RunStatus represents the state of an orchestrated run
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusPartial   RunStatus = "partial"
	StatusCancelled RunStatus = "cancelled"
	StatusFailed    RunStatus = "failed"
)

// RunRecord represents one run in the local sync log
type RunRecord struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     RunStatus  `json:"status"`
	Processed  int64      `json:"processed"`
	Created    int64      `json:"created"`
	Updated    int64      `json:"updated"`
	Failed     int64      `json:"failed"`
	Total      int64      `json:"total"`
	Message    string     `json:"message,omitempty"`
	Notes      []string   `json:"notes,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Duration returns how long the run took, or has been running
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// Store defines the interface for sync log persistence
type Store interface {
	SaveRun(ctx context.Context, record *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)
	DeleteRun(ctx context.Context, id string) error
	Clear(ctx context.Context) error

	Close() error
}
