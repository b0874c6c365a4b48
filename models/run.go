package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSkipped   RunStatus = "skipped"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

type RefreshRun struct {
	ID           int64      `json:"id" db:"id"`
	CycleID      string     `json:"cycle_id" db:"cycle_id"`
	Dataset      string     `json:"dataset" db:"dataset"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	Status       RunStatus  `json:"status" db:"status"`
	Forced       bool       `json:"forced" db:"forced"`
	CapturedAt   *time.Time `json:"captured_at" db:"captured_at"`
	RowsFetched  int64      `json:"rows_fetched" db:"rows_fetched"`
	RowsInserted int64      `json:"rows_inserted" db:"rows_inserted"`
	RowsTotal    int64      `json:"rows_total" db:"rows_total"`
	Partitions   int        `json:"partitions" db:"partitions"`
	Error        string     `json:"error,omitempty" db:"error"`
}

// Duration is zero while the run is still in progress.
func (r *RefreshRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
