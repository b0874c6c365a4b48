package models

import "time"

// Snapshot is one fetched copy of the remote dataset, staged in a
// session-scoped table until it is merged.
type Snapshot struct {
	Table      string    `json:"table"`
	Source     string    `json:"source"`
	CapturedAt time.Time `json:"captured_at"`
	Rows       int64     `json:"rows"`
	Bytes      int64     `json:"bytes"`
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}
