package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdRefreshNow CommandType = "refresh_now"
	CmdPause      CommandType = "pause"
	CmdResume     CommandType = "resume"
	CmdPublish    CommandType = "publish"
)

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	// Force skips the freshness gate for refresh_now.
	Force bool `json:"force,omitempty"`
}
