package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const (
	DefaultFilePath   = "autobackup_history.jsonl"
	DefaultSQLitePath = "autobackup_history.db"
	DefaultLimit      = 20
)

// Record statuses.
const (
	StatusSuccess    = "success"
	StatusFailure    = "failure"
	StatusFirstTouch = "first_touch"
	StatusThrottled  = "throttled"
)

// RunRecord is one history row. Keep it compact and schema-stable.
type RunRecord struct {
	ID        string        `json:"id"`
	Task      string        `json:"task"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Method    string        `json:"method,omitempty"`
	Pattern   string        `json:"pattern,omitempty"`
	Decision  string        `json:"decision"`
	Status    string        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Artifact  string        `json:"artifact,omitempty"`
	Files     int           `json:"files,omitempty"`
	Bytes     int64         `json:"bytes,omitempty"`
	FailCount int           `json:"fail_count"`
}
