package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a job can be in.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid returns true for one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is the core domain entity: a unit of work and its lifecycle state.
//
// Legal transitions are pending→running (claim), running→completed and
// running→failed. The janitor may also force running→failed for jobs stuck
// past the configured age. Result is set only for completed jobs, Error only
// for failed ones.
type Job struct {
	ID          string          `json:"id"`
	Input       json.RawMessage `json:"input"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Stats is a consistent per-status snapshot of the jobs table.
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// CanTransition reports whether moving from s to target is legal.
func (s Status) CanTransition(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusRunning
	case StatusRunning:
		return target == StatusCompleted || target == StatusFailed
	}
	return false
}
