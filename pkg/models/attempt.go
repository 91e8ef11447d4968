package models

import "time"

// AttemptStatus represents where an attempt is in its lifecycle
type AttemptStatus string

const (
	StatusRunning   AttemptStatus = "RUNNING"
	StatusSucceeded AttemptStatus = "SUCCEEDED"
	StatusFailed    AttemptStatus = "FAILED"
)

// Attempt is the externally visible record of one login attempt.
type Attempt struct {
	ID         string        `json:"id"`
	Async      bool          `json:"async"`
	State      string        `json:"state"`
	Status     AttemptStatus `json:"status"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	Error      string        `json:"error,omitempty"`
	DebugURL   string        `json:"-"`
}
