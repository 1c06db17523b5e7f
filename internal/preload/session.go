// Package preload tracks the lifecycle of bulk cache population runs.
package preload

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned by Get for unknown keys
	ErrSessionNotFound = errors.New("preload: session not found")
	// ErrInvalidProgress rejects counters that cannot describe a run
	ErrInvalidProgress = errors.New("preload: invalid progress counters")
)

// AllAgencies is the scope of a run over every agency
const AllAgencies = "all"

// Status of a session. Completed and Failed are terminal.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is one bulk refresh run
type Session struct {
	Key          string     `json:"session_key"`
	ScopeID      string     `json:"scope_id"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	Total        int64      `json:"total_requests"`
	Successful   int64      `json:"successful_requests"`
	Failed       int64      `json:"failed_requests"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// SuccessRate is the percentage of successful requests, 0 while total is unknown
func (s Session) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Total) * 100
}

// Duration is the run time so far, or the final run time once terminal
func (s Session) Duration(now time.Time) time.Duration {
	end := now
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	return end.Sub(s.StartedAt)
}

// Progress validates cumulative counters
type Progress struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// Validate checks that counters are non-negative and do not exceed the total
func (p Progress) Validate() error {
	if p.Total < 0 || p.Successful < 0 || p.Failed < 0 {
		return ErrInvalidProgress
	}
	if p.Successful+p.Failed > p.Total {
		return ErrInvalidProgress
	}
	return nil
}
