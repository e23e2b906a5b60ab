package models

import (
	"encoding/json"
	"time"
)

// Job priority lanes, highest first.
const (
	PriorityUrgent     = "urgent"
	PriorityNormal     = "normal"
	PriorityBackground = "background"
)

// Priorities lists the lanes in strict dispatch order.
var Priorities = []string{PriorityUrgent, PriorityNormal, PriorityBackground}

// Job states.
const (
	JobStateWaiting   = "waiting"
	JobStateActive    = "active"
	JobStateDelayed   = "delayed"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
)

type Job struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	OperationType string          `json:"operation_type"`
	Priority      string          `json:"priority"`
	State         string          `json:"state"`
	Data          json.RawMessage `json:"data,omitempty"`
	TransactionID string          `json:"transaction_id"`
	Cost          int64           `json:"cost"`
	AttemptsMade  int             `json:"attempts_made"`
	MaxAttempts   int             `json:"max_attempts"`
	Progress      int             `json:"progress"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Cancelled     bool            `json:"cancelled"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	WakeAt        *time.Time      `json:"wake_at,omitempty"`
	// Owner is the instance id of the process that accepted the job.
	Owner string `json:"owner,omitempty"`
}

// ValidPriority reports whether p names one of the three lanes.
func ValidPriority(p string) bool {
	switch p {
	case PriorityUrgent, PriorityNormal, PriorityBackground:
		return true
	}
	return false
}

// LaneIndex maps a priority to its lane position; unknown priorities land in normal.
func LaneIndex(p string) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityBackground:
		return 2
	default:
		return 1
	}
}

// Terminal reports whether the job is completed or failed.
func (j *Job) Terminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateFailed
}

// Clone returns a deep copy so callers can hand jobs across owners safely.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Data = cloneRaw(j.Data)
	cp.Result = cloneRaw(j.Result)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.FinishedAt = cloneTime(j.FinishedAt)
	cp.WakeAt = cloneTime(j.WakeAt)
	return &cp
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
