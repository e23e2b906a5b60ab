// Package events publishes job lifecycle notifications for downstream consumers.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/pixelcraft/backend/internal/models"
)

// Event types double as routing keys.
const (
	JobSubmitted = "job.submitted"
	JobRetrying  = "job.retrying"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobCancelled = "job.cancelled"
)

type Event struct {
	Type          string    `json:"type"`
	JobID         string    `json:"job_id"`
	UserID        string    `json:"user_id"`
	OperationType string    `json:"operation_type"`
	Priority      string    `json:"priority"`
	State         string    `json:"state"`
	TransactionID string    `json:"transaction_id"`
	AttemptsMade  int       `json:"attempts_made"`
	Error         string    `json:"error,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// FromJob builds an event snapshot of job.
func FromJob(eventType string, job *models.Job) Event {
	return Event{
		Type:          eventType,
		JobID:         job.ID,
		UserID:        job.UserID,
		OperationType: job.OperationType,
		Priority:      job.Priority,
		State:         job.State,
		TransactionID: job.TransactionID,
		AttemptsMade:  job.AttemptsMade,
		Error:         job.Error,
		OccurredAt:    time.Now().UTC(),
	}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes events to a slog logger.
type LogPublisher struct {
	logger *slog.Logger
}

var _ Publisher = (*LogPublisher)(nil)

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.logger.LogAttrs(ctx, slog.LevelInfo, "job event",
		slog.String("type", ev.Type),
		slog.String("job_id", ev.JobID),
		slog.String("user_id", ev.UserID),
		slog.String("operation_type", ev.OperationType),
		slog.String("state", ev.State),
		slog.Int("attempts_made", ev.AttemptsMade),
		slog.String("error", ev.Error),
	)
	return nil
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
