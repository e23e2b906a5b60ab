package services

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/pixelcraft/backend/internal/keypool"
	"github.com/pixelcraft/backend/internal/models"
	"github.com/pixelcraft/backend/internal/queue"
)

// ErrJobNotFound is returned for unknown, expired or foreign job ids. It is
// distinct from a job that exists and failed.
var ErrJobNotFound = errors.New("job not found")

// StatusJobStore reads persisted job snapshots.
type StatusJobStore interface {
	Get(ctx context.Context, id string) (*models.Job, error)
}

// StatusView is what a poll returns.
type StatusView struct {
	JobID         string          `json:"jobId"`
	UserID        string          `json:"-"`
	OperationType string          `json:"operationType"`
	Priority      string          `json:"priority"`
	Status        string          `json:"status"`
	Progress      int             `json:"progress"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	AttemptsMade  int             `json:"attemptsMade"`
	MaxAttempts   int             `json:"maxAttempts"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
	RetryAt       *time.Time      `json:"retryAt,omitempty"`
	// EstimatedWait is in seconds and only set while the job is queued.
	EstimatedWait *int `json:"estimatedWait,omitempty"`
}

// LaneCounts is the per-lane breakdown of queued jobs.
type LaneCounts struct {
	Urgent     int `json:"urgent"`
	Normal     int `json:"normal"`
	Background int `json:"background"`
	Delayed    int `json:"delayed"`
}

// CapacitySnapshot is the operational view for admins.
type CapacitySnapshot struct {
	keypool.Stats
	ActiveJobs    int        `json:"activeJobs"`
	WaitingJobs   int        `json:"waitingJobs"`
	PerLaneCounts LaneCounts `json:"perLaneCounts"`
	// AverageAttemptSeconds is the moving average attempt duration.
	AverageAttemptSeconds float64   `json:"averageAttemptSeconds"`
	TakenAt               time.Time `json:"takenAt"`
}

// StatusService answers polls and capacity queries. Every read goes through
// shared locks or copies so it never stalls dispatch.
type StatusService interface {
	GetStatus(ctx context.Context, jobID string) (*StatusView, error)
	GetCapacitySnapshot(ctx context.Context) CapacitySnapshot
	EstimateWait(jobID string) time.Duration
}

type statusService struct {
	store      StatusJobStore
	queue      *queue.Queue
	keys       *keypool.Pool
	dispatcher *Dispatcher
}

// NewStatusService returns a StatusService over the dispatcher's structures.
func NewStatusService(store StatusJobStore, q *queue.Queue, keys *keypool.Pool, d *Dispatcher) StatusService {
	return &statusService{store: store, queue: q, keys: keys, dispatcher: d}
}

func (s *statusService) GetStatus(ctx context.Context, jobID string) (*StatusView, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	view := &StatusView{
		JobID:         job.ID,
		UserID:        job.UserID,
		OperationType: job.OperationType,
		Priority:      job.Priority,
		Status:        job.State,
		Progress:      job.Progress,
		Result:        job.Result,
		Error:         job.Error,
		AttemptsMade:  job.AttemptsMade,
		MaxAttempts:   job.MaxAttempts,
		EnqueuedAt:    job.EnqueuedAt,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
	}
	switch job.State {
	case models.JobStateDelayed:
		view.RetryAt = job.WakeAt
		fallthrough
	case models.JobStateWaiting:
		secs := int(math.Ceil(s.EstimateWait(job.ID).Seconds()))
		view.EstimatedWait = &secs
	}
	return view, nil
}

func (s *statusService) GetCapacitySnapshot(_ context.Context) CapacitySnapshot {
	counts := s.queue.Counts()
	snap := CapacitySnapshot{
		Stats:       s.keys.Stats(),
		WaitingJobs: counts.Waiting(),
		PerLaneCounts: LaneCounts{
			Urgent:     counts.Urgent,
			Normal:     counts.Normal,
			Background: counts.Background,
			Delayed:    counts.Delayed,
		},
		TakenAt: time.Now().UTC(),
	}
	if s.dispatcher != nil {
		snap.ActiveJobs = s.dispatcher.ActiveJobs()
		snap.AverageAttemptSeconds = s.dispatcher.AverageAttempt().Seconds()
	}
	return snap
}

// EstimateWait is (jobs ahead / total capacity + 1) * average attempt
// duration. With no capacity at all the job waits at least one cooldown
// cycle, approximated by the same formula over a capacity of one.
func (s *statusService) EstimateWait(jobID string) time.Duration {
	ahead, ok := s.queue.Ahead(jobID)
	if !ok {
		return 0
	}
	capacity := s.keys.Stats().TotalCapacity
	if capacity <= 0 {
		capacity = 1
	}
	avg := defaultInitialAverage
	if s.dispatcher != nil {
		avg = s.dispatcher.AverageAttempt()
	}
	rounds := float64(ahead)/float64(capacity) + 1
	return time.Duration(rounds * float64(avg))
}
