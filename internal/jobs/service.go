package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/pixelcraft/backend/internal/events"
	"github.com/pixelcraft/backend/internal/ledger"
	"github.com/pixelcraft/backend/internal/models"
	"github.com/pixelcraft/backend/internal/queue"
	"github.com/pixelcraft/backend/internal/services"
)

// StatusQueued is what a successful submission reports.
const StatusQueued = "queued"

const DefaultRetention = 7 * 24 * time.Hour

// DefaultInstance owns jobs when no instance id is configured.
const DefaultInstance = "local"

const cancelRounds = 3

type SubmitRequest struct {
	OperationType string          `json:"operationType"`
	Data          json.RawMessage `json:"data"`
	Priority      string          `json:"priority,omitempty"`
}

type SubmitResult struct {
	JobID         string `json:"jobId"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	// EstimatedWait is in seconds.
	EstimatedWait int `json:"estimatedWait"`
}

type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Service interface {
	Submit(ctx context.Context, userID string, req SubmitRequest) (*SubmitResult, error)
	Status(ctx context.Context, userID, jobID string) (*services.StatusView, error)
	Cancel(ctx context.Context, userID, jobID string) (*CancelResult, error)
	// Recover re-enqueues this instance's unfinished jobs after a restart.
	Recover(ctx context.Context) (int, error)
	// PurgeExpired drops finished jobs past the retention window.
	PurgeExpired(ctx context.Context) (int, error)
}

// ActiveCanceller stops a running attempt. Implemented by services.Dispatcher.
type ActiveCanceller interface {
	CancelActive(jobID string) bool
}

type service struct {
	ledger    ledger.Service
	store     Store
	queue     *queue.Queue
	validator *services.Validator
	status    services.StatusService
	canceller ActiveCanceller
	events    events.Publisher
	retention time.Duration
	instance  string
	log       *slog.Logger
	now       func() time.Time
}

// NewService wires the job service. pub may be nil; retention <= 0 uses
// DefaultRetention. instance tags every accepted job and scopes Recover, so
// replicas sharing a store never pick up each other's work.
func NewService(
	led ledger.Service,
	store Store,
	q *queue.Queue,
	validator *services.Validator,
	status services.StatusService,
	canceller ActiveCanceller,
	pub events.Publisher,
	retention time.Duration,
	instance string,
	log *slog.Logger,
) *service {
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if instance == "" {
		instance = DefaultInstance
	}
	return &service{
		ledger:    led,
		store:     store,
		queue:     q,
		validator: validator,
		status:    status,
		canceller: canceller,
		events:    pub,
		retention: retention,
		instance:  instance,
		log:       log,
		now:       time.Now,
	}
}

var _ Service = (*service)(nil)

// Submit validates, reserves credits, persists and enqueues. Nothing reaches
// the ledger unless validation passed, and a reservation is refunded when the
// job could not be stored.
func (s *service) Submit(ctx context.Context, userID string, req SubmitRequest) (*SubmitResult, error) {
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(req.Priority) {
		return nil, fmt.Errorf("%w: unknown priority %q", services.ErrValidation, req.Priority)
	}
	if err := s.validator.ValidateInput(ctx, req.OperationType, req.Data); err != nil {
		return nil, err
	}
	spec, _ := s.validator.Lookup(req.OperationType)

	jobID := uuid.NewString()
	meta, _ := json.Marshal(map[string]string{"job_id": jobID, "priority": req.Priority})
	txID, err := s.ledger.Reserve(ctx, userID, spec.Cost, req.OperationType, meta)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) || errors.Is(err, ledger.ErrInvalidAmount) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reserve credits: %v", ErrUnavailable, err)
	}

	job := &models.Job{
		ID:            jobID,
		UserID:        userID,
		OperationType: req.OperationType,
		Priority:      req.Priority,
		State:         models.JobStateWaiting,
		Data:          req.Data,
		TransactionID: txID,
		Cost:          spec.Cost,
		MaxAttempts:   spec.MaxAttempts,
		EnqueuedAt:    s.now().UTC(),
		Owner:         s.instance,
	}
	if err := s.store.Save(ctx, job); err != nil {
		s.refund(ctx, job)
		return nil, fmt.Errorf("%w: save job: %v", ErrUnavailable, err)
	}
	// the queue gets its own copy; the dispatcher mutates it
	if err := s.queue.Enqueue(job.Clone()); err != nil {
		s.refund(ctx, job)
		s.finish(ctx, job, fmt.Sprintf("enqueue failed: %v", err))
		return nil, fmt.Errorf("%w: enqueue job: %v", ErrUnavailable, err)
	}
	s.publish(ctx, events.JobSubmitted, job)
	s.log.Info("job submitted", "job_id", job.ID, "user_id", userID, "operation_type", job.OperationType,
		"priority", job.Priority, "cost", job.Cost)

	return &SubmitResult{
		JobID:         job.ID,
		TransactionID: txID,
		Status:        StatusQueued,
		EstimatedWait: int(math.Ceil(s.status.EstimateWait(job.ID).Seconds())),
	}, nil
}

// Status returns the job's view; jobs owned by someone else read as not found.
func (s *service) Status(ctx context.Context, userID, jobID string) (*services.StatusView, error) {
	view, err := s.status.GetStatus(ctx, jobID)
	if err != nil {
		return nil, s.storeErr(err)
	}
	if view.UserID != userID {
		return nil, ErrJobNotFound
	}
	return view, nil
}

func (s *service) Cancel(ctx context.Context, userID, jobID string) (*CancelResult, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, s.storeErr(err)
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	if job.Terminal() {
		return &CancelResult{Success: false, Message: "job already " + job.State}, nil
	}

	// The job moves between the queue and a worker while we look, so try the
	// queue first, then the running attempt, a few times over.
	for range cancelRounds {
		if removed, err := s.queue.Remove(jobID); err == nil {
			removed.Cancelled = true
			s.refund(ctx, removed)
			s.finish(ctx, removed, services.CancelledByUser)
			s.publish(ctx, events.JobCancelled, removed)
			s.log.Info("queued job cancelled", "job_id", jobID, "user_id", userID)
			return &CancelResult{Success: true, Message: "job cancelled"}, nil
		}
		if current, err := s.store.Get(ctx, jobID); err == nil && current.Terminal() {
			return &CancelResult{Success: false, Message: "job already " + current.State}, nil
		}
		if s.canceller.CancelActive(jobID) {
			s.log.Info("cancellation requested for running job", "job_id", jobID, "user_id", userID)
			return &CancelResult{Success: true, Message: "cancellation requested"}, nil
		}
	}
	return &CancelResult{Success: false, Message: "job is finishing, try again"}, nil
}

func (s *service) Recover(ctx context.Context) (int, error) {
	unfinished, err := s.store.ListUnfinished(ctx, s.instance)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	now := s.now()
	recovered := 0
	for _, job := range unfinished {
		if _, queued := s.queue.Get(job.ID); queued {
			continue
		}
		switch {
		case job.Cancelled:
			s.refund(ctx, job)
			s.finish(ctx, job, services.CancelledByUser)
			continue
		case job.State == models.JobStateActive && job.AttemptsMade >= job.MaxAttempts:
			s.refund(ctx, job)
			s.finish(ctx, job, "attempts exhausted: interrupted by restart")
			s.publish(ctx, events.JobFailed, job)
			continue
		}

		var qErr error
		if job.State == models.JobStateDelayed && job.WakeAt != nil && job.WakeAt.After(now) {
			qErr = s.queue.RequeueDelayed(job.Clone(), job.WakeAt.Sub(now))
		} else {
			job.State = models.JobStateWaiting
			job.WakeAt = nil
			job.StartedAt = nil
			qErr = s.queue.Enqueue(job.Clone())
		}
		if qErr != nil {
			s.log.Error("re-enqueue job", "job_id", job.ID, "error", qErr)
			continue
		}
		if err := s.store.Save(ctx, job); err != nil {
			s.log.Error("persist recovered job", "job_id", job.ID, "error", err)
		}
		recovered++
	}
	if recovered > 0 {
		s.log.Info("recovered unfinished jobs", "count", recovered)
	}
	return recovered, nil
}

func (s *service) PurgeExpired(ctx context.Context) (int, error) {
	n, err := s.store.PurgeFinished(ctx, s.now().Add(-s.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("purged expired jobs", "count", n)
	}
	return n, nil
}

// refund returns the reservation. A failure is logged; the settlement
// reconciler refunds pending reservations of failed jobs later.
func (s *service) refund(ctx context.Context, job *models.Job) {
	err := s.ledger.Refund(context.WithoutCancel(ctx), job.TransactionID)
	if err != nil && !errors.Is(err, ledger.ErrAlreadySettled) {
		s.log.Error("refund reservation", "job_id", job.ID, "transaction_id", job.TransactionID, "error", err)
	}
}

func (s *service) finish(ctx context.Context, job *models.Job, reason string) {
	finished := s.now()
	job.State = models.JobStateFailed
	job.Error = reason
	job.FinishedAt = &finished
	job.WakeAt = nil
	if err := s.store.Save(context.WithoutCancel(ctx), job); err != nil {
		s.log.Error("persist failed job", "job_id", job.ID, "error", err)
	}
}

func (s *service) publish(ctx context.Context, eventType string, job *models.Job) {
	if err := s.events.Publish(ctx, events.FromJob(eventType, job)); err != nil {
		s.log.Warn("publish job event", "job_id", job.ID, "type", eventType, "error", err)
	}
}

// storeErr keeps not-found distinct and marks everything else retryable.
func (s *service) storeErr(err error) error {
	if errors.Is(err, ErrJobNotFound) {
		return ErrJobNotFound
	}
	s.log.Error("job store unavailable", "error", err)
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
