package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pixelcraft/backend/internal/events"
	"github.com/pixelcraft/backend/internal/keypool"
	"github.com/pixelcraft/backend/internal/ledger"
	"github.com/pixelcraft/backend/internal/limiter"
	"github.com/pixelcraft/backend/internal/models"
	"github.com/pixelcraft/backend/internal/queue"
	"github.com/pixelcraft/backend/internal/upstream"
)

// CancelledByUser is the error recorded on jobs the user cancelled.
const CancelledByUser = "cancelled by user"

// ErrCancelledByUser is the cancellation cause of an attempt stopped by its owner.
var ErrCancelledByUser = errors.New(CancelledByUser)

const (
	defaultWorkers        = 4
	defaultScanDepth      = 64
	defaultPollInterval   = time.Second
	defaultRetryBase      = 2 * time.Second
	defaultRetryMax       = 2 * time.Minute
	defaultSettleRetries  = 3
	defaultInitialAverage = 30 * time.Second
	// weight of the newest sample in the attempt duration average
	ewmaAlpha = 0.2
	// unclaimed cancel requests older than this are dropped
	cancelRequestTTL = time.Minute
)

// DispatcherJobStore persists job snapshots written by the dispatcher.
type DispatcherJobStore interface {
	Save(ctx context.Context, job *models.Job) error
}

// DispatcherConfig tunes the worker loop. Zero values take defaults.
type DispatcherConfig struct {
	Workers        int
	ScanDepth      int
	PollInterval   time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration
	SettleRetries  int
	InitialAverage time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.ScanDepth <= 0 {
		c.ScanDepth = defaultScanDepth
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.SettleRetries <= 0 {
		c.SettleRetries = defaultSettleRetries
	}
	if c.InitialAverage <= 0 {
		c.InitialAverage = defaultInitialAverage
	}
	return c
}

// Dispatcher pulls eligible jobs off the queue, gates them on the user's
// concurrency slot and a provider key, runs the upstream operation and settles
// the reservation when the job reaches a terminal state.
type Dispatcher struct {
	Queue     *queue.Queue
	Keys      *keypool.Pool
	Limiter   limiter.Limiter
	Ledger    ledger.Service
	Store     DispatcherJobStore
	Operation upstream.Operation
	Validator *Validator
	Events    events.Publisher
	Logger    *slog.Logger
	Config    DispatcherConfig

	now func() time.Time

	mu              sync.Mutex
	active          map[string]*attempt
	cancelRequested map[string]time.Time
	avgAttempt      time.Duration
}

// attempt is the bookkeeping of one running attempt, guarded by Dispatcher.mu.
type attempt struct {
	cancel    context.CancelCauseFunc
	cancelled bool
	// settled is set once the outcome is fixed: terminal, or parked in the
	// delayed lane. Cancels after that go through the queue or not at all.
	settled bool
}

// NewDispatcher wires the dispatcher. pub may be nil.
func NewDispatcher(
	q *queue.Queue,
	keys *keypool.Pool,
	lim limiter.Limiter,
	led ledger.Service,
	store DispatcherJobStore,
	op upstream.Operation,
	validator *Validator,
	pub events.Publisher,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		Queue:           q,
		Keys:            keys,
		Limiter:         lim,
		Ledger:          led,
		Store:           store,
		Operation:       op,
		Validator:       validator,
		Events:          pub,
		Logger:          logger,
		Config:          cfg,
		now:             time.Now,
		active:          make(map[string]*attempt),
		cancelRequested: make(map[string]time.Time),
		avgAttempt:      cfg.InitialAverage,
	}
}

// SetClock overrides the time source used for timestamps.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Run starts the configured number of workers and blocks until ctx is done
// and every in-flight attempt has finished.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.Config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker)
		}(i)
	}
	d.Logger.Info("dispatcher started", "workers", d.Config.Workers)
	wg.Wait()
	d.Logger.Info("dispatcher stopped")
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.Config.PollInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		if d.ProcessNext(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-d.Queue.Ready():
		case <-ticker.C:
		}
	}
}

// ProcessNext claims the first eligible job in priority order and runs one
// attempt of it synchronously. It reports whether a job was processed.
//
// A candidate whose user is at the concurrency limit is skipped in favour of
// the next one; when no provider key has headroom the scan stops and every job
// stays where it is.
func (d *Dispatcher) ProcessNext(ctx context.Context) bool {
	for _, cand := range d.Queue.Candidates(d.Config.ScanDepth) {
		allowed, err := d.Limiter.TryAcquire(ctx, cand.UserID)
		if err != nil {
			d.Logger.Error("user limiter unavailable", "job_id", cand.ID, "user_id", cand.UserID, "error", err)
			return false
		}
		if !allowed {
			continue
		}

		lease, err := d.Keys.Acquire()
		if err != nil {
			d.releaseSlot(ctx, cand.UserID)
			if !errors.Is(err, keypool.ErrNoCapacity) {
				d.Logger.Error("acquire provider key", "error", err)
			}
			return false
		}

		job, ok := d.Queue.Claim(cand.ID)
		if !ok {
			// removed or cancelled since the scan
			d.releaseKey(lease.KeyID, keypool.OutcomeFailure)
			d.releaseSlot(ctx, cand.UserID)
			continue
		}
		d.runAttempt(ctx, job, lease)
		return true
	}
	return false
}

// CancelActive stops the running attempt of jobID and reports whether the
// request will take effect. A running attempt is cancelled, and a retry it
// schedules is turned into a cancellation. When no attempt is tracked the
// request is remembered and applied as the next attempt begins; it reports
// false while the job still sits in the queue, where removal is the way to
// cancel it. An attempt whose outcome is already settled reports false.
func (d *Dispatcher) CancelActive(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.active[jobID]; ok {
		if a.settled {
			return false
		}
		a.cancelled = true
		a.cancel(ErrCancelledByUser)
		return true
	}
	d.cancelRequested[jobID] = d.now()
	_, queued := d.Queue.Get(jobID)
	return !queued
}

// ActiveJobs is the number of attempts currently running.
func (d *Dispatcher) ActiveJobs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// AverageAttempt is the moving average of attempt durations.
func (d *Dispatcher) AverageAttempt() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.avgAttempt
}

func (d *Dispatcher) track(jobID string, cancel context.CancelCauseFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := &attempt{cancel: cancel}
	d.active[jobID] = a

	now := d.now()
	for id, at := range d.cancelRequested {
		if id == jobID {
			a.cancelled = true
			cancel(ErrCancelledByUser)
			delete(d.cancelRequested, id)
		} else if now.Sub(at) > cancelRequestTTL {
			delete(d.cancelRequested, id)
		}
	}
}

// conclude reports whether the attempt was cancelled. final marks the outcome
// as settled so later cancels are refused.
func (d *Dispatcher) conclude(jobID string, final bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.active[jobID]
	if !ok {
		return false
	}
	if final {
		a.settled = true
	}
	return a.cancelled
}

func (d *Dispatcher) untrack(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, jobID)
}

func (d *Dispatcher) observe(elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.avgAttempt = time.Duration(ewmaAlpha*float64(elapsed) + (1-ewmaAlpha)*float64(d.avgAttempt))
}

// runAttempt owns the job from claim until it is terminal or parked as delayed.
// The key and the user slot are always released, including after a panic.
func (d *Dispatcher) runAttempt(ctx context.Context, job *models.Job, lease keypool.Lease) {
	// in-flight attempts outlive a shutdown signal
	base := context.WithoutCancel(ctx)
	attemptCtx, cancel := context.WithCancelCause(base)
	d.track(job.ID, cancel)

	outcome := keypool.OutcomeFailure
	defer func() {
		cancel(nil)
		d.untrack(job.ID)
		d.releaseKey(lease.KeyID, outcome)
		d.releaseSlot(base, job.UserID)
		d.Queue.Signal()
	}()

	started := d.now()
	job.State = models.JobStateActive
	job.AttemptsMade++
	job.StartedAt = &started
	job.WakeAt = nil
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	d.save(base, job)

	logger := d.Logger.With("job_id", job.ID, "user_id", job.UserID, "key_id", lease.KeyID, "attempt", job.AttemptsMade)
	logger.Debug("attempt started", "operation_type", job.OperationType)

	res, err := d.invoke(attemptCtx, job, lease)
	d.observe(d.now().Sub(started))
	outcome = upstream.OutcomeFor(err)
	retryable := err != nil && upstream.IsRetryable(err) && job.AttemptsMade < job.MaxAttempts
	cancelled := d.conclude(job.ID, !retryable)

	switch {
	case err == nil:
		d.complete(base, job, res)
		logger.Info("job completed")
	case cancelled || errors.Is(context.Cause(attemptCtx), ErrCancelledByUser):
		job.Cancelled = true
		d.fail(base, job, CancelledByUser, events.JobCancelled)
		logger.Info("job cancelled while active")
	case !upstream.IsRetryable(err):
		d.fail(base, job, err.Error(), events.JobFailed)
		logger.Warn("job failed permanently", "error", err)
	case job.AttemptsMade >= job.MaxAttempts:
		d.fail(base, job, fmt.Sprintf("attempts exhausted: %v", err), events.JobFailed)
		logger.Warn("job failed after final attempt", "error", err)
	default:
		delay := d.backoff(job.AttemptsMade)
		if d.retry(base, job, err, delay) {
			logger.Info("attempt failed, retrying", "error", err, "outcome", outcome.String(), "delay", delay)
		} else {
			logger.Info("job cancelled before retry")
		}
	}
}

// invoke calls the upstream operation under the per-attempt timeout. A panic
// in the operation is reported as a transient failure.
func (d *Dispatcher) invoke(ctx context.Context, job *models.Job, lease keypool.Lease) (res upstream.Result, err error) {
	timeout := DefaultAttemptTimeout
	if d.Validator != nil {
		timeout = d.Validator.GetDeadline(job.OperationType)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var progressMu sync.Mutex
	finished := false
	defer func() {
		progressMu.Lock()
		finished = true
		progressMu.Unlock()
	}()
	progress := func(percent int) {
		progressMu.Lock()
		defer progressMu.Unlock()
		if finished {
			return
		}
		job.Progress = min(max(percent, 0), 99)
		d.save(context.WithoutCancel(ctx), job)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &upstream.Error{Kind: upstream.ErrTransient, Message: fmt.Sprintf("operation panicked: %v", r)}
		}
	}()

	res, err = d.Operation.Invoke(ctx, upstream.Credential{KeyID: lease.KeyID, Secret: lease.Secret}, upstream.Request{
		JobID:         job.ID,
		OperationType: job.OperationType,
		Data:          job.Data,
		Attempt:       job.AttemptsMade,
		Progress:      progress,
	})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, upstream.ErrPermanent) {
		err = &upstream.Error{Kind: upstream.ErrTransient, Message: fmt.Sprintf("attempt timed out after %s", timeout)}
	}
	return res, err
}

func (d *Dispatcher) complete(ctx context.Context, job *models.Job, res upstream.Result) {
	if err := d.settle(ctx, job.TransactionID, d.Ledger.Confirm); err != nil {
		d.Logger.Error("confirm reservation, leaving it to the reconciler",
			"job_id", job.ID, "transaction_id", job.TransactionID, "error", err)
	}
	finished := d.now()
	job.State = models.JobStateCompleted
	job.Progress = 100
	job.Result = res.Output
	job.Error = ""
	job.FinishedAt = &finished
	d.save(ctx, job)
	d.publish(ctx, events.JobCompleted, job)
}

// fail refunds before the terminal state is written, so a failed job always
// has its reservation returned or queued for the reconciler.
func (d *Dispatcher) fail(ctx context.Context, job *models.Job, reason, eventType string) {
	if err := d.settle(ctx, job.TransactionID, d.Ledger.Refund); err != nil {
		d.Logger.Error("refund reservation, leaving it to the reconciler",
			"job_id", job.ID, "transaction_id", job.TransactionID, "error", err)
	}
	finished := d.now()
	job.State = models.JobStateFailed
	job.Error = reason
	job.FinishedAt = &finished
	d.save(ctx, job)
	d.publish(ctx, eventType, job)
}

// retry parks the job in the delayed lane. A cancel that arrived after the
// attempt returned is honoured here instead, and retry reports false.
func (d *Dispatcher) retry(ctx context.Context, job *models.Job, cause error, delay time.Duration) bool {
	wake := d.now().Add(delay)
	job.State = models.JobStateDelayed
	job.WakeAt = &wake
	job.Error = cause.Error()
	d.save(ctx, job)
	d.publish(ctx, events.JobRetrying, job)

	d.mu.Lock()
	a := d.active[job.ID]
	if a != nil && a.cancelled {
		a.settled = true
		d.mu.Unlock()
		job.Cancelled = true
		job.WakeAt = nil
		d.fail(ctx, job, CancelledByUser, events.JobCancelled)
		return false
	}
	// the queue owns the job from here on; the lock keeps a concurrent cancel
	// from slipping between the check above and the requeue
	err := d.Queue.RequeueDelayed(job, delay)
	if a != nil {
		a.settled = true
	}
	d.mu.Unlock()

	if err != nil {
		d.Logger.Error("requeue delayed job", "job_id", job.ID, "error", err)
		d.fail(ctx, job, fmt.Sprintf("requeue failed: %v", err), events.JobFailed)
	}
	return true
}

// backoff returns RetryBase * 2^(attempts-1), capped at RetryMax.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.Config.RetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.Config.RetryMax {
			return d.Config.RetryMax
		}
	}
	return min(delay, d.Config.RetryMax)
}

// settle applies a confirm or refund with a few quick retries. Both are
// idempotent, so a retry after an ambiguous failure is safe.
func (d *Dispatcher) settle(ctx context.Context, txID string, fn func(context.Context, string) error) error {
	var err error
	for attempt := 0; attempt < d.Config.SettleRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		err = fn(ctx, txID)
		if err == nil || errors.Is(err, ledger.ErrAlreadySettled) || errors.Is(err, ledger.ErrTransactionNotFound) {
			return err
		}
	}
	return err
}

func (d *Dispatcher) save(ctx context.Context, job *models.Job) {
	if d.Store == nil {
		return
	}
	if err := d.Store.Save(ctx, job); err != nil {
		d.Logger.Error("persist job", "job_id", job.ID, "state", job.State, "error", err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, eventType string, job *models.Job) {
	if err := d.Events.Publish(ctx, events.FromJob(eventType, job)); err != nil {
		d.Logger.Warn("publish job event", "job_id", job.ID, "type", eventType, "error", err)
	}
}

func (d *Dispatcher) releaseKey(keyID string, outcome keypool.Outcome) {
	if err := d.Keys.Release(keyID, outcome); err != nil {
		d.Logger.Error("release provider key", "key_id", keyID, "error", err)
	}
}

func (d *Dispatcher) releaseSlot(ctx context.Context, userID string) {
	if err := d.Limiter.Release(context.WithoutCancel(ctx), userID); err != nil {
		d.Logger.Error("release user slot", "user_id", userID, "error", err)
	}
}
