package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/pixelcraft/backend/internal/ledger"
	"github.com/pixelcraft/backend/internal/models"
	"github.com/pixelcraft/backend/internal/services"
)

// DefaultStaleAfter is how old a pending reservation must be before the
// reconciler looks at it.
const DefaultStaleAfter = 10 * time.Minute

type ReconcileArgs struct {
	StaleAfterSeconds int `json:"stale_after_seconds,omitempty"`
}

func (ReconcileArgs) Kind() string { return "reconcile_settlements" }

// JobLookup finds the job that owns a reservation.
type JobLookup interface {
	GetByTransaction(ctx context.Context, txID string) (*models.Job, error)
}

// Result counts what one reconciliation pass did.
type Result struct {
	Scanned   int
	Confirmed int
	Refunded  int
	Skipped   int
}

// Reconciler settles reservations left pending after a crash or a failed
// ledger call: completed jobs are confirmed, failed or orphaned ones refunded.
type Reconciler struct {
	Ledger     ledger.Service
	Jobs       JobLookup
	StaleAfter time.Duration
	Logger     *slog.Logger

	now func() time.Time
}

func NewReconciler(led ledger.Service, jobs JobLookup, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{Ledger: led, Jobs: jobs, StaleAfter: staleAfter, Logger: logger, now: time.Now}
}

// Reconcile runs one pass. staleAfter overrides the configured age when positive.
func (r *Reconciler) Reconcile(ctx context.Context, staleAfter time.Duration) (Result, error) {
	if staleAfter <= 0 {
		staleAfter = r.StaleAfter
	}
	pending, err := r.Ledger.ListPending(ctx, r.now().Add(-staleAfter))
	if err != nil {
		return Result{}, fmt.Errorf("list pending reservations: %w", err)
	}

	var res Result
	for _, tx := range pending {
		res.Scanned++
		action, err := r.settle(ctx, tx)
		if err != nil {
			r.Logger.Error("reconcile reservation", "transaction_id", tx.ID, "error", err)
			res.Skipped++
			continue
		}
		switch action {
		case models.CreditTxConfirmed:
			res.Confirmed++
		case models.CreditTxRefunded:
			res.Refunded++
		default:
			res.Skipped++
		}
	}
	if res.Confirmed+res.Refunded > 0 {
		r.Logger.Info("reconciled reservations", "scanned", res.Scanned, "confirmed", res.Confirmed, "refunded", res.Refunded)
	}
	return res, nil
}

func (r *Reconciler) settle(ctx context.Context, tx *models.CreditTransaction) (string, error) {
	job, err := r.Jobs.GetByTransaction(ctx, tx.ID)
	switch {
	case errors.Is(err, services.ErrJobNotFound):
		// manual reservations are settled by an admin
		if !ownedByJob(tx) {
			return "", nil
		}
		r.Logger.Warn("refunding orphaned reservation", "transaction_id", tx.ID, "user_id", tx.UserID)
		return models.CreditTxRefunded, ignoreSettled(r.Ledger.Refund(ctx, tx.ID))
	case err != nil:
		return "", fmt.Errorf("look up job: %w", err)
	}

	switch job.State {
	case models.JobStateCompleted:
		return models.CreditTxConfirmed, ignoreSettled(r.Ledger.Confirm(ctx, tx.ID))
	case models.JobStateFailed:
		return models.CreditTxRefunded, ignoreSettled(r.Ledger.Refund(ctx, tx.ID))
	default:
		return "", nil
	}
}

func ownedByJob(tx *models.CreditTransaction) bool {
	var meta struct {
		JobID string `json:"job_id"`
	}
	if len(tx.Metadata) == 0 || json.Unmarshal(tx.Metadata, &meta) != nil {
		return false
	}
	return meta.JobID != ""
}

func ignoreSettled(err error) error {
	if errors.Is(err, ledger.ErrAlreadySettled) {
		return nil
	}
	return err
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	reconciler *Reconciler
}

func NewReconcileWorker(r *Reconciler) *ReconcileWorker {
	return &ReconcileWorker{reconciler: r}
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	staleAfter := time.Duration(job.Args.StaleAfterSeconds) * time.Second
	if _, err := w.reconciler.Reconcile(ctx, staleAfter); err != nil {
		return fmt.Errorf("reconcile settlements: %w", err)
	}
	return nil
}

// PeriodicJob schedules a reconciliation pass every interval, starting at boot.
func PeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileArgs{}, &river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
