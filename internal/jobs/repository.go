package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pixelcraft/backend/internal/models"
)

const jobColumns = `id, user_id, operation_type, priority, state, data, transaction_id, cost,
	attempts_made, max_attempts, progress, result, error, cancelled,
	enqueued_at, started_at, finished_at, wake_at, owner`

// Repository stores jobs in Postgres through database/sql and the pgx stdlib driver.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Save(ctx context.Context, job *models.Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			priority = EXCLUDED.priority,
			state = EXCLUDED.state,
			attempts_made = EXCLUDED.attempts_made,
			max_attempts = EXCLUDED.max_attempts,
			progress = EXCLUDED.progress,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			cancelled = EXCLUDED.cancelled,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			wake_at = EXCLUDED.wake_at,
			owner = EXCLUDED.owner
	`,
		job.ID, job.UserID, job.OperationType, job.Priority, job.State, nullJSON(job.Data), job.TransactionID, job.Cost,
		job.AttemptsMade, job.MaxAttempts, job.Progress, nullJSON(job.Result), job.Error, job.Cancelled,
		job.EnqueuedAt, nullTime(job.StartedAt), nullTime(job.FinishedAt), nullTime(job.WakeAt), job.Owner,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *Repository) GetByTransaction(ctx context.Context, txID string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE transaction_id = $1 LIMIT 1`, txID)
	return scanJob(row)
}

func (r *Repository) ListUnfinished(ctx context.Context, owner string) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner = $1 AND state IN ('waiting', 'active', 'delayed')
		ORDER BY enqueued_at ASC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *Repository) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j                          models.Job
		data, result               []byte
		started, finished, wakeAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.UserID, &j.OperationType, &j.Priority, &j.State, &data, &j.TransactionID, &j.Cost,
		&j.AttemptsMade, &j.MaxAttempts, &j.Progress, &result, &j.Error, &j.Cancelled,
		&j.EnqueuedAt, &started, &finished, &wakeAt, &j.Owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Data = data
	j.Result = result
	j.StartedAt = timePtr(started)
	j.FinishedAt = timePtr(finished)
	j.WakeAt = timePtr(wakeAt)
	return &j, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
