package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelcraft/backend/internal/models"
)

// Repository is the PostgreSQL ledger. Tables are created by the goose
// migrations in internal/database.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Reserve deducts balance and raises reserved with one conditional UPDATE, so
// concurrent reservations for the same user serialize on the account row.
func (r *Repository) Reserve(ctx context.Context, userID string, amount int64, operationType string, metadata json.RawMessage) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	if operationType == models.OperationTypeGrant {
		return "", ErrReservedOperation
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $1, reserved = reserved + $1, updated_at = now()
		WHERE user_id = $2 AND balance >= $1
	`, amount, userID)
	if err != nil {
		return "", fmt.Errorf("reserve credits: %w", err)
	}
	if result.RowsAffected() == 0 {
		return "", ErrInsufficientCredits
	}
	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, amount, operation_type, status, metadata)
		VALUES ($1, $2, $3, 'pending', $4)
		RETURNING id
	`, userID, -amount, operationType, nullJSON(metadata)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert reservation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit reserve: %w", err)
	}
	return id.String(), nil
}

func (r *Repository) Confirm(ctx context.Context, txID string) error {
	return r.settle(ctx, txID, models.CreditTxConfirmed, `
		UPDATE credit_accounts
		SET reserved = reserved - $1, total_spent = total_spent + $1, updated_at = now()
		WHERE user_id = $2
	`)
}

func (r *Repository) Refund(ctx context.Context, txID string) error {
	return r.settle(ctx, txID, models.CreditTxRefunded, `
		UPDATE credit_accounts
		SET reserved = reserved - $1, balance = balance + $1, updated_at = now()
		WHERE user_id = $2
	`)
}

// settle locks the transaction row, checks its status and applies accountSQL
// once. A transaction already at target is a no-op.
func (r *Repository) settle(ctx context.Context, txID, target, accountSQL string) error {
	id, err := uuid.Parse(txID)
	if err != nil {
		return ErrTransactionNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID, status string
	var amount int64
	err = tx.QueryRow(ctx, `
		SELECT user_id, amount, status
		FROM credit_transactions WHERE id = $1 FOR UPDATE
	`, id).Scan(&userID, &amount, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTransactionNotFound
	}
	if err != nil {
		return fmt.Errorf("lock transaction: %w", err)
	}
	// reservations hold a negative amount
	if amount >= 0 {
		return ErrNotReservation
	}
	switch status {
	case target:
		return nil
	case models.CreditTxPending:
	default:
		return fmt.Errorf("%w: %s", ErrAlreadySettled, status)
	}
	held := -amount
	result, err := tx.Exec(ctx, accountSQL, held, userID)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("account %s missing for transaction %s", userID, txID)
	}
	if target == models.CreditTxConfirmed {
		_, err = tx.Exec(ctx, `UPDATE credit_transactions SET status = $1, confirmed_at = now() WHERE id = $2`, target, id)
	} else {
		_, err = tx.Exec(ctx, `UPDATE credit_transactions SET status = $1 WHERE id = $2`, target, id)
	}
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Repository) Grant(ctx context.Context, req GrantRequest) (string, error) {
	if req.Amount <= 0 {
		return "", ErrInvalidAmount
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin grant: %w", err)
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, amount, operation_type, status, reference, metadata, confirmed_at)
		VALUES ($1, $2, 'grant', 'confirmed', $3, $4, now())
		ON CONFLICT (reference) DO NOTHING
		RETURNING id
	`, req.UserID, req.Amount, nullString(req.Reference), nullJSON(req.Metadata)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// duplicate reference
		err = tx.QueryRow(ctx, `SELECT id FROM credit_transactions WHERE reference = $1`, req.Reference).Scan(&id)
		if err != nil {
			return "", fmt.Errorf("lookup granted reference: %w", err)
		}
		return id.String(), nil
	}
	if err != nil {
		return "", fmt.Errorf("insert grant: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance, total_earned)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = credit_accounts.balance + EXCLUDED.balance,
		    total_earned = credit_accounts.total_earned + EXCLUDED.total_earned,
		    updated_at = now()
	`, req.UserID, req.Amount)
	if err != nil {
		return "", fmt.Errorf("credit account: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit grant: %w", err)
	}
	return id.String(), nil
}

func (r *Repository) Account(ctx context.Context, userID string) (models.CreditAccount, error) {
	acc := models.CreditAccount{UserID: userID}
	err := r.pool.QueryRow(ctx, `
		SELECT balance, reserved, total_earned, total_spent, updated_at
		FROM credit_accounts WHERE user_id = $1
	`, userID).Scan(&acc.Balance, &acc.Reserved, &acc.TotalEarned, &acc.TotalSpent, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return acc, nil
	}
	if err != nil {
		return acc, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

const selectTransaction = `
	SELECT id, user_id, amount, operation_type, status, COALESCE(reference, ''), metadata, created_at, confirmed_at
	FROM credit_transactions`

func (r *Repository) Transaction(ctx context.Context, txID string) (*models.CreditTransaction, error) {
	id, err := uuid.Parse(txID)
	if err != nil {
		return nil, ErrTransactionNotFound
	}
	t, err := scanTransaction(r.pool.QueryRow(ctx, selectTransaction+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (r *Repository) ListPending(ctx context.Context, olderThan time.Time) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, selectTransaction+`
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT 500
	`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	var out []*models.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	var id uuid.UUID
	var metadata []byte
	if err := row.Scan(&id, &t.UserID, &t.Amount, &t.OperationType, &t.Status, &t.Reference, &metadata, &t.CreatedAt, &t.ConfirmedAt); err != nil {
		return nil, err
	}
	t.ID = id.String()
	if len(metadata) > 0 {
		t.Metadata = json.RawMessage(metadata)
	}
	return &t, nil
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
