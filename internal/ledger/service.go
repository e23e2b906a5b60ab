package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pixelcraft/backend/internal/models"
)

var (
	// ErrInsufficientCredits is returned when the balance cannot cover a reservation.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidAmount is returned for non-positive reservation or grant amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrTransactionNotFound is returned when a transaction id is unknown.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrAlreadySettled is returned when confirming a refunded transaction or
	// refunding a confirmed one.
	ErrAlreadySettled = errors.New("transaction already settled the other way")
	// ErrNotReservation is returned when settling a transaction that is not a reservation.
	ErrNotReservation = errors.New("transaction is not a reservation")
	// ErrReservedOperation is returned when a reservation uses an operation
	// type only the grant path may write.
	ErrReservedOperation = errors.New("operation type is reserved for grants")
)

// GrantRequest adds earned credits to an account. Reference deduplicates
// retried payment deliveries.
type GrantRequest struct {
	UserID    string
	Amount    int64
	Reference string
	Source    string
	Metadata  json.RawMessage
}

// Service is the credit ledger. Reserve, Confirm and Refund are atomic, and
// Confirm/Refund are idempotent for a given transaction id.
type Service interface {
	Reserve(ctx context.Context, userID string, amount int64, operationType string, metadata json.RawMessage) (string, error)
	Confirm(ctx context.Context, txID string) error
	Refund(ctx context.Context, txID string) error
	Grant(ctx context.Context, req GrantRequest) (string, error)
	Account(ctx context.Context, userID string) (models.CreditAccount, error)
	Transaction(ctx context.Context, txID string) (*models.CreditTransaction, error)
	ListPending(ctx context.Context, olderThan time.Time) ([]*models.CreditTransaction, error)
}

var (
	_ Service = (*Memory)(nil)
	_ Service = (*Repository)(nil)
)
