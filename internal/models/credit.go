package models

import (
	"encoding/json"
	"time"
)

// Credit transaction status enums.
const (
	CreditTxPending   = "pending"
	CreditTxConfirmed = "confirmed"
	CreditTxRefunded  = "refunded"
	CreditTxFailed    = "failed"
)

// OperationTypeGrant marks transactions created by the payment grant path.
const OperationTypeGrant = "grant"

// CreditTransaction is one ledger entry. Reservations carry a negative amount,
// grants a positive one.
type CreditTransaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Amount        int64           `json:"amount"`
	OperationType string          `json:"operation_type"`
	Status        string          `json:"status"`
	Reference     string          `json:"reference,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
}

// Held returns the absolute amount held by a reservation.
func (t *CreditTransaction) Held() int64 {
	if t.Amount < 0 {
		return -t.Amount
	}
	return t.Amount
}
