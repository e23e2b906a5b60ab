package models

import (
	"time"
)

// CreditAccount holds a user's credit counters. Only the ledger mutates it.
type CreditAccount struct {
	UserID      string    `json:"user_id"`
	Balance     int64     `json:"balance"`
	Reserved    int64     `json:"reserved"`
	TotalEarned int64     `json:"total_earned"`
	TotalSpent  int64     `json:"total_spent"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Conserved is balance + reserved + totalSpent - totalEarned. Reserve, confirm
// and refund never change it.
func (a CreditAccount) Conserved() int64 {
	return a.Balance + a.Reserved + a.TotalSpent - a.TotalEarned
}
