package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pixelcraft/backend/internal/models"
)

// Memory is an in-process ledger. A single mutex serializes every mutation, so
// each operation is one atomic unit.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*models.CreditAccount
	txs      map[string]*models.CreditTransaction
	refs     map[string]string
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*models.CreditAccount),
		txs:      make(map[string]*models.CreditTransaction),
		refs:     make(map[string]string),
		now:      time.Now,
	}
}

// SetClock replaces the time source; tests only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Reserve(_ context.Context, userID string, amount int64, operationType string, metadata json.RawMessage) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	if operationType == models.OperationTypeGrant {
		return "", ErrReservedOperation
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[userID]
	if !ok || acc.Balance < amount {
		return "", ErrInsufficientCredits
	}
	now := m.now()
	acc.Balance -= amount
	acc.Reserved += amount
	acc.UpdatedAt = now

	tx := &models.CreditTransaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Amount:        -amount,
		OperationType: operationType,
		Status:        models.CreditTxPending,
		Metadata:      metadata,
		CreatedAt:     now,
	}
	m.txs[tx.ID] = tx
	return tx.ID, nil
}

func (m *Memory) Confirm(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, acc, err := m.pendingLocked(txID, models.CreditTxConfirmed)
	if err != nil || tx == nil {
		return err
	}
	now := m.now()
	held := tx.Held()
	acc.Reserved -= held
	acc.TotalSpent += held
	acc.UpdatedAt = now
	tx.Status = models.CreditTxConfirmed
	tx.ConfirmedAt = &now
	return nil
}

func (m *Memory) Refund(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, acc, err := m.pendingLocked(txID, models.CreditTxRefunded)
	if err != nil || tx == nil {
		return err
	}
	held := tx.Held()
	acc.Reserved -= held
	acc.Balance += held
	acc.UpdatedAt = m.now()
	tx.Status = models.CreditTxRefunded
	return nil
}

// pendingLocked returns the transaction and account to settle, or (nil, nil, nil)
// when the transaction already reached target.
func (m *Memory) pendingLocked(txID, target string) (*models.CreditTransaction, *models.CreditAccount, error) {
	tx, ok := m.txs[txID]
	if !ok {
		return nil, nil, ErrTransactionNotFound
	}
	// reservations hold a negative amount
	if tx.Amount >= 0 {
		return nil, nil, ErrNotReservation
	}
	switch tx.Status {
	case target:
		return nil, nil, nil
	case models.CreditTxPending:
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadySettled, tx.Status)
	}
	acc, ok := m.accounts[tx.UserID]
	if !ok {
		return nil, nil, fmt.Errorf("account %s missing for transaction %s", tx.UserID, txID)
	}
	return tx, acc, nil
}

func (m *Memory) Grant(_ context.Context, req GrantRequest) (string, error) {
	if req.Amount <= 0 {
		return "", ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Reference != "" {
		if id, ok := m.refs[req.Reference]; ok {
			return id, nil
		}
	}
	now := m.now()
	acc, ok := m.accounts[req.UserID]
	if !ok {
		acc = &models.CreditAccount{UserID: req.UserID}
		m.accounts[req.UserID] = acc
	}
	acc.Balance += req.Amount
	acc.TotalEarned += req.Amount
	acc.UpdatedAt = now

	tx := &models.CreditTransaction{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Amount:        req.Amount,
		OperationType: models.OperationTypeGrant,
		Status:        models.CreditTxConfirmed,
		Reference:     req.Reference,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		ConfirmedAt:   &now,
	}
	m.txs[tx.ID] = tx
	if req.Reference != "" {
		m.refs[req.Reference] = tx.ID
	}
	return tx.ID, nil
}

// Account returns a copy of the user's counters; unknown users read as zero.
func (m *Memory) Account(_ context.Context, userID string) (models.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[userID]; ok {
		return *acc, nil
	}
	return models.CreditAccount{UserID: userID}, nil
}

func (m *Memory) Transaction(_ context.Context, txID string) (*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *Memory) ListPending(_ context.Context, olderThan time.Time) ([]*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CreditTransaction
	for _, tx := range m.txs {
		if tx.Status == models.CreditTxPending && tx.CreatedAt.Before(olderThan) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
