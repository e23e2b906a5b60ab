// Package limiter caps how many AI operations a single user may have in flight.
package limiter

import (
	"context"
	"sync"

	"github.com/pixelcraft/backend/internal/models"
)

// DefaultLimit is the per-user in-flight cap when none is configured.
const DefaultLimit = 3

// Limiter is a non-blocking per-user slot counter.
type Limiter interface {
	// TryAcquire takes a slot if the user is under the limit.
	TryAcquire(ctx context.Context, userID string) (bool, error)
	// Release frees a slot; the count never drops below zero.
	Release(ctx context.Context, userID string) error
	Active(ctx context.Context, userID string) (int, error)
	Limit() int
}

var (
	_ Limiter = (*Memory)(nil)
	_ Limiter = (*Redis)(nil)
)

// Memory keeps counts in process.
type Memory struct {
	mu     sync.Mutex
	limit  int
	active map[string]int
}

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Memory{limit: limit, active: make(map[string]int)}
}

func (m *Memory) TryAcquire(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[userID] >= m.limit {
		return false, nil
	}
	m.active[userID]++
	return true, nil
}

func (m *Memory) Release(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch n := m.active[userID]; {
	case n <= 1:
		delete(m.active, userID)
	default:
		m.active[userID] = n - 1
	}
	return nil
}

func (m *Memory) Active(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[userID], nil
}

func (m *Memory) Limit() int { return m.limit }

// State returns the user's current concurrency state.
func State(ctx context.Context, l Limiter, userID string) (models.UserConcurrencyState, error) {
	n, err := l.Active(ctx, userID)
	if err != nil {
		return models.UserConcurrencyState{}, err
	}
	return models.UserConcurrencyState{UserID: userID, ActiveCount: n, Limit: l.Limit()}, nil
}
