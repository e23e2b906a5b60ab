package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pixelcraft/backend/internal/models"
	"github.com/pixelcraft/backend/internal/services"
)

var (
	// ErrJobNotFound is returned for unknown, expired or foreign job ids.
	ErrJobNotFound = services.ErrJobNotFound
	// ErrUnavailable is returned when the job store or ledger cannot be
	// reached; clients may retry.
	ErrUnavailable = errors.New("service temporarily unavailable")
)

// Store persists job records. Save is an upsert; Get returns ErrJobNotFound
// for unknown ids.
type Store interface {
	Save(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	GetByTransaction(ctx context.Context, txID string) (*models.Job, error)
	// ListUnfinished returns the owner's waiting, active and delayed jobs.
	ListUnfinished(ctx context.Context, owner string) ([]*models.Job, error)
	PurgeFinished(ctx context.Context, before time.Time) (int, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*Repository)(nil)
)

// MemoryStore keeps job records in process. It stores and returns copies.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	byTx map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		byTx: make(map[string]string),
	}
}

func (s *MemoryStore) Save(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	if job.TransactionID != "" {
		s.byTx[job.TransactionID] = job.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) GetByTransaction(_ context.Context, txID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTx[txID]
	if !ok {
		return nil, ErrJobNotFound
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListUnfinished returns the owner's waiting, active and delayed jobs oldest first.
func (s *MemoryStore) ListUnfinished(_ context.Context, owner string) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if job.Owner == owner && !job.Terminal() {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (s *MemoryStore) PurgeFinished(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if job.FinishedAt != nil && job.FinishedAt.Before(before) {
			delete(s.jobs, id)
			delete(s.byTx, job.TransactionID)
			n++
		}
	}
	return n, nil
}
