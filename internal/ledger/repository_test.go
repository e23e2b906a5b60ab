//go:build integration

package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelcraft/backend/internal/database"
)

// Run with: DATABASE_URL=postgres://... go test -tags integration ./internal/ledger/

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := database.Connect(ctx, dsn, database.DefaultMigrateOptions())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db.Close()
	if err := database.RunMigrations(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewRepository(pool)
}

func TestRepositoryReserveConfirmRefund(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t)
	user := "it-" + uuid.NewString()

	if _, err := r.Grant(ctx, GrantRequest{UserID: user, Amount: 10, Reference: "ref-" + user}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := r.Grant(ctx, GrantRequest{UserID: user, Amount: 10, Reference: "ref-" + user}); err != nil {
		t.Fatalf("Grant retry: %v", err)
	}

	txID, err := r.Reserve(ctx, user, 10, "upscale", nil)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := r.Reserve(ctx, user, 5, "upscale", nil); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("second Reserve err = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := r.Confirm(ctx, txID); err != nil {
			t.Fatalf("Confirm #%d: %v", i, err)
		}
	}
	if err := r.Refund(ctx, txID); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("Refund after confirm err = %v", err)
	}
	acc, _ := r.Account(ctx, user)
	if acc.Balance != 0 || acc.Reserved != 0 || acc.TotalSpent != 10 || acc.TotalEarned != 10 {
		t.Fatalf("account = %+v", acc)
	}
}

func TestRepositoryConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t)
	user := "it-" + uuid.NewString()
	_, _ = r.Grant(ctx, GrantRequest{UserID: user, Amount: 30})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Reserve(ctx, user, 4, "upscale", nil); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 7 {
		t.Fatalf("successful reservations = %d, want 7", ok)
	}
	acc, _ := r.Account(ctx, user)
	if acc.Balance != 2 || acc.Reserved != 28 {
		t.Fatalf("account = %+v", acc)
	}
}
