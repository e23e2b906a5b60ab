package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelcraft/backend/internal/keypool"
	"github.com/pixelcraft/backend/internal/ledger"
	"github.com/pixelcraft/backend/internal/limiter"
	"github.com/pixelcraft/backend/internal/models"
	"github.com/pixelcraft/backend/internal/queue"
	"github.com/pixelcraft/backend/internal/services"
	"github.com/pixelcraft/backend/internal/upstream"
	"github.com/pixelcraft/backend/internal/upstream/mock"
)

// flakyStore fails Save while down is set. onSave runs after each
// successful save.
type flakyStore struct {
	*MemoryStore
	down   bool
	onSave func(job *models.Job)
}

func (s *flakyStore) Save(ctx context.Context, job *models.Job) error {
	if s.down {
		return errors.New("connection refused")
	}
	if err := s.MemoryStore.Save(ctx, job); err != nil {
		return err
	}
	if s.onSave != nil {
		s.onSave(job.Clone())
	}
	return nil
}

type fixture struct {
	svc   *service
	led   *ledger.Memory
	store *flakyStore
	q     *queue.Queue
	d      *services.Dispatcher
	op     *mock.Operation
	status services.StatusService
}

func newFixture(t *testing.T, opts ...mock.Option) *fixture {
	t.Helper()
	return newReplica(t, ledger.NewMemory(), &flakyStore{MemoryStore: NewMemoryStore()}, "test", opts...)
}

// newReplica builds a job service with its own queue, keys and dispatcher over
// a shared ledger and store, the way one API process sees a shared database.
func newReplica(t *testing.T, led *ledger.Memory, store *flakyStore, instance string, opts ...mock.Option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	validator, err := services.NewValidator([]services.OperationSpec{
		{Type: "upscale", Cost: 10, MaxAttempts: 3, Schema: `{"type":"object","required":["scale"]}`},
		{Type: "remove_background", Cost: 5, MaxAttempts: 1},
	})
	require.NoError(t, err)
	keys, err := keypool.New([]keypool.KeyConfig{{ID: "k1", Secret: "s1", MaxConcurrent: 2}})
	require.NoError(t, err)

	f := &fixture{
		led:   led,
		store: store,
		q:     queue.New(),
		op:    mock.New(opts...),
	}
	f.d = services.NewDispatcher(f.q, keys, limiter.NewMemory(3), f.led, f.store, f.op, validator, nil,
		services.DispatcherConfig{RetryBase: time.Second}, logger)
	f.status = services.NewStatusService(f.store, f.q, keys, f.d)
	f.svc = NewService(f.led, f.store, f.q, validator, f.status, f.d, nil, time.Hour, instance, logger)
	return f
}

func (f *fixture) grant(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.led.Grant(context.Background(), ledger.GrantRequest{UserID: userID, Amount: amount})
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T, userID string) models.CreditAccount {
	t.Helper()
	acc, err := f.led.Account(context.Background(), userID)
	require.NoError(t, err)
	return acc
}

func upscale() SubmitRequest {
	return SubmitRequest{OperationType: "upscale", Data: json.RawMessage(`{"scale":2}`)}
}

func TestSubmitReservesAndQueues(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "u1", 10)

	res, err := f.svc.Submit(context.Background(), "u1", upscale())
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.NotEmpty(t, res.JobID)
	assert.NotEmpty(t, res.TransactionID)
	assert.Positive(t, res.EstimatedWait)

	acc := f.account(t, "u1")
	assert.Equal(t, int64(0), acc.Balance)
	assert.Equal(t, int64(10), acc.Reserved)

	job, err := f.store.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateWaiting, job.State)
	assert.Equal(t, models.PriorityNormal, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 1, f.q.Counts().Normal)
}

func TestSubmitThenDispatchConfirms(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "u1", 10)

	res, err := f.svc.Submit(context.Background(), "u1", upscale())
	require.NoError(t, err)
	require.True(t, f.d.ProcessNext(context.Background()))

	view, err := f.svc.Status(context.Background(), "u1", res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, view.Status)
	assert.Equal(t, 100, view.Progress)

	acc := f.account(t, "u1")
	assert.Equal(t, models.CreditAccount{UserID: "u1", Balance: 0, Reserved: 0, TotalEarned: 10, TotalSpent: 10}, withoutTime(acc))
}

func TestSubmitInsufficientCreditsLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "u1", 10)
	_, err := f.svc.Submit(context.Background(), "u1", upscale())
	require.NoError(t, err)
	before := f.account(t, "u1")

	_, err = f.svc.Submit(context.Background(), "u1", SubmitRequest{OperationType: "remove_background"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	assert.Equal(t, before, f.account(t, "u1"))
	assert.Equal(t, 1, f.q.Counts().Waiting())
}

func TestSubmitValidationRejectsBeforeReserve(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "u1", 100)

	cases := map[string]SubmitRequest{
		"unknown operation": {OperationType: "teleport"},
		"schema mismatch":   {OperationType: "upscale", Data: json.RawMessage(`{}`)},
		"bad priority":      {OperationType: "upscale", Data: json.RawMessage(`{"scale":2}`), Priority: "asap"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), "u1", req)
			assert.ErrorIs(t, err, services.ErrValidation)
		})
	}
	acc := f.account(t, "u1")
	assert.Equal(t, int64(100), acc.Balance)
	assert.Zero(t, acc.Reserved)
}

func TestSubmitStoreDownRefundsAndReportsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "u1", 10)
	f.store.down = true

	_, err := f.svc.Submit(context.Background(), "u1", upscale())
	assert.ErrorIs(t, err, ErrUnavailable)

	acc := f.account(t, "u1")
	assert.Equal(t, int64(10), acc.Balance)
	assert.Zero(t, acc.Reserved)
	assert.Zero(t, f.q.Counts().Waiting())
}

func TestStatusHidesOtherUsersJobs(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "u1", 10)
	res, err := f.svc.Submit(context.Background(), "u1", upscale())
	require.NoError(t, err)

	_, err = f.svc.Status(context.Background(), "intruder", res.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = f.svc.Status(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelWaitingJobRefunds(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "u1", 10)
	res, err := f.svc.Submit(context.Background(), "u1", upscale())
	require.NoError(t, err)

	out, err := f.svc.Cancel(context.Background(), "u1", res.JobID)
	require.NoError(t, err)
	assert.True(t, out.Success)

	job, err := f.store.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.Equal(t, services.CancelledByUser, job.Error)
	assert.True(t, job.Cancelled)

	tx, err := f.led.Transaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.CreditTxRefunded, tx.Status)
	assert.Equal(t, int64(10), f.account(t, "u1").Balance)
	assert.False(t, f.d.ProcessNext(context.Background()), "cancelled job must not dispatch")

	again, err := f.svc.Cancel(context.Background(), "u1", res.JobID)
	require.NoError(t, err)
	assert.False(t, again.Success)
}

func TestCancelDelayedJob(t *testing.T) {
	f := newFixture(t, mock.WithErrors(&upstream.Error{Kind: upstream.ErrTransient, Message: "503"}))
	f.grant(t, "u1", 10)
	res, err := f.svc.Submit(context.Background(), "u1", upscale())
	require.NoError(t, err)
	f.d.ProcessNext(context.Background())

	job, err := f.store.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateDelayed, job.State)

	out, err := f.svc.Cancel(context.Background(), "u1", res.JobID)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Zero(t, f.q.Counts().Delayed)
	assert.Zero(t, f.account(t, "u1").Reserved)
}

func TestCancelActiveJob(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := newFixture(t, mock.WithBlock(block))
	f.grant(t, "u1", 10)
	res, err := f.svc.Submit(context.Background(), "u1", upscale())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.d.ProcessNext(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return f.d.ActiveJobs() == 1 }, 5*time.Second, time.Millisecond)

	out, err := f.svc.Cancel(context.Background(), "u1", res.JobID)
	require.NoError(t, err)
	assert.True(t, out.Success)
	<-done

	view, err := f.svc.Status(context.Background(), "u1", res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, view.Status)
	assert.Equal(t, services.CancelledByUser, view.Error)
	assert.Equal(t, int64(10), f.account(t, "u1").Balance)
}

func TestCancelBetweenFailedAttemptAndRetry(t *testing.T) {
	f := newFixture(t, mock.WithError(&upstream.Error{Kind: upstream.ErrTransient, Message: "503"}))
	f.grant(t, "u1", 10)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, "u1", upscale())
	require.NoError(t, err)

	var (
		out       *CancelResult
		cancelErr error
	)
	f.store.onSave = func(saved *models.Job) {
		if saved.State == models.JobStateDelayed && out == nil {
			out, cancelErr = f.svc.Cancel(ctx, "u1", saved.ID)
		}
	}
	require.True(t, f.d.ProcessNext(ctx))

	require.NoError(t, cancelErr)
	require.NotNil(t, out)
	assert.True(t, out.Success)
	assert.Equal(t, "cancellation requested", out.Message)

	view, err := f.svc.Status(ctx, "u1", res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, view.Status)
	assert.Equal(t, services.CancelledByUser, view.Error)
	assert.Zero(t, f.q.Counts().Delayed)
	assert.Equal(t, 1, f.op.Calls())
	assert.Equal(t, int64(10), f.account(t, "u1").Balance)
}

func TestCancelOtherUsersJobIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "u1", 10)
	res, err := f.svc.Submit(context.Background(), "u1", upscale())
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), "u2", res.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRecoverRequeuesUnfinishedJobs(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "u1", 100)
	ctx := context.Background()
	wake := time.Now().Add(time.Hour)

	seed := func(id, state string, attempts int, tx string) *models.Job {
		job := &models.Job{
			ID: id, UserID: "u1", OperationType: "upscale", Priority: models.PriorityNormal,
			State: state, TransactionID: tx, Cost: 10, AttemptsMade: attempts, MaxAttempts: 3,
			EnqueuedAt: time.Now(), Owner: "test",
		}
		if state == models.JobStateDelayed {
			job.WakeAt = &wake
		}
		require.NoError(t, f.store.Save(ctx, job))
		return job
	}
	reserve := func() string {
		tx, err := f.led.Reserve(ctx, "u1", 10, "upscale", nil)
		require.NoError(t, err)
		return tx
	}
	seed("waiting", models.JobStateWaiting, 0, reserve())
	seed("interrupted", models.JobStateActive, 1, reserve())
	seed("delayed", models.JobStateDelayed, 1, reserve())
	exhaustedTx := reserve()
	seed("exhausted", models.JobStateActive, 3, exhaustedTx)
	seed("done", models.JobStateCompleted, 1, "tx-done")

	n, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts := f.q.Counts()
	assert.Equal(t, 2, counts.Normal)
	assert.Equal(t, 1, counts.Delayed)

	job, err := f.store.Get(ctx, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateWaiting, job.State)

	job, err = f.store.Get(ctx, "exhausted")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, job.State)
	tx, err := f.led.Transaction(ctx, exhaustedTx)
	require.NoError(t, err)
	assert.Equal(t, models.CreditTxRefunded, tx.Status)

	again, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, again, "recover must not double-enqueue")
}

func TestRecoverLeavesOtherInstancesJobsAlone(t *testing.T) {
	led := ledger.NewMemory()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	a := newReplica(t, led, store, "api-a")
	b := newReplica(t, led, store, "api-b")
	a.grant(t, "u1", 10)
	ctx := context.Background()

	res, err := a.svc.Submit(ctx, "u1", upscale())
	require.NoError(t, err)
	job, err := store.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "api-a", job.Owner)

	// b restarts while a still holds the job in its queue
	n, err := b.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, b.q.Counts().Waiting())
	assert.False(t, b.d.ProcessNext(ctx))

	// a restarts under the same id and picks its job back up
	restarted := newReplica(t, led, store, "api-a")
	n, err = restarted.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.True(t, restarted.d.ProcessNext(ctx))

	assert.Equal(t, 1, restarted.op.Calls())
	assert.Zero(t, b.op.Calls())
	job, err = store.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, job.State)
	assert.Equal(t, int64(0), restarted.account(t, "u1").Balance)
}

func TestPurgeExpiredMakesJobsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now()
	require.NoError(t, f.store.Save(ctx, &models.Job{ID: "old", UserID: "u1", State: models.JobStateCompleted, FinishedAt: &old}))
	require.NoError(t, f.store.Save(ctx, &models.Job{ID: "recent", UserID: "u1", State: models.JobStateFailed, FinishedAt: &recent}))
	require.NoError(t, f.store.Save(ctx, &models.Job{ID: "running", UserID: "u1", State: models.JobStateActive}))

	n, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.svc.Status(ctx, "u1", "old")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = f.svc.Status(ctx, "u1", "recent")
	assert.NoError(t, err)
}

func withoutTime(acc models.CreditAccount) models.CreditAccount {
	acc.UpdatedAt = time.Time{}
	return acc
}
