package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pixelcraft/backend/internal/models"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func job(id, priority string) *models.Job {
	return &models.Job{ID: id, UserID: "u-" + id, Priority: priority, MaxAttempts: 3}
}

func ids(jobs []*models.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func mustEnqueue(t *testing.T, q *Queue, jobs ...*models.Job) {
	t.Helper()
	for _, j := range jobs {
		if err := q.Enqueue(j); err != nil {
			t.Fatalf("Enqueue(%s): %v", j.ID, err)
		}
	}
}

func TestDequeueStrictPriorityAndFIFO(t *testing.T) {
	q := New()
	mustEnqueue(t, q,
		job("b1", models.PriorityBackground),
		job("n1", models.PriorityNormal),
		job("u1", models.PriorityUrgent),
		job("n2", models.PriorityNormal),
		job("u2", models.PriorityUrgent),
		job("b2", models.PriorityBackground),
	)

	var got []string
	for {
		j, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, j.ID)
	}
	want := []string{"u1", "u2", "n1", "n2", "b1", "b2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestEnqueueSetsWaitingState(t *testing.T) {
	q := New(WithClock(func() time.Time { return t0 }))
	j := job("a", models.PriorityNormal)
	j.State = models.JobStateActive
	mustEnqueue(t, q, j)

	got, ok := q.Get("a")
	if !ok {
		t.Fatal("job not found")
	}
	if got.State != models.JobStateWaiting || !got.EnqueuedAt.Equal(t0) {
		t.Fatalf("state=%s enqueuedAt=%v", got.State, got.EnqueuedAt)
	}
	if err := q.Enqueue(j); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate enqueue err = %v", err)
	}
}

func TestCandidatesAndClaimKeepSkippedJobsInPlace(t *testing.T) {
	q := New()
	mustEnqueue(t, q,
		job("u1", models.PriorityUrgent),
		job("u2", models.PriorityUrgent),
		job("n1", models.PriorityNormal),
	)

	cands := q.Candidates(10)
	if fmt.Sprint(ids(cands)) != "[u1 u2 n1]" {
		t.Fatalf("candidates = %v", ids(cands))
	}

	// u1 is gated; the dispatcher claims u2 instead.
	claimed, ok := q.Claim("u2")
	if !ok || claimed.ID != "u2" {
		t.Fatalf("Claim(u2) = %v, %v", claimed, ok)
	}
	if _, ok := q.Claim("u2"); ok {
		t.Fatal("second claim of the same job succeeded")
	}

	next, _ := q.Dequeue()
	if next.ID != "u1" {
		t.Fatalf("head after skip = %s, want u1", next.ID)
	}

	// Candidates are copies.
	cands = q.Candidates(1)
	cands[0].State = "tampered"
	got, _ := q.Get("n1")
	if got.State != models.JobStateWaiting {
		t.Fatal("candidate mutation leaked into the queue")
	}
}

func TestRequeueDelayedWaitsForWakeTime(t *testing.T) {
	now := t0
	q := New(WithClock(func() time.Time { return now }))
	mustEnqueue(t, q, job("n1", models.PriorityNormal))

	j, _ := q.Dequeue()
	j.AttemptsMade = 1
	if err := q.RequeueDelayed(j, 5*time.Second); err != nil {
		t.Fatalf("RequeueDelayed: %v", err)
	}
	got, _ := q.Get("n1")
	if got.State != models.JobStateDelayed || got.WakeAt == nil || !got.WakeAt.Equal(t0.Add(5*time.Second)) {
		t.Fatalf("delayed job = %+v", got)
	}
	if c := q.Counts(); c.Delayed != 1 || c.Waiting() != 0 {
		t.Fatalf("counts = %+v", c)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("delayed job was dequeued before its wake time")
	}

	if moved := q.PromoteDue(t0.Add(4 * time.Second)); moved != 0 {
		t.Fatalf("promoted %d jobs early", moved)
	}
	mustEnqueue(t, q, job("n2", models.PriorityNormal))
	if moved := q.PromoteDue(t0.Add(5 * time.Second)); moved != 1 {
		t.Fatalf("promoted = %d, want 1", moved)
	}

	// Back in its original lane, behind work that arrived meanwhile.
	first, _ := q.Dequeue()
	second, _ := q.Dequeue()
	if first.ID != "n2" || second.ID != "n1" {
		t.Fatalf("order = %s, %s", first.ID, second.ID)
	}
	if second.State != models.JobStateWaiting || second.WakeAt != nil || second.AttemptsMade != 1 {
		t.Fatalf("promoted job = %+v", second)
	}
}

func TestRemoveOnlyWaitingOrDelayed(t *testing.T) {
	q := New()
	mustEnqueue(t, q, job("w", models.PriorityNormal), job("d", models.PriorityUrgent), job("a", models.PriorityBackground))

	d, _ := q.Claim("d")
	_ = q.RequeueDelayed(d, time.Minute)
	_, _ = q.Claim("a") // now owned by a worker

	if j, err := q.Remove("w"); err != nil || j.ID != "w" {
		t.Fatalf("Remove(waiting) = %v, %v", j, err)
	}
	if j, err := q.Remove("d"); err != nil || j.ID != "d" {
		t.Fatalf("Remove(delayed) = %v, %v", j, err)
	}
	if _, err := q.Remove("a"); !errors.Is(err, ErrNotRemovable) {
		t.Fatalf("Remove(active) err = %v", err)
	}
	if _, err := q.Remove("missing"); !errors.Is(err, ErrNotRemovable) {
		t.Fatalf("Remove(unknown) err = %v", err)
	}
	if c := q.Counts(); c != (Counts{}) {
		t.Fatalf("counts after removals = %+v", c)
	}
}

func TestAheadCountsHigherLanesAndPredecessors(t *testing.T) {
	q := New()
	mustEnqueue(t, q,
		job("n1", models.PriorityNormal),
		job("u1", models.PriorityUrgent),
		job("n2", models.PriorityNormal),
		job("b1", models.PriorityBackground),
	)
	cases := map[string]int{"u1": 0, "n1": 1, "n2": 2, "b1": 3}
	for id, want := range cases {
		got, ok := q.Ahead(id)
		if !ok || got != want {
			t.Errorf("Ahead(%s) = %d, %v; want %d", id, got, ok, want)
		}
	}
	if _, ok := q.Ahead("zzz"); ok {
		t.Error("Ahead(unknown) reported found")
	}
}

func TestAgingPromotesLongWaitingJobs(t *testing.T) {
	q := New(WithAging(time.Minute), WithClock(func() time.Time { return t0 }))
	mustEnqueue(t, q, job("b1", models.PriorityBackground), job("u1", models.PriorityUrgent))

	q.PromoteDue(t0.Add(30 * time.Second))
	if c := q.Counts(); c.Background != 1 {
		t.Fatalf("aged too early: %+v", c)
	}

	q.PromoteDue(t0.Add(time.Minute))
	if c := q.Counts(); c.Background != 0 || c.Normal != 1 {
		t.Fatalf("after one aging step: %+v", c)
	}
	q.PromoteDue(t0.Add(2 * time.Minute))
	cands := q.Candidates(5)
	if fmt.Sprint(ids(cands)) != "[u1 b1]" {
		t.Fatalf("candidates = %v", ids(cands))
	}
}

func TestStrictPriorityWithoutAging(t *testing.T) {
	q := New(WithClock(func() time.Time { return t0 }))
	mustEnqueue(t, q, job("b1", models.PriorityBackground))
	q.PromoteDue(t0.Add(24 * time.Hour))
	if c := q.Counts(); c.Background != 1 {
		t.Fatalf("job moved lanes without aging: %+v", c)
	}
}

func TestReadySignalsOnEnqueue(t *testing.T) {
	q := New()
	mustEnqueue(t, q, job("a", models.PriorityNormal), job("b", models.PriorityNormal))
	select {
	case <-q.Ready():
	default:
		t.Fatal("Ready did not fire after Enqueue")
	}
	select {
	case <-q.Ready():
		t.Fatal("Ready should coalesce signals")
	default:
	}
}
