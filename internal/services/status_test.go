package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pixelcraft/backend/internal/keypool"
	"github.com/pixelcraft/backend/internal/models"
	"github.com/pixelcraft/backend/internal/upstream"
	"github.com/pixelcraft/backend/internal/upstream/mock"
)

func TestGetStatus_NotFoundIsDistinct(t *testing.T) {
	h := newHarness(t, mock.New(), harnessOpts{})

	_, err := h.status.GetStatus(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestGetStatus_FailedJobIsNotNotFound(t *testing.T) {
	op := mock.New(mock.WithError(&upstream.Error{Kind: upstream.ErrPermanent, Message: "nsfw"}))
	h := newHarness(t, op, harnessOpts{})
	h.grant(t, "u1", 10)
	job := h.submit(t, "u1", models.PriorityNormal, 10, 1)
	h.d.ProcessNext(context.Background())

	view, err := h.status.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.Status != models.JobStateFailed || view.Error == "" || view.FinishedAt == nil {
		t.Errorf("view = %+v", view)
	}
	if view.EstimatedWait != nil {
		t.Error("terminal jobs carry no wait estimate")
	}
}

func TestGetStatus_WaitingJobHasEstimate(t *testing.T) {
	h := newHarness(t, mock.New(), harnessOpts{keys: []keypool.KeyConfig{{ID: "k1", MaxConcurrent: 2}}})
	h.grant(t, "u1", 100)
	var last *models.Job
	for i := 0; i < 5; i++ {
		last = h.submit(t, "u1", models.PriorityNormal, 10, 1)
	}

	view, err := h.status.GetStatus(context.Background(), last.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if view.Status != models.JobStateWaiting || view.EstimatedWait == nil {
		t.Fatalf("view = %+v", view)
	}
	// 4 ahead over capacity 2, plus its own attempt: 3 rounds of the initial 30s average
	if *view.EstimatedWait != 90 {
		t.Errorf("estimatedWait = %d, want 90", *view.EstimatedWait)
	}
}

func TestEstimateWait_NoCapacityStillFinite(t *testing.T) {
	now := time.Now()
	h := newHarness(t, mock.New(), harnessOpts{
		keys:    []keypool.KeyConfig{{ID: "k1", MaxConcurrent: 1}},
		keyOpts: []keypool.Option{keypool.WithClock(func() time.Time { return now })},
	})
	if err := h.keys.Disable("k1"); err != nil {
		t.Fatal(err)
	}
	h.grant(t, "u1", 100)
	h.submit(t, "u1", models.PriorityNormal, 10, 1)
	job := h.submit(t, "u1", models.PriorityNormal, 10, 1)

	if got := h.status.EstimateWait(job.ID); got != 2*defaultInitialAverage {
		t.Errorf("EstimateWait = %v, want %v", got, 2*defaultInitialAverage)
	}
	if got := h.status.EstimateWait("unknown"); got != 0 {
		t.Errorf("EstimateWait(unknown) = %v", got)
	}
}

func TestGetCapacitySnapshot(t *testing.T) {
	h := newHarness(t, mock.New(), harnessOpts{keys: []keypool.KeyConfig{
		{ID: "k1", MaxConcurrent: 2},
		{ID: "k2", MaxConcurrent: 2},
	}})
	h.grant(t, "u1", 100)
	h.submit(t, "u1", models.PriorityUrgent, 10, 1)
	h.submit(t, "u1", models.PriorityBackground, 10, 1)
	h.submit(t, "u1", models.PriorityBackground, 10, 1)
	if _, err := h.keys.Acquire(); err != nil {
		t.Fatal(err)
	}

	snap := h.status.GetCapacitySnapshot(context.Background())
	if snap.TotalKeys != 2 || snap.HealthyKeys != 2 || snap.TotalCapacity != 4 || snap.AvailableCapacity != 3 {
		t.Errorf("key stats = %+v", snap.Stats)
	}
	if snap.UtilizationPercent != 25 {
		t.Errorf("utilization = %v, want 25", snap.UtilizationPercent)
	}
	if snap.PerLaneCounts != (LaneCounts{Urgent: 1, Background: 2}) || snap.WaitingJobs != 3 {
		t.Errorf("lanes = %+v waiting = %d", snap.PerLaneCounts, snap.WaitingJobs)
	}
	if snap.ActiveJobs != 0 {
		t.Errorf("active jobs = %d", snap.ActiveJobs)
	}
}

func TestAverageAttemptMovesTowardSamples(t *testing.T) {
	h := newHarness(t, mock.New(), harnessOpts{})
	before := h.d.AverageAttempt()
	h.d.observe(0)
	after := h.d.AverageAttempt()
	if after >= before || after != time.Duration(float64(before)*(1-ewmaAlpha)) {
		t.Errorf("average %v -> %v", before, after)
	}
}
