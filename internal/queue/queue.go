// Package queue holds waiting and delayed jobs in three strict-priority lanes.
//
// The queue owns a job from Enqueue (or RequeueDelayed) until Claim, Dequeue or
// Remove hands it back. Jobs are stored by pointer; callers must not touch a job
// while the queue owns it.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pixelcraft/backend/internal/models"
)

var (
	// ErrNotRemovable is returned by Remove when the job is not waiting or delayed.
	ErrNotRemovable = errors.New("job is not waiting or delayed")
	// ErrDuplicate is returned when a job id is already queued.
	ErrDuplicate = errors.New("job already queued")
)

const laneCount = 3

type entry struct {
	job   *models.Job
	lane  int
	since time.Time
}

// Counts is the per-lane view used by the capacity snapshot.
type Counts struct {
	Urgent     int `json:"urgent"`
	Normal     int `json:"normal"`
	Background int `json:"background"`
	Delayed    int `json:"delayed"`
}

// Waiting is the number of jobs across all lanes, excluding delayed ones.
func (c Counts) Waiting() int { return c.Urgent + c.Normal + c.Background }

type Queue struct {
	mu         sync.RWMutex
	lanes      [laneCount]*list.List
	waiting    map[string]*list.Element
	delayed    map[string]*entry
	ready      chan struct{}
	now        func() time.Time
	agingAfter time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithAging promotes a job one lane after it waited longer than d. Zero keeps
// strict priority.
func WithAging(d time.Duration) Option {
	return func(q *Queue) { q.agingAfter = d }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		waiting: make(map[string]*list.Element),
		delayed: make(map[string]*entry),
		ready:   make(chan struct{}, 1),
		now:     time.Now,
	}
	for i := range q.lanes {
		q.lanes[i] = list.New()
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends the job to the tail of its priority lane as waiting.
func (q *Queue) Enqueue(job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.trackedLocked(job.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	now := q.now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	job.State = models.JobStateWaiting
	job.WakeAt = nil
	q.pushLocked(&entry{job: job, lane: models.LaneIndex(job.Priority), since: now})
	q.Signal()
	return nil
}

func (q *Queue) pushLocked(e *entry) {
	q.waiting[e.job.ID] = q.lanes[e.lane].PushBack(e)
}

func (q *Queue) trackedLocked(id string) bool {
	_, w := q.waiting[id]
	_, d := q.delayed[id]
	return w || d
}

// Dequeue removes and returns the head of the highest non-empty lane.
func (q *Queue) Dequeue() (*models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, l := range q.lanes {
		if front := l.Front(); front != nil {
			return q.takeLocked(front), true
		}
	}
	return nil, false
}

func (q *Queue) takeLocked(el *list.Element) *models.Job {
	e := el.Value.(*entry)
	q.lanes[e.lane].Remove(el)
	delete(q.waiting, e.job.ID)
	return e.job
}

// Candidates returns copies of up to n waiting jobs in dispatch order. The
// caller applies its admission gates and then claims one by id, so a gated
// job keeps its place at the head of its lane.
func (q *Queue) Candidates(n int) []*models.Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*models.Job, 0, n)
	for _, l := range q.lanes {
		for el := l.Front(); el != nil && len(out) < n; el = el.Next() {
			out = append(out, el.Value.(*entry).job.Clone())
		}
	}
	return out
}

// Claim removes a waiting job by id and hands it to the caller.
func (q *Queue) Claim(id string) (*models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.waiting[id]
	if !ok {
		return nil, false
	}
	return q.takeLocked(el), true
}

// RequeueDelayed parks the job until delay elapses; PromoteDue moves it back
// to the tail of its lane.
func (q *Queue) RequeueDelayed(job *models.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.trackedLocked(job.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	if delay < 0 {
		delay = 0
	}
	wake := q.now().Add(delay)
	job.State = models.JobStateDelayed
	job.WakeAt = &wake
	q.delayed[job.ID] = &entry{job: job, lane: models.LaneIndex(job.Priority)}
	return nil
}

// PromoteDue moves delayed jobs whose wake time passed back to waiting and,
// when aging is on, lifts long-waiting jobs one lane. It returns how many jobs
// moved.
func (q *Queue) PromoteDue(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	moved := 0
	for id, e := range q.delayed {
		if e.job.WakeAt != nil && e.job.WakeAt.After(now) {
			continue
		}
		delete(q.delayed, id)
		e.job.State = models.JobStateWaiting
		e.job.WakeAt = nil
		e.since = now
		q.pushLocked(e)
		moved++
	}
	if q.agingAfter > 0 {
		moved += q.ageLocked(now)
	}
	if moved > 0 {
		q.Signal()
	}
	return moved
}

func (q *Queue) ageLocked(now time.Time) int {
	moved := 0
	cutoff := now.Add(-q.agingAfter)
	for lane := 1; lane < laneCount; lane++ {
		l := q.lanes[lane]
		for el := l.Front(); el != nil; {
			next := el.Next()
			e := el.Value.(*entry)
			if !e.since.After(cutoff) {
				l.Remove(el)
				e.lane = lane - 1
				e.since = now
				q.pushLocked(e)
				moved++
			}
			el = next
		}
	}
	return moved
}

// RunScanner calls PromoteDue every interval until ctx is done.
func (q *Queue) RunScanner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.PromoteDue(q.now())
		}
	}
}

// Remove takes a waiting or delayed job out of the queue. Active or unknown
// jobs return ErrNotRemovable.
func (q *Queue) Remove(id string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if el, ok := q.waiting[id]; ok {
		return q.takeLocked(el), nil
	}
	if e, ok := q.delayed[id]; ok {
		delete(q.delayed, id)
		return e.job, nil
	}
	return nil, ErrNotRemovable
}

// Get returns a copy of a queued job.
func (q *Queue) Get(id string) (*models.Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if el, ok := q.waiting[id]; ok {
		return el.Value.(*entry).job.Clone(), true
	}
	if e, ok := q.delayed[id]; ok {
		return e.job.Clone(), true
	}
	return nil, false
}

// Ahead returns how many waiting jobs would be dispatched before id.
func (q *Queue) Ahead(id string) (int, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var lane int
	var target *list.Element
	if el, ok := q.waiting[id]; ok {
		target = el
		lane = el.Value.(*entry).lane
	} else if e, ok := q.delayed[id]; ok {
		lane = e.lane
	} else {
		return 0, false
	}
	n := 0
	for i := 0; i < lane; i++ {
		n += q.lanes[i].Len()
	}
	for el := q.lanes[lane].Front(); el != nil && el != target; el = el.Next() {
		n++
	}
	return n, true
}

// Counts reads lane sizes under a shared lock.
func (q *Queue) Counts() Counts {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Counts{
		Urgent:     q.lanes[0].Len(),
		Normal:     q.lanes[1].Len(),
		Background: q.lanes[2].Len(),
		Delayed:    len(q.delayed),
	}
}

// Ready fires after new work may have become claimable.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Signal wakes one waiter on Ready without blocking.
func (q *Queue) Signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
