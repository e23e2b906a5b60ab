// Package mock provides a scriptable upstream.Operation for tests.
package mock

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pixelcraft/backend/internal/upstream"
)

// Operation is a fake AI provider. Errors queued with WithErrors are returned
// in order, one per call; after they run out every call succeeds.
type Operation struct {
	mu         sync.Mutex
	errs       []error
	staticErr  error
	latency    time.Duration
	output     json.RawMessage
	block      chan struct{}
	callCount  atomic.Int64
	calls      []upstream.Request
	keys       []string
	responseFn func(upstream.Credential, upstream.Request) (upstream.Result, error)
}

var _ upstream.Operation = (*Operation)(nil)

// Option configures a mock Operation.
type Option func(*Operation)

func New(opts ...Option) *Operation {
	o := &Operation{output: json.RawMessage(`{"ok":true}`)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithErrors queues errors for the next calls.
func WithErrors(errs ...error) Option {
	return func(o *Operation) { o.errs = append(o.errs, errs...) }
}

// WithError makes every call fail with err.
func WithError(err error) Option {
	return func(o *Operation) { o.staticErr = err }
}

// WithLatency adds simulated latency, honoring ctx cancellation.
func WithLatency(d time.Duration) Option {
	return func(o *Operation) { o.latency = d }
}

// WithOutput sets the successful result payload.
func WithOutput(out json.RawMessage) Option {
	return func(o *Operation) { o.output = out }
}

// WithBlock makes calls wait until ch is closed or ctx ends.
func WithBlock(ch chan struct{}) Option {
	return func(o *Operation) { o.block = ch }
}

// WithResponseFunc replaces the scripted behavior entirely.
func WithResponseFunc(fn func(upstream.Credential, upstream.Request) (upstream.Result, error)) Option {
	return func(o *Operation) { o.responseFn = fn }
}

func (o *Operation) Invoke(ctx context.Context, cred upstream.Credential, req upstream.Request) (upstream.Result, error) {
	o.callCount.Add(1)
	o.mu.Lock()
	o.calls = append(o.calls, req)
	o.keys = append(o.keys, cred.KeyID)
	var next error
	if len(o.errs) > 0 {
		next, o.errs = o.errs[0], o.errs[1:]
	}
	o.mu.Unlock()

	if o.block != nil {
		select {
		case <-o.block:
		case <-ctx.Done():
			return upstream.Result{}, ctx.Err()
		}
	}
	if o.latency > 0 {
		select {
		case <-time.After(o.latency):
		case <-ctx.Done():
			return upstream.Result{}, ctx.Err()
		}
	}
	if o.responseFn != nil {
		return o.responseFn(cred, req)
	}
	if o.staticErr != nil {
		return upstream.Result{}, o.staticErr
	}
	if next != nil {
		return upstream.Result{}, next
	}
	if req.Progress != nil {
		req.Progress(50)
	}
	return upstream.Result{Output: o.output}, nil
}

// Calls returns how many times Invoke ran.
func (o *Operation) Calls() int { return int(o.callCount.Load()) }

// Requests returns the requests seen so far.
func (o *Operation) Requests() []upstream.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]upstream.Request, len(o.calls))
	copy(out, o.calls)
	return out
}

// KeyIDs returns the key id used by each call.
func (o *Operation) KeyIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}
