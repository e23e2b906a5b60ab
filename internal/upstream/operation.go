// Package upstream defines the contract for invoking an external AI operation
// and classifies its failures for the dispatcher.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pixelcraft/backend/internal/keypool"
)

var (
	ErrRateLimited       = errors.New("upstream rate limited")
	ErrTransient         = errors.New("upstream transient failure")
	ErrPermanent         = errors.New("upstream permanent failure")
	ErrInvalidCredential = errors.New("upstream rejected credential")
)

// Error carries the classification plus whatever the provider told us.
type Error struct {
	Kind       error
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%v (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *Error) Is(target error) bool { return e.Kind == target }

// Credential is the provider key secret an attempt runs with.
type Credential struct {
	KeyID  string
	Secret string
}

// Request describes one attempt. Progress, when set, receives 0-100 updates.
type Request struct {
	JobID         string
	OperationType string
	Data          json.RawMessage
	Attempt       int
	Progress      func(percent int)
}

type Result struct {
	Output json.RawMessage
}

// Operation invokes the external AI model.
type Operation interface {
	Invoke(ctx context.Context, cred Credential, req Request) (Result, error)
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context, cred Credential, req Request) (Result, error)

func (f OperationFunc) Invoke(ctx context.Context, cred Credential, req Request) (Result, error) {
	return f(ctx, cred, req)
}

// IsRetryable reports whether another attempt may succeed. Unclassified errors
// and deadline overruns are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	return true
}

// OutcomeFor maps an attempt error to the key pool outcome.
func OutcomeFor(err error) keypool.Outcome {
	switch {
	case err == nil:
		return keypool.OutcomeSuccess
	case errors.Is(err, ErrRateLimited):
		return keypool.OutcomeRateLimited
	case errors.Is(err, ErrInvalidCredential):
		return keypool.OutcomeInvalidCredential
	default:
		return keypool.OutcomeFailure
	}
}
