package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 2048

// HTTPOperation posts the job payload to {BaseURL}/{operationType} with the
// key secret as bearer token.
type HTTPOperation struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewHTTPOperation(baseURL string, timeout time.Duration) *HTTPOperation {
	return &HTTPOperation{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// invokePayload is the JSON body sent to the provider.
type invokePayload struct {
	JobID   string          `json:"job_id"`
	Attempt int             `json:"attempt"`
	Input   json.RawMessage `json:"input"`
}

func (o *HTTPOperation) Invoke(ctx context.Context, cred Credential, req Request) (Result, error) {
	body, err := json.Marshal(invokePayload{JobID: req.JobID, Attempt: req.Attempt, Input: req.Data})
	if err != nil {
		return Result{}, &Error{Kind: ErrPermanent, Message: fmt.Sprintf("marshal payload: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/"+req.OperationType, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Kind: ErrPermanent, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.Secret)
	httpReq.Header.Set("Idempotency-Key", fmt.Sprintf("%s-%d", req.JobID, req.Attempt))

	resp, err := o.HTTPClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return Result{}, &Error{Kind: ErrTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Result{}, &Error{Kind: classifyStatus(resp.StatusCode), StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	var output json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&output); err != nil {
		return Result{}, &Error{Kind: ErrTransient, StatusCode: resp.StatusCode, Message: "provider returned invalid JSON"}
	}
	return Result{Output: output}, nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrInvalidCredential
	case code == http.StatusRequestTimeout || code >= 500:
		return ErrTransient
	default:
		return ErrPermanent
	}
}
