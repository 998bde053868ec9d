package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPExecutor queues tasks on a remote worker pool over HTTP.
//
// Each task is POSTed as JSON to the pool endpoint:
//
//	{"routing": {...}, "spec": {...}, "initial_delay_ms": 0}
//
// The pool must answer 2xx with {"task_id": "..."}. The pool later reports
// the result by fulfilling task_id through the engine's correlation endpoint.
//
// Status mapping:
//   - 409, 422, 503: no eligible worker
//   - any other non-2xx: dispatch error carrying the status
//   - transport failure: dispatch error carrying the cause
type HTTPExecutor struct {
	category string
	endpoint string
	client   *http.Client
	headers  map[string]string
}

// HTTPOption configures an HTTPExecutor.
type HTTPOption func(*HTTPExecutor)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPExecutor) { h.client = c }
}

// WithHeader adds a header to every request, e.g. an authorization token.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPExecutor) { h.headers[key] = value }
}

// NewHTTPExecutor creates an executor posting to endpoint. category only
// labels dispatch errors.
func NewHTTPExecutor(category, endpoint string, opts ...HTTPOption) *HTTPExecutor {
	h := &HTTPExecutor{
		category: category,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		headers:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type queueRequest struct {
	Routing        Routing `json:"routing"`
	Spec           Spec    `json:"spec"`
	InitialDelayMS int64   `json:"initial_delay_ms"`
}

type queueResponse struct {
	TaskID string `json:"task_id"`
}

func (h *HTTPExecutor) QueueTask(ctx context.Context, routing Routing, spec Spec, initialDelay time.Duration) (string, error) {
	body, err := json.Marshal(queueRequest{Routing: routing, Spec: spec, InitialDelayMS: initialDelay.Milliseconds()})
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", &DispatchError{Category: h.category, Reason: "worker pool unreachable", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &DispatchError{Category: h.category, Reason: "read response", Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusServiceUnavailable:
		return "", &DispatchError{
			Category: h.category,
			Reason:   fmt.Sprintf("worker pool answered %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)),
			Cause:    ErrNoEligibleWorker,
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &DispatchError{
			Category: h.category,
			Reason:   fmt.Sprintf("worker pool answered %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)),
		}
	}

	var out queueResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &DispatchError{Category: h.category, Reason: "decode response", Cause: err}
	}
	if out.TaskID == "" {
		return "", &DispatchError{Category: h.category, Reason: "worker pool returned no task_id"}
	}
	return out.TaskID, nil
}
