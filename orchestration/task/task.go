// Package task dispatches units of work to out-of-process workers.
//
// An Executor hands a task to a worker pool and returns immediately with a
// task id. The worker later reports completion by fulfilling that id as a
// correlation id, so callers never block on remote work.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoEligibleWorker means no worker matched the routing, or every
	// matching worker refused the task.
	ErrNoEligibleWorker = errors.New("no eligible worker")

	// ErrUnknownCategory means no executor is registered for a category.
	ErrUnknownCategory = errors.New("unknown task category")
)

// Routing selects which workers may pick up a task.
type Routing struct {
	AccountID string            `json:"account_id,omitempty"`
	Selectors []string          `json:"selectors,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Spec describes the task itself.
type Spec struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
}

// Executor queues tasks on a worker pool. QueueTask must not wait for the
// task to run; it returns as soon as the pool has accepted it.
type Executor interface {
	QueueTask(ctx context.Context, routing Routing, spec Spec, initialDelay time.Duration) (string, error)
}

// DispatchError reports that a task could not be handed to any worker.
// It is never retried by the engine; the node fails or errors instead.
type DispatchError struct {
	Category string
	Reason   string
	Cause    error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("dispatch to %s failed", e.Category)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// IsDispatchError reports whether err carries a *DispatchError.
func IsDispatchError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}

// Registry maps task categories to executors. It is built once at startup
// and read-only afterwards.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry copies executors into a new Registry.
func NewRegistry(executors map[string]Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor, len(executors))}
	for category, ex := range executors {
		r.executors[category] = ex
	}
	return r
}

// Lookup returns the executor for category.
func (r *Registry) Lookup(category string) (Executor, error) {
	ex, ok := r.executors[category]
	if !ok {
		return nil, &DispatchError{Category: category, Reason: "no executor registered", Cause: ErrUnknownCategory}
	}
	return ex, nil
}

// Categories returns the number of registered categories.
func (r *Registry) Categories() int {
	return len(r.executors)
}

// Dispatch looks up the executor for category and queues the task on it.
// Every failure is returned as a *DispatchError.
func (r *Registry) Dispatch(ctx context.Context, category string, routing Routing, spec Spec, initialDelay time.Duration) (string, error) {
	ex, err := r.Lookup(category)
	if err != nil {
		return "", err
	}
	taskID, err := ex.QueueTask(ctx, routing, spec, initialDelay)
	if err != nil {
		if IsDispatchError(err) {
			return "", err
		}
		return "", &DispatchError{Category: category, Reason: "queue task", Cause: err}
	}
	if taskID == "" {
		return "", &DispatchError{Category: category, Reason: "executor returned an empty task id"}
	}
	return taskID, nil
}
