package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
)

// Completer is notified when a task finishes. *waiter.Waiter implements it.
type Completer interface {
	Fulfil(ctx context.Context, id string, data map[string]any) error
	FulfilWithFailure(ctx context.Context, id string, failure *model.FailureInfo) error
}

// Handler runs one task type in-process.
type Handler func(ctx context.Context, spec Spec) (map[string]any, error)

// LocalExecutor is an in-process worker pool. It stands in for remote
// workers in tests, demos and single-binary deployments: each task runs on
// its own goroutine after the initial delay and reports through the Completer.
type LocalExecutor struct {
	handlers  map[string]Handler
	completer Completer
	sem       *semaphore.Weighted
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex // guards closed and wg.Add against Close
	closed bool
}

// LocalOption configures a LocalExecutor.
type LocalOption func(*LocalExecutor)

// WithWorkers caps how many tasks run at once. Default 16.
func WithWorkers(n int64) LocalOption {
	return func(l *LocalExecutor) {
		if n > 0 {
			l.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithLocalLogger sets the executor's logger.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *LocalExecutor) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocalExecutor creates an executor that runs handlers by task type.
func NewLocalExecutor(completer Completer, handlers map[string]Handler, opts ...LocalOption) *LocalExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	l := &LocalExecutor{
		handlers:  make(map[string]Handler, len(handlers)),
		completer: completer,
		sem:       semaphore.NewWeighted(16),
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for k, h := range handlers {
		l.handlers[k] = h
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LocalExecutor) QueueTask(ctx context.Context, _ Routing, spec Spec, initialDelay time.Duration) (string, error) {
	handler, ok := l.handlers[spec.Type]
	if !ok {
		return "", &DispatchError{Category: "LOCAL", Reason: fmt.Sprintf("no handler for task type %q", spec.Type), Cause: ErrNoEligibleWorker}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return "", &DispatchError{Category: "LOCAL", Reason: "executor closed", Cause: ErrNoEligibleWorker}
	}
	taskID := model.NewCorrelationID()
	l.wg.Add(1)
	l.mu.Unlock()

	go l.run(taskID, handler, spec, initialDelay)
	l.logger.DebugContext(ctx, "task queued", "task_id", taskID, "type", spec.Type, "delay", initialDelay)
	return taskID, nil
}

func (l *LocalExecutor) run(taskID string, handler Handler, spec Spec, delay time.Duration) {
	defer l.wg.Done()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-l.ctx.Done():
			timer.Stop()
			l.abandon(taskID)
			return
		}
	}

	if err := l.sem.Acquire(l.ctx, 1); err != nil {
		l.abandon(taskID)
		return
	}
	defer l.sem.Release(1)
	if l.ctx.Err() != nil {
		l.abandon(taskID)
		return
	}

	taskCtx := l.ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(l.ctx, spec.Timeout)
		defer cancel()
	}

	data, err := l.invoke(taskCtx, handler, spec)
	if err != nil {
		types := []model.FailureType{model.FailureApplication}
		if errors.Is(err, context.DeadlineExceeded) {
			types = []model.FailureType{model.FailureTimeout}
		}
		if ferr := l.completer.FulfilWithFailure(l.ctx, taskID, model.FailureFromError(err, types...)); ferr != nil {
			l.logger.Warn("task failure not delivered", "task_id", taskID, "error", ferr)
		}
		return
	}
	if ferr := l.completer.Fulfil(l.ctx, taskID, data); ferr != nil {
		l.logger.Warn("task result not delivered", "task_id", taskID, "error", ferr)
	}
}

// abandon fails a task the executor was closed before it could run.
func (l *LocalExecutor) abandon(taskID string) {
	failure := model.NewFailure("executor closed before the task ran", model.FailureDelegateProvisioning)
	if err := l.completer.FulfilWithFailure(context.WithoutCancel(l.ctx), taskID, failure); err != nil {
		l.logger.Warn("task failure not delivered", "task_id", taskID, "error", err)
	}
}

func (l *LocalExecutor) invoke(ctx context.Context, handler Handler, spec Spec) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return handler(ctx, spec)
}

// Close stops accepting tasks, cancels queued and running ones and waits for
// their goroutines to exit. Every cancelled task is reported as failed.
func (l *LocalExecutor) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	return nil
}

// Wait blocks until every queued task has finished.
func (l *LocalExecutor) Wait() {
	l.wg.Wait()
}
