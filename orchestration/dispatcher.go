package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is one unit of work run by a dispatcher worker. ctx is cancelled when
// the dispatcher stops.
type Job func(ctx context.Context)

// Dispatcher runs jobs on a fixed pool of workers fed by a bounded queue.
//
// Submit applies backpressure: when the queue is full it blocks for at most
// BackpressureTimeout. A panicking job is recovered and logged; the worker
// keeps running.
//
// Thread-safety: all methods are safe for concurrent use.
type Dispatcher struct {
	queue   chan Job
	opts    Options
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	pending  int           // queued, delayed and running jobs
	idle     chan struct{} // closed while pending == 0
	inflight int
}

// NewDispatcher builds a dispatcher from the MaxConcurrent, QueueDepth,
// BackpressureTimeout, WithLogger and WithMetrics options. Other options
// are ignored. Call Start before submitting.
func NewDispatcher(options ...Option) (*Dispatcher, error) {
	cfg, err := newConfig(options)
	if err != nil {
		return nil, err
	}
	return newDispatcher(cfg), nil
}

func newDispatcher(cfg *engineConfig) *Dispatcher {
	idle := make(chan struct{})
	close(idle)
	return &Dispatcher{
		queue:   make(chan Job, cfg.opts.QueueDepth),
		opts:    cfg.opts,
		logger:  cfg.logger,
		metrics: cfg.metrics,
		idle:    idle,
	}
}

// Start launches the workers. It is a no-op when already started.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	d.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < d.opts.MaxConcurrent; i++ {
		d.group.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
}

// Stop cancels running jobs, drops queued ones and waits for the workers to
// exit. Delayed jobs that come due afterwards are refused.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel, group := d.cancel, d.group
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		_ = group.Wait()
	}

	for {
		select {
		case <-d.queue:
			d.done()
		default:
			d.metrics.UpdateQueueDepth(0)
			return
		}
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.metrics.UpdateQueueDepth(len(d.queue))
			d.run(ctx, job)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	d.mu.Lock()
	d.inflight++
	d.metrics.UpdateInflight(d.inflight)
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "dispatcher job panicked",
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		d.mu.Lock()
		d.inflight--
		d.metrics.UpdateInflight(d.inflight)
		d.mu.Unlock()
		d.done()
	}()

	job(ctx)
}

func (d *Dispatcher) add() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	if d.pending == 0 {
		d.idle = make(chan struct{})
	}
	d.pending++
	return nil
}

func (d *Dispatcher) done() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending--
	if d.pending == 0 {
		close(d.idle)
	}
}

// Submit queues job. It returns ErrBackpressureTimeout when the queue stays
// full for BackpressureTimeout, ctx.Err() when ctx ends first, and
// ErrDispatcherStopped after Stop.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	if job == nil {
		return errors.New("job must not be nil")
	}
	if err := d.add(); err != nil {
		d.metrics.IncrementBackpressure("stopped")
		return err
	}

	select {
	case d.queue <- job:
		d.metrics.UpdateQueueDepth(len(d.queue))
		return nil
	default:
	}

	var timeout <-chan time.Time
	if d.opts.BackpressureTimeout > 0 {
		timer := time.NewTimer(d.opts.BackpressureTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d.queue <- job:
		d.metrics.UpdateQueueDepth(len(d.queue))
		return nil
	case <-ctx.Done():
		d.done()
		d.metrics.IncrementBackpressure("cancelled")
		return ctx.Err()
	case <-timeout:
		d.done()
		d.metrics.IncrementBackpressure("timeout")
		return ErrBackpressureTimeout
	}
}

// SubmitAfter queues job once delay has elapsed. The job counts as pending
// for Wait from the moment it is scheduled.
func (d *Dispatcher) SubmitAfter(delay time.Duration, job Job) error {
	if delay <= 0 {
		return d.Submit(context.Background(), job)
	}
	if err := d.add(); err != nil {
		return err
	}
	time.AfterFunc(delay, func() {
		defer d.done()
		if err := d.Submit(context.Background(), job); err != nil {
			d.logger.Error("delayed job dropped", "delay", delay, "error", err)
		}
	})
	return nil
}

// Deliver runs a waiter callback on the pool. It matches waiter.DeliverFunc.
// When the pool refuses the job the callback runs on the caller's goroutine,
// so a fired correlation is never lost.
func (d *Dispatcher) Deliver(ctx context.Context, run func(context.Context)) {
	if err := d.Submit(ctx, Job(run)); err != nil {
		d.logger.WarnContext(ctx, "running correlation callback inline", "error", err)
		run(context.WithoutCancel(ctx))
	}
}

// Wait blocks until no job is queued, delayed or running, or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued, delayed and running jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}
