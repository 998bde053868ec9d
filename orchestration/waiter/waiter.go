// Package waiter implements the completion correlation engine: callers
// register a callback against a set of correlation ids, remote parties fulfil
// those ids, and the callback fires exactly once when every id has resolved.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
)

var (
	// ErrNoCorrelationIDs is returned by WaitForAll when no ids are given.
	ErrNoCorrelationIDs = errors.New("at least one correlation id is required")

	// ErrEmptyCorrelationID is returned for a blank correlation id.
	ErrEmptyCorrelationID = errors.New("correlation id must not be empty")

	// ErrAlreadyFulfilled is returned when an id is fulfilled a second time.
	// The second response is discarded.
	ErrAlreadyFulfilled = errors.New("correlation id already fulfilled")
)

// Response is the payload a correlation id was fulfilled with.
type Response struct {
	CorrelationID string
	Data          map[string]any
	Failure       *model.FailureInfo
}

// Failed reports whether the id was fulfilled with a failure.
func (r Response) Failed() bool {
	return r.Failure != nil
}

// Callback receives every response of a registration, keyed by correlation id.
type Callback func(ctx context.Context, responses map[string]Response)

// DeliverFunc hands a ready callback invocation to whatever runs it.
type DeliverFunc func(ctx context.Context, run func(context.Context))

// Defaults for how long a resolved id is remembered.
const (
	DefaultRetention   = 15 * time.Minute
	DefaultMaxResolved = 100000
)

// Gauge is the subset of a prometheus gauge the waiter reports to.
type Gauge interface {
	Set(float64)
}

type registration struct {
	id        string
	callback  Callback
	remaining map[string]struct{}
	responses map[string]Response
}

// Waiter is the completion correlation engine.
//
// Guarantees:
//   - a callback fires once all of its ids resolve, never partially and never twice
//   - a failure response resolves its id like any other; there is no short-circuit
//   - a second fulfil of the same id returns ErrAlreadyFulfilled and changes nothing
//   - an id fulfilled before anyone waits on it is parked and handed to the
//     first registration that claims it
//   - waiting on an id that was already fulfilled and claimed returns
//     ErrAlreadyFulfilled
//
// Resolved ids are remembered for the retention period, and at most
// maxResolved of them; parked responses expire with them. State is kept in
// memory. Callbacks run outside the waiter's lock, through the configured
// DeliverFunc.
type Waiter struct {
	mu            sync.Mutex
	registrations map[string]*registration // wait id -> registration
	byCorrelation map[string][]string      // correlation id -> wait ids
	parked        map[string]Response      // fulfilled, not yet claimed
	resolved      map[string]time.Time     // fulfilled ids -> when
	history       []tombstone              // resolved ids, oldest first

	retention   time.Duration
	maxResolved int
	now         func() time.Time

	deliver DeliverFunc
	logger  *slog.Logger
	pending Gauge

	// coordinator queue, used when no DeliverFunc is configured
	queueMu sync.Mutex
	queue   []queued
	signal  chan struct{}
}

type tombstone struct {
	id string
	at time.Time
}

type queued struct {
	ctx context.Context
	run func(context.Context)
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithLogger sets the logger for parked and duplicate fulfils.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Waiter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDelivery routes ready callbacks through deliver instead of the
// built-in coordinator goroutine.
func WithDelivery(deliver DeliverFunc) Option {
	return func(w *Waiter) {
		w.deliver = deliver
	}
}

// WithInlineDelivery runs callbacks synchronously on the goroutine whose
// fulfil (or registration) completed the set.
func WithInlineDelivery() Option {
	return WithDelivery(func(ctx context.Context, run func(context.Context)) {
		run(ctx)
	})
}

// WithPendingGauge reports the number of open registrations to g.
func WithPendingGauge(g Gauge) Option {
	return func(w *Waiter) {
		w.pending = g
	}
}

// WithRetention sets how long resolved ids and parked responses are kept.
func WithRetention(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.retention = d
		}
	}
}

// WithMaxResolved caps how many resolved ids are remembered. The oldest are
// forgotten first.
func WithMaxResolved(n int) Option {
	return func(w *Waiter) {
		if n > 0 {
			w.maxResolved = n
		}
	}
}

// WithClock sets the time source used for retention.
func WithClock(now func() time.Time) Option {
	return func(w *Waiter) {
		if now != nil {
			w.now = now
		}
	}
}

// New creates a Waiter. Without WithDelivery, callbacks are queued for the
// coordinator started by Run.
func New(opts ...Option) *Waiter {
	w := &Waiter{
		registrations: make(map[string]*registration),
		byCorrelation: make(map[string][]string),
		parked:        make(map[string]Response),
		resolved:      make(map[string]time.Time),
		retention:     DefaultRetention,
		maxResolved:   DefaultMaxResolved,
		now:           time.Now,
		logger:        slog.Default(),
		signal:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.deliver == nil {
		w.deliver = w.enqueue
	}
	return w
}

// WaitForAll registers callback to fire once every id in ids has been
// fulfilled. Duplicate ids are collapsed. It returns the registration id.
func (w *Waiter) WaitForAll(ctx context.Context, callback Callback, ids ...string) (string, error) {
	if len(ids) == 0 {
		return "", ErrNoCorrelationIDs
	}
	if callback == nil {
		return "", errors.New("callback is required")
	}
	for _, id := range ids {
		if id == "" {
			return "", ErrEmptyCorrelationID
		}
	}

	reg := &registration{
		id:        model.NewCorrelationID(),
		callback:  callback,
		remaining: make(map[string]struct{}, len(ids)),
		responses: make(map[string]Response, len(ids)),
	}

	w.mu.Lock()
	w.prune(ctx)
	for _, id := range ids {
		_, parked := w.parked[id]
		if _, done := w.resolved[id]; done && !parked {
			w.mu.Unlock()
			return "", fmt.Errorf("%s: %w", id, ErrAlreadyFulfilled)
		}
	}
	for _, id := range ids {
		if _, dup := reg.remaining[id]; dup {
			continue
		}
		if _, dup := reg.responses[id]; dup {
			continue
		}
		if resp, ok := w.parked[id]; ok {
			reg.responses[id] = resp
			delete(w.parked, id)
			continue
		}
		reg.remaining[id] = struct{}{}
		w.byCorrelation[id] = append(w.byCorrelation[id], reg.id)
	}

	ready := len(reg.remaining) == 0
	if !ready {
		w.registrations[reg.id] = reg
	}
	w.reportPending()
	w.mu.Unlock()

	if ready {
		w.fire(ctx, reg)
	}
	return reg.id, nil
}

// Fulfil resolves id with a successful payload.
func (w *Waiter) Fulfil(ctx context.Context, id string, data map[string]any) error {
	return w.resolve(ctx, Response{CorrelationID: id, Data: data})
}

// Resolve resolves resp.CorrelationID with resp as given, so a failure can
// carry data alongside it.
func (w *Waiter) Resolve(ctx context.Context, resp Response) error {
	return w.resolve(ctx, resp)
}

// FulfilWithFailure resolves id with a failure. The failure does not cancel
// the registration; it is delivered alongside the other responses.
func (w *Waiter) FulfilWithFailure(ctx context.Context, id string, failure *model.FailureInfo) error {
	if failure == nil {
		failure = model.NewFailure("unspecified failure")
	}
	return w.resolve(ctx, Response{CorrelationID: id, Failure: failure})
}

func (w *Waiter) resolve(ctx context.Context, resp Response) error {
	id := resp.CorrelationID
	if id == "" {
		return ErrEmptyCorrelationID
	}

	w.mu.Lock()
	w.prune(ctx)
	if _, done := w.resolved[id]; done {
		w.mu.Unlock()
		w.logger.WarnContext(ctx, "ignoring duplicate fulfil", "correlation_id", id)
		return fmt.Errorf("%s: %w", id, ErrAlreadyFulfilled)
	}
	at := w.now()
	w.resolved[id] = at
	w.history = append(w.history, tombstone{id: id, at: at})

	waitIDs := w.byCorrelation[id]
	delete(w.byCorrelation, id)

	if len(waitIDs) == 0 {
		w.parked[id] = resp
		w.mu.Unlock()
		w.logger.InfoContext(ctx, "parked fulfil with no registration", "correlation_id", id)
		return nil
	}

	var ready []*registration
	for _, waitID := range waitIDs {
		reg, ok := w.registrations[waitID]
		if !ok {
			continue
		}
		delete(reg.remaining, id)
		reg.responses[id] = resp
		if len(reg.remaining) == 0 {
			delete(w.registrations, waitID)
			ready = append(ready, reg)
		}
	}
	w.reportPending()
	w.mu.Unlock()

	for _, reg := range ready {
		w.fire(ctx, reg)
	}
	return nil
}

func (w *Waiter) fire(ctx context.Context, reg *registration) {
	responses := reg.responses
	callback := reg.callback
	w.deliver(context.WithoutCancel(ctx), func(ctx context.Context) {
		callback(ctx, responses)
	})
}

// prune forgets resolved ids past retention or beyond maxResolved, oldest
// first, and drops their parked responses. Must be called with w.mu held.
func (w *Waiter) prune(ctx context.Context) {
	now := w.now()
	for len(w.history) > 0 {
		head := w.history[0]
		if len(w.history) <= w.maxResolved && now.Sub(head.at) < w.retention {
			return
		}
		w.history[0] = tombstone{}
		w.history = w.history[1:]
		delete(w.resolved, head.id)
		if _, ok := w.parked[head.id]; ok {
			delete(w.parked, head.id)
			w.logger.WarnContext(ctx, "dropping unclaimed fulfil", "correlation_id", head.id)
		}
	}
}

// reportPending must be called with w.mu held.
func (w *Waiter) reportPending() {
	if w.pending != nil {
		w.pending.Set(float64(len(w.registrations)))
	}
}

// Pending returns the number of registrations still waiting.
func (w *Waiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.registrations)
}

// Parked returns the number of fulfilled ids nobody has claimed yet.
func (w *Waiter) Parked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.parked)
}

// Resolved returns the number of fulfilled ids still remembered.
func (w *Waiter) Resolved() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.resolved)
}

func (w *Waiter) enqueue(ctx context.Context, run func(context.Context)) {
	w.queueMu.Lock()
	w.queue = append(w.queue, queued{ctx: ctx, run: run})
	w.queueMu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Run drives the coordinator goroutine that invokes queued callbacks in
// order. It returns when ctx is done. Run is only needed when the Waiter was
// built without WithDelivery.
func (w *Waiter) Run(ctx context.Context) error {
	for {
		w.drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.signal:
		}
	}
}

func (w *Waiter) drain() {
	for {
		w.queueMu.Lock()
		if len(w.queue) == 0 {
			w.queueMu.Unlock()
			return
		}
		next := w.queue[0]
		w.queue = w.queue[1:]
		w.queueMu.Unlock()

		w.invoke(next)
	}
}

func (w *Waiter) invoke(q queued) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("correlation callback panicked", "panic", r)
		}
	}()
	q.run(q.ctx)
}
