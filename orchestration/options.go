package orchestration

import (
	"log/slog"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/emit"
)

// Option is a functional option for configuring the Engine and its
// Dispatcher.
//
// Options are applied in order, so later options override earlier ones.
// The same option list can be passed to NewDispatcher and New:
//
//	opts := []orchestration.Option{
//	    orchestration.WithMaxConcurrent(16),
//	    orchestration.WithLogger(logger),
//	}
//	d, err := orchestration.NewDispatcher(opts...)
//	w := waiter.New(waiter.WithDelivery(d.Deliver))
//	engine, err := orchestration.New(st, st, w, tasks, steps, append(opts, orchestration.WithDispatcher(d))...)
type Option func(*engineConfig) error

type engineConfig struct {
	opts Options

	logger      *slog.Logger
	emitter     emit.Emitter
	metrics     *Metrics
	facilitator Facilitator
	adviser     Adviser
	dispatcher  *Dispatcher
	now         func() time.Time
}

// Options holds the tunables of the Execution Dispatcher.
type Options struct {
	// MaxConcurrent is the number of dispatcher workers. Default 8.
	MaxConcurrent int

	// QueueDepth bounds the number of queued jobs. Default 1024.
	QueueDepth int

	// BackpressureTimeout is how long Submit waits for queue space before
	// returning ErrBackpressureTimeout. Zero waits until the context ends.
	// Default 30s.
	BackpressureTimeout time.Duration
}

// DefaultOptions returns the dispatcher defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:       8,
		QueueDepth:          1024,
		BackpressureTimeout: 30 * time.Second,
	}
}

func (o Options) validate() error {
	if o.MaxConcurrent < 1 {
		return &EngineError{Message: "MaxConcurrent must be at least 1", Code: "INVALID_OPTION"}
	}
	if o.QueueDepth < 1 {
		return &EngineError{Message: "QueueDepth must be at least 1", Code: "INVALID_OPTION"}
	}
	if o.BackpressureTimeout < 0 {
		return &EngineError{Message: "BackpressureTimeout must not be negative", Code: "INVALID_OPTION"}
	}
	return nil
}

func newConfig(options []Option) (*engineConfig, error) {
	cfg := &engineConfig{
		opts:   DefaultOptions(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.opts.validate(); err != nil {
		return nil, err
	}
	if cfg.emitter == nil {
		cfg.emitter = emit.NewNullEmitter()
	}
	return cfg, nil
}

// WithMaxConcurrent sets the number of dispatcher workers.
func WithMaxConcurrent(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxConcurrent = n
		return nil
	}
}

// WithQueueDepth sets the dispatcher queue capacity.
func WithQueueDepth(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.QueueDepth = n
		return nil
	}
}

// WithBackpressureTimeout sets how long Submit blocks on a full queue.
func WithBackpressureTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.BackpressureTimeout = d
		return nil
	}
}

// WithLogger sets the operational logger. Nil is rejected.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		if logger == nil {
			return &EngineError{Message: "logger must not be nil", Code: "INVALID_OPTION"}
		}
		cfg.logger = logger
		return nil
	}
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = emitter
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(metrics *Metrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithFacilitator replaces the DefaultFacilitator.
func WithFacilitator(f Facilitator) Option {
	return func(cfg *engineConfig) error {
		cfg.facilitator = f
		return nil
	}
}

// WithAdviser replaces the DefaultAdviser.
func WithAdviser(a Adviser) Option {
	return func(cfg *engineConfig) error {
		cfg.adviser = a
		return nil
	}
}

// WithDispatcher makes the engine use d instead of building its own. Use it
// when the waiter delivers callbacks onto d.
func WithDispatcher(d *Dispatcher) Option {
	return func(cfg *engineConfig) error {
		cfg.dispatcher = d
		return nil
	}
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if now == nil {
			return &EngineError{Message: "clock must not be nil", Code: "INVALID_OPTION"}
		}
		cfg.now = now
		return nil
	}
}
