package orchestration

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus metrics for the engine, its dispatcher and the
// correlation waiter.
//
// Metrics exposed (all namespaced with "orchestration_"):
//
//   - dispatcher_queue_depth (gauge): jobs waiting for a dispatcher worker.
//   - dispatcher_inflight (gauge): jobs currently running.
//   - backpressure_events_total (counter, label reason): submissions that
//     timed out or were refused.
//   - events_total (counter, labels kind, outcome): response events handled.
//     outcome is one of ok, error, duplicate.
//   - status_transitions_total (counter, label status): statuses entered.
//   - step_latency_ms (histogram, labels step_type, status): time from a
//     node execution's start to its terminal status.
//   - retries_total (counter, label node_id): retries advised.
//   - dispatch_errors_total (counter, label category): tasks no executor
//     accepted.
//   - waiter_pending (gauge): open correlation registrations.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := orchestration.NewMetrics(registry)
//	engine, err := orchestration.New(st, st, w, tasks, steps, orchestration.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	queueDepth    prometheus.Gauge
	inflight      prometheus.Gauge
	waiterPending prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	backpressure   *prometheus.CounterVec
	events         *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	retries        *prometheus.CounterVec
	dispatchErrors *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers every metric with registry, or with
// prometheus.DefaultRegisterer when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		enabled:  true,
	}

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestration",
		Name:      "dispatcher_queue_depth",
		Help:      "Number of jobs waiting for a dispatcher worker",
	})

	m.inflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestration",
		Name:      "dispatcher_inflight",
		Help:      "Number of dispatcher jobs currently running",
	})

	m.waiterPending = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestration",
		Name:      "waiter_pending",
		Help:      "Open correlation registrations waiting for fulfilment",
	})

	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestration",
		Name:      "step_latency_ms",
		Help:      "Node execution duration in milliseconds, from start to terminal status",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
	}, []string{"step_type", "status"})

	m.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestration",
		Name:      "backpressure_events_total",
		Help:      "Dispatcher submissions refused because the queue stayed full or the dispatcher stopped",
	}, []string{"reason"}) // reason: timeout, stopped, cancelled

	m.events = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestration",
		Name:      "events_total",
		Help:      "Response events handled, by kind and outcome",
	}, []string{"kind", "outcome"})

	m.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestration",
		Name:      "status_transitions_total",
		Help:      "Node execution statuses entered",
	}, []string{"status"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestration",
		Name:      "retries_total",
		Help:      "Retries advised, by plan node",
	}, []string{"node_id"})

	m.dispatchErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestration",
		Name:      "dispatch_errors_total",
		Help:      "Tasks that could not be handed to any worker, by category",
	}, []string{"category"})

	return m
}

func (m *Metrics) on() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// UpdateQueueDepth sets the number of queued dispatcher jobs.
func (m *Metrics) UpdateQueueDepth(depth int) {
	if !m.on() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// UpdateInflight sets the number of running dispatcher jobs.
func (m *Metrics) UpdateInflight(count int) {
	if !m.on() {
		return
	}
	m.inflight.Set(float64(count))
}

// IncrementBackpressure counts a refused submission.
func (m *Metrics) IncrementBackpressure(reason string) {
	if !m.on() {
		return
	}
	m.backpressure.WithLabelValues(reason).Inc()
}

// RecordEvent counts a handled response event.
func (m *Metrics) RecordEvent(kind EventKind, outcome string) {
	if !m.on() {
		return
	}
	m.events.WithLabelValues(string(kind), outcome).Inc()
}

// RecordTransition counts a status entered.
func (m *Metrics) RecordTransition(status string) {
	if !m.on() {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// RecordStepLatency observes how long a node execution ran.
func (m *Metrics) RecordStepLatency(stepType, status string, latency time.Duration) {
	if !m.on() {
		return
	}
	m.stepLatency.WithLabelValues(stepType, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts an advised retry.
func (m *Metrics) IncrementRetries(nodeID string) {
	if !m.on() {
		return
	}
	m.retries.WithLabelValues(nodeID).Inc()
}

// IncrementDispatchErrors counts a task dispatch failure.
func (m *Metrics) IncrementDispatchErrors(category string) {
	if !m.on() {
		return
	}
	m.dispatchErrors.WithLabelValues(category).Inc()
}

// WaiterPending returns the gauge the waiter reports open registrations to.
// Pass it to waiter.WithPendingGauge.
func (m *Metrics) WaiterPending() prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.waiterPending
}

// Disable temporarily disables metric recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable().
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// Reset clears the gauges. Counters and histograms are cumulative and keep
// their values.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queueDepth.Set(0)
	m.inflight.Set(0)
	m.waiterPending.Set(0)
}
