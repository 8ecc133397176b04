// Package metrics defines the Prometheus collectors of the engine.
//
// Collectors are registered on an injected registry so tests and embedders
// control exposure:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	eng := engine.New(engine.WithMetrics(m))
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokenflow"

// Metrics groups the engine, cache and budget collectors.
type Metrics struct {
	transitions    *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	budgetOverruns *prometheus.CounterVec
	instances      *prometheus.CounterVec
	specCache      *prometheus.CounterVec
	evictions      prometheus.Counter
	queueDepth     prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task state transitions by target state.",
		}, []string{"state"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of task callbacks.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"outcome"}),
		budgetOverruns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_overruns_total",
			Help:      "Task executions that exceeded their cycle budget.",
		}, []string{"hot_path"}),
		instances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_total",
			Help:      "Process instances reaching a lifecycle state.",
		}, []string{"state"}),
		specCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spec_cache_lookups_total",
			Help:      "Specification admissions by cache result.",
		}, []string{"result"}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_evictions_total",
			Help:      "Instance slots evicted from the cache.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Events waiting in the worker queues.",
		}),
	}
}

// Transition counts a task entering state.
func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// TaskDuration observes a task callback; outcome is "ok", "pending" or "error".
func (m *Metrics) TaskDuration(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// BudgetOverrun counts a budget overrun.
func (m *Metrics) BudgetOverrun(hotPath bool) {
	if m == nil {
		return
	}
	m.budgetOverruns.WithLabelValues(strconv.FormatBool(hotPath)).Inc()
}

// Instance counts an instance reaching state.
func (m *Metrics) Instance(state string) {
	if m == nil {
		return
	}
	m.instances.WithLabelValues(state).Inc()
}

// SpecCache counts a specification admission as a hit or a miss.
func (m *Metrics) SpecCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.specCache.WithLabelValues(result).Inc()
}

// Eviction counts an evicted instance slot.
func (m *Metrics) Eviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// QueueDepth adjusts the queued event gauge by delta.
func (m *Metrics) QueueDepth(delta int) {
	if m == nil {
		return
	}
	m.queueDepth.Add(float64(delta))
}
