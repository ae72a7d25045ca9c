package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics exposes Prometheus collectors for compensation engine
// instrumentation.
type EngineMetrics struct {
	placements     *prometheus.CounterVec
	cycles         *prometheus.CounterVec
	forfeitures    *prometheus.CounterVec
	reversals      prometheus.Counter
	nearCompletion *prometheus.CounterVec
	latency        *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			placements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sigmacore",
				Subsystem: "matrix",
				Name:      "placements_total",
				Help:      "Count of matrix placements segmented by plan.",
			}, []string{"plan"}),
			cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sigmacore",
				Subsystem: "cycle",
				Name:      "events_total",
				Help:      "Count of emitted cycle events segmented by plan and level.",
			}, []string{"plan", "level"}),
			forfeitures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sigmacore",
				Subsystem: "ledger",
				Name:      "forfeitures_total",
				Help:      "Count of forfeited cycle payouts segmented by plan.",
			}, []string{"plan"}),
			reversals: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "sigmacore",
				Subsystem: "ledger",
				Name:      "reversals_total",
				Help:      "Count of administrative cycle reversals.",
			}),
			nearCompletion: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sigmacore",
				Subsystem: "cycle",
				Name:      "near_completion_total",
				Help:      "Count of accumulators reaching one fill short of the quota.",
			}, []string{"plan"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "sigmacore",
				Subsystem: "engine",
				Name:      "operation_seconds",
				Help:      "Latency of engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			engineRegistry.placements,
			engineRegistry.cycles,
			engineRegistry.forfeitures,
			engineRegistry.reversals,
			engineRegistry.nearCompletion,
			engineRegistry.latency,
		)
	})
	return engineRegistry
}

// RecordPlacement increments the placement counter for the plan.
func (m *EngineMetrics) RecordPlacement(plan string) {
	if m == nil {
		return
	}
	m.placements.WithLabelValues(plan).Inc()
}

// RecordCycle increments the cycle event counter.
func (m *EngineMetrics) RecordCycle(plan string, level string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(plan, level).Inc()
}

// RecordForfeiture increments the forfeiture counter.
func (m *EngineMetrics) RecordForfeiture(plan string) {
	if m == nil {
		return
	}
	m.forfeitures.WithLabelValues(plan).Inc()
}

// RecordReversal increments the reversal counter.
func (m *EngineMetrics) RecordReversal() {
	if m == nil {
		return
	}
	m.reversals.Inc()
}

// RecordNearCompletion increments the near-completion counter.
func (m *EngineMetrics) RecordNearCompletion(plan string) {
	if m == nil {
		return
	}
	m.nearCompletion.WithLabelValues(plan).Inc()
}

// ObserveOperation records the duration of an engine operation.
func (m *EngineMetrics) ObserveOperation(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}
