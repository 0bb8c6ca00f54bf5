// Package telemetry exposes Prometheus metrics for the management plane's
// core operations, per SPEC_FULL.md §2's ambient stack table. It is
// intentionally thin: one struct of pre-registered vectors that callers
// record into, rather than this package reaching into them. Within this
// module only health probe outcomes are recorded (by cmd/modelplaned's
// storageRecorder); RecordDispatch, RecordFailover, RecordCost and
// SetDegradationMode have no callers here.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters/histograms the plane emits. Construct once
// per process and pass it down to the components that record outcomes.
type Metrics struct {
	DispatchAttempts *prometheus.CounterVec
	DispatchLatency  *prometheus.HistogramVec
	FailoverEvents   *prometheus.CounterVec
	HealthProbes     *prometheus.CounterVec
	CostTotal        *prometheus.CounterVec
	DegradationMode  prometheus.Gauge
}

// New registers the plane's metrics against reg. Pass prometheus.NewRegistry()
// for isolation in tests, or prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DispatchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelplane",
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Dispatch attempts by model and outcome.",
		}, []string{"model_id", "outcome"}),
		DispatchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelplane",
			Subsystem: "dispatch",
			Name:      "latency_ms",
			Help:      "Dispatch call latency in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(50, 2, 10),
		}, []string{"model_id"}),
		FailoverEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelplane",
			Subsystem: "failover",
			Name:      "events_total",
			Help:      "Cross-model failover events by reason.",
		}, []string{"from_model", "to_model", "reason"}),
		HealthProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelplane",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Health probes by model and result.",
		}, []string{"model_id", "result"}),
		CostTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelplane",
			Subsystem: "cost",
			Name:      "usd_total",
			Help:      "Cumulative recorded cost in USD by model.",
		}, []string{"model_id"}),
		DegradationMode: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "modelplane",
			Subsystem: "degradation",
			Name:      "mode",
			Help:      "Current degradation mode, as an ordinal (0=NORMAL .. 4=TOTAL_UNAVAILABILITY).",
		}),
	}
}

// RecordDispatch records one dispatch attempt's outcome and latency.
func (m *Metrics) RecordDispatch(modelID, outcome string, latency time.Duration) {
	m.DispatchAttempts.WithLabelValues(modelID, outcome).Inc()
	m.DispatchLatency.WithLabelValues(modelID).Observe(float64(latency) / float64(time.Millisecond))
}

// RecordFailover records one cross-model failover event.
func (m *Metrics) RecordFailover(fromModel, toModel, reason string) {
	m.FailoverEvents.WithLabelValues(fromModel, toModel, reason).Inc()
}

// RecordHealthProbe records one health probe outcome.
func (m *Metrics) RecordHealthProbe(modelID string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.HealthProbes.WithLabelValues(modelID, result).Inc()
}

// RecordCost adds cost to the running total for modelID.
func (m *Metrics) RecordCost(modelID string, cost float64) {
	m.CostTotal.WithLabelValues(modelID).Add(cost)
}

// SetDegradationMode sets the current degradation mode ordinal, matching
// the five-mode order in internal/degradation (NORMAL=0 .. TOTAL=4).
func (m *Metrics) SetDegradationMode(ordinal int) {
	m.DegradationMode.Set(float64(ordinal))
}
