// Package telemetry exposes Prometheus metrics for the runtime: flow
// outcomes, stage latency, session lifecycle, and token refreshes.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the runtime's collectors. Create one per process and share it.
type Metrics struct {
	registry *prometheus.Registry

	flowRuns     *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
	sessionOps   *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
}

// Flow run outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// New creates and registers the runtime collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		flowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atrium",
			Name:      "flow_runs_total",
			Help:      "Flow runs by flow name and outcome.",
		}, []string{"flow", "outcome"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "atrium",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"flow", "stage"}),
		sessionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atrium",
			Name:      "session_operations_total",
			Help:      "Session store operations by kind and result.",
		}, []string{"operation", "result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atrium",
			Name:      "token_refreshes_total",
			Help:      "Provider token refreshes by provider and result.",
		}, []string{"provider", "result"}),
	}
	m.registry.MustRegister(m.flowRuns, m.stageLatency, m.sessionOps, m.refreshes)
	return m
}

// ObserveFlowRun records one completed flow run.
func (m *Metrics) ObserveFlowRun(flow, outcome string) {
	m.flowRuns.WithLabelValues(flow, outcome).Inc()
}

// ObserveStage records the latency of one stage execution.
func (m *Metrics) ObserveStage(flow, stage string, d time.Duration) {
	m.stageLatency.WithLabelValues(flow, stage).Observe(d.Seconds())
}

// ObserveSessionOp records a session store operation.
func (m *Metrics) ObserveSessionOp(operation, result string) {
	m.sessionOps.WithLabelValues(operation, result).Inc()
}

// ObserveTokenRefresh records a provider token refresh.
func (m *Metrics) ObserveTokenRefresh(provider, result string) {
	m.refreshes.WithLabelValues(provider, result).Inc()
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the raw registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}
