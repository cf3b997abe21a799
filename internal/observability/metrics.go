// Package observability exposes the gateway's Prometheus metrics.
package observability

import (
	"net/http"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"AccessGate/internal/biz"
	"AccessGate/internal/model"
)

// ProviderSet is observability providers.
var ProviderSet = wire.NewSet(
	NewMetrics,
	wire.Bind(new(biz.MetricsRecorder), new(*Metrics)),
)

// Metrics holds the Prometheus collectors for the admission pipeline.
type Metrics struct {
	registry *prometheus.Registry

	decisions    *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	findings     *prometheus.CounterVec
	failOpens    *prometheus.CounterVec
	activeBlocks prometheus.Gauge
	loadSignal   prometheus.Gauge
}

// NewMetrics creates and registers the gateway collectors on a private
// registry so that /metrics only exposes what this process owns.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessgate",
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by outcome reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessgate",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by service and new state.",
		}, []string{"service", "state"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessgate",
			Name:      "threat_findings_total",
			Help:      "Threat findings by type and severity.",
		}, []string{"type", "severity"}),
		failOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessgate",
			Name:      "fail_open_total",
			Help:      "Requests admitted because a component could not reach the counter store.",
		}, []string{"component"}),
		activeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "accessgate",
			Name:      "active_blocks",
			Help:      "Blocks currently in force, refreshed by the census sweep.",
		}),
		loadSignal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "accessgate",
			Name:      "load_signal",
			Help:      "Most recent external load signal in [0,1].",
		}),
	}

	registry.MustRegister(
		m.decisions,
		m.transitions,
		m.findings,
		m.failOpens,
		m.activeBlocks,
		m.loadSignal,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Decision implements biz.MetricsRecorder.
func (m *Metrics) Decision(reason string) {
	m.decisions.WithLabelValues(reason).Inc()
}

// BreakerTransition implements biz.MetricsRecorder.
func (m *Metrics) BreakerTransition(service string, to model.BreakerState) {
	m.transitions.WithLabelValues(service, string(to)).Inc()
}

// ThreatFinding implements biz.MetricsRecorder.
func (m *Metrics) ThreatFinding(threatType model.ThreatType, severity model.Severity) {
	m.findings.WithLabelValues(string(threatType), string(severity)).Inc()
}

// FailOpen implements biz.MetricsRecorder.
func (m *Metrics) FailOpen(component string) {
	m.failOpens.WithLabelValues(component).Inc()
}

// SetActiveBlocks implements biz.MetricsRecorder.
func (m *Metrics) SetActiveBlocks(count float64) {
	m.activeBlocks.Set(count)
}

// SetLoadSignal implements biz.MetricsRecorder.
func (m *Metrics) SetLoadSignal(value float64) {
	m.loadSignal.Set(value)
}
