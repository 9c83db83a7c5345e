package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ChatVault gateway.
type Metrics struct {
	RequestTotal         *prometheus.CounterVec
	RequestDurationMs    *prometheus.HistogramVec
	AdmissionDeniedTotal *prometheus.CounterVec
	SelectionTotal       *prometheus.CounterVec
	NoInstanceTotal      *prometheus.CounterVec
	CircuitOpenTotal     *prometheus.CounterVec
	InflightRequests     *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chatvault_request_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"rate_class", "model", "instance", "status"}),

		RequestDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatvault_request_duration_ms",
			Help:    "End-to-end request duration in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"model", "instance"}),

		AdmissionDeniedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chatvault_admission_denied_total",
			Help: "Requests denied by the sliding-window rate limiter.",
		}, []string{"rate_class"}),

		SelectionTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chatvault_selection_total",
			Help: "Model selections by mode (explicit, scored, experiment).",
		}, []string{"model", "mode"}),

		NoInstanceTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chatvault_no_instance_total",
			Help: "Selections that found no healthy instance for the model.",
		}, []string{"model"}),

		CircuitOpenTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chatvault_circuit_transition_total",
			Help: "Circuit breaker state transitions per instance.",
		}, []string{"model", "instance", "state"}),

		InflightRequests: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatvault_inflight_requests",
			Help: "Requests currently dispatched to a backend instance.",
		}, []string{"model"}),
	}
}

// RecordAdmissionDenied counts a rate-limit denial.
func (m *Metrics) RecordAdmissionDenied(rateClass string) {
	m.AdmissionDeniedTotal.WithLabelValues(rateClass).Inc()
}

// RecordSelection counts a model selection by mode.
func (m *Metrics) RecordSelection(model, mode string) {
	m.SelectionTotal.WithLabelValues(model, mode).Inc()
}

// RecordNoInstance counts a pool with no healthy instance.
func (m *Metrics) RecordNoInstance(model string) {
	m.NoInstanceTotal.WithLabelValues(model).Inc()
}

// RecordCircuitTransition counts a breaker moving into a new state.
func (m *Metrics) RecordCircuitTransition(model, instance, state string) {
	m.CircuitOpenTotal.WithLabelValues(model, instance, state).Inc()
}

// RecordDispatchStart tracks an in-flight dispatch.
func (m *Metrics) RecordDispatchStart(model string) {
	m.InflightRequests.WithLabelValues(model).Inc()
}

// RecordDispatchResult completes a dispatch.
func (m *Metrics) RecordDispatchResult(rateClass, model, instance, status string, durationMs float64) {
	m.InflightRequests.WithLabelValues(model).Dec()
	m.RequestTotal.WithLabelValues(rateClass, model, instance, status).Inc()
	m.RequestDurationMs.WithLabelValues(model, instance).Observe(durationMs)
}
