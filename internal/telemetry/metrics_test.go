package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// testMetrics builds a Metrics with unregistered vectors so tests never
// collide with the process-wide default registry.
func testMetrics() *Metrics {
	return &Metrics{
		RequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_chatvault_request_total", Help: "Test counter",
		}, []string{"rate_class", "model", "instance", "status"}),
		RequestDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "test_chatvault_request_duration_ms", Help: "Test histogram",
			Buckets: []float64{100, 500, 1000},
		}, []string{"model", "instance"}),
		AdmissionDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_chatvault_admission_denied_total", Help: "Test counter",
		}, []string{"rate_class"}),
		SelectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_chatvault_selection_total", Help: "Test counter",
		}, []string{"model", "mode"}),
		NoInstanceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_chatvault_no_instance_total", Help: "Test counter",
		}, []string{"model"}),
		CircuitOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_chatvault_circuit_transition_total", Help: "Test counter",
		}, []string{"model", "instance", "state"}),
		InflightRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "test_chatvault_inflight_requests", Help: "Test gauge",
		}, []string{"model"}),
	}
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var m dto.Metric
	c.Write(&m)
	return *m.Counter.Value
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	g, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var m dto.Metric
	g.Write(&m)
	return *m.Gauge.Value
}

func TestRecordDispatchLifecycle(t *testing.T) {
	m := testMetrics()

	m.RecordDispatchStart("vault-small")
	if got := gaugeValue(t, m.InflightRequests, "vault-small"); got != 1 {
		t.Errorf("expected 1 in flight, got %v", got)
	}

	m.RecordDispatchResult("standard", "vault-small", "small-a", "ok", 120)
	if got := gaugeValue(t, m.InflightRequests, "vault-small"); got != 0 {
		t.Errorf("expected 0 in flight after result, got %v", got)
	}
	if got := counterValue(t, m.RequestTotal, "standard", "vault-small", "small-a", "ok"); got != 1 {
		t.Errorf("expected request count 1, got %v", got)
	}
}

func TestRecordAdmissionDenied(t *testing.T) {
	m := testMetrics()
	m.RecordAdmissionDenied("free")
	m.RecordAdmissionDenied("free")

	if got := counterValue(t, m.AdmissionDeniedTotal, "free"); got != 2 {
		t.Errorf("expected 2 denials, got %v", got)
	}
}

func TestRecordSelectionModes(t *testing.T) {
	m := testMetrics()
	m.RecordSelection("vault-large", "scored")
	m.RecordSelection("vault-large", "experiment")
	m.RecordSelection("vault-small", "explicit")

	if got := counterValue(t, m.SelectionTotal, "vault-large", "scored"); got != 1 {
		t.Errorf("expected 1 scored selection, got %v", got)
	}
	if got := counterValue(t, m.SelectionTotal, "vault-small", "explicit"); got != 1 {
		t.Errorf("expected 1 explicit selection, got %v", got)
	}
}

func TestRecordCircuitTransition(t *testing.T) {
	m := testMetrics()
	m.RecordCircuitTransition("vault-small", "small-a", "open")
	m.RecordCircuitTransition("vault-small", "small-a", "closed")

	if got := counterValue(t, m.CircuitOpenTotal, "vault-small", "small-a", "open"); got != 1 {
		t.Errorf("expected 1 open transition, got %v", got)
	}
	if got := counterValue(t, m.CircuitOpenTotal, "vault-small", "small-a", "closed"); got != 1 {
		t.Errorf("expected 1 closed transition, got %v", got)
	}
}

func TestRecordNoInstance(t *testing.T) {
	m := testMetrics()
	m.RecordNoInstance("vault-code")
	if got := counterValue(t, m.NoInstanceTotal, "vault-code"); got != 1 {
		t.Errorf("expected 1, got %v", got)
	}
}
