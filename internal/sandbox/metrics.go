package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the sandbox subsystem. A nil
// *Metrics is valid and records nothing, so wiring is optional.
type Metrics struct {
	SandboxesActive   prometheus.Gauge
	SandboxesCreated  prometheus.Counter
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	ExecutionMemory   prometheus.Histogram
	APICalls          prometheus.Counter
}

// NewMetrics registers sandbox metrics on the given registerer. Tests
// pass a fresh prometheus.NewRegistry to avoid collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SandboxesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_active",
				Help: "Number of live agent sandboxes",
			},
		),
		SandboxesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandbox_created_total",
				Help: "Total number of sandboxes created",
			},
		),
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_executions_total",
				Help: "Total number of script executions",
			},
			[]string{"status"},
		),
		ExecutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sandbox_execution_duration_seconds",
				Help:    "Script execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		ExecutionMemory: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sandbox_execution_memory_mb",
				Help:    "Heap used per execution in MB",
				Buckets: []float64{1, 4, 16, 32, 64, 128, 256},
			},
		),
		APICalls: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandbox_api_calls_total",
				Help: "Total number of bridged api.call invocations",
			},
		),
	}
}

// RecordExecution records one execution outcome.
func (m *Metrics) RecordExecution(success bool, duration time.Duration, memoryMB float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(duration.Seconds())
	m.ExecutionMemory.Observe(memoryMB)
}

// RecordAPICall records one bridged api.call.
func (m *Metrics) RecordAPICall() {
	if m == nil {
		return
	}
	m.APICalls.Inc()
}

// SetActive sets the live sandbox gauge.
func (m *Metrics) SetActive(count int) {
	if m == nil {
		return
	}
	m.SandboxesActive.Set(float64(count))
}

// IncCreated increments the created counter.
func (m *Metrics) IncCreated() {
	if m == nil {
		return
	}
	m.SandboxesCreated.Inc()
}
