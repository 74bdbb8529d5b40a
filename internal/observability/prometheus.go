// Package observability provides the Prometheus-backed telemetry sink.
// Construction takes an explicit registerer so callers own metric
// registration; nothing registers against the global registry as a side
// effect of importing this package.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "modelgate"

// PrometheusSink implements core.MetricsSink on Prometheus collectors.
type PrometheusSink struct {
	requestsTotal    *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	inferenceLatency *prometheus.HistogramVec
	modelMemory      *prometheus.GaugeVec
}

// NewPrometheusSink builds the sink and registers its collectors with reg.
// Passing prometheus.DefaultRegisterer gives the usual process-global
// behavior; tests pass their own registry.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Generation requests by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end generation request latency",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"backend"},
		),
		inferenceLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_duration_seconds",
				Help:      "Local model compute time per inference",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"model"},
		),
		modelMemory: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "model_memory_bytes",
				Help:      "Device memory held by a loaded local model",
			},
			[]string{"model"},
		),
	}
	reg.MustRegister(s.requestsTotal, s.requestLatency, s.inferenceLatency, s.modelMemory)
	return s
}

func (s *PrometheusSink) RecordRequest(backend, outcome string) {
	s.requestsTotal.WithLabelValues(backend, outcome).Inc()
}

func (s *PrometheusSink) ObserveLatency(backend string, d time.Duration) {
	s.requestLatency.WithLabelValues(backend).Observe(d.Seconds())
}

func (s *PrometheusSink) ObserveInference(model string, d time.Duration) {
	s.inferenceLatency.WithLabelValues(model).Observe(d.Seconds())
}

func (s *PrometheusSink) SetModelMemory(model string, bytes uint64) {
	s.modelMemory.WithLabelValues(model).Set(float64(bytes))
}
