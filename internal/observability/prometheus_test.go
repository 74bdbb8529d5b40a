package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"modelgate/internal/core"
)

func TestSinkSatisfiesInterface(t *testing.T) {
	var _ core.MetricsSink = NewPrometheusSink(prometheus.NewRegistry())
}

func TestRecordRequestCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)

	sink.RecordRequest("openai", "success")
	sink.RecordRequest("openai", "success")
	sink.RecordRequest("openai", "error")

	if got := testutil.ToFloat64(sink.requestsTotal.WithLabelValues("openai", "success")); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(sink.requestsTotal.WithLabelValues("openai", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestModelMemoryGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)

	sink.SetModelMemory("tiny-llama", 1<<30)
	if got := testutil.ToFloat64(sink.modelMemory.WithLabelValues("tiny-llama")); got != float64(1<<30) {
		t.Errorf("memory gauge = %v, want %v", got, float64(1<<30))
	}
	sink.SetModelMemory("tiny-llama", 0)
	if got := testutil.ToFloat64(sink.modelMemory.WithLabelValues("tiny-llama")); got != 0 {
		t.Errorf("memory gauge after unload = %v, want 0", got)
	}
}

func TestLatencyHistogramsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)

	sink.ObserveLatency("openai", 120*time.Millisecond)
	sink.ObserveInference("tiny-llama", 80*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"modelgate_request_duration_seconds",
		"modelgate_inference_duration_seconds",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

func TestIndependentRegistries(t *testing.T) {
	// Two sinks must be constructible without duplicate-registration
	// panics when each brings its own registry.
	NewPrometheusSink(prometheus.NewRegistry())
	NewPrometheusSink(prometheus.NewRegistry())
}
