package core

import (
	"context"
	"time"
)

// TextGenerator is the behavioral contract shared by adapters and the router:
// one normalized generation per call, with classified errors.
type TextGenerator interface {
	// Generate executes one generation request and returns a normalized
	// response, or a classified core error once local retry is exhausted.
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error)

	// Close releases held resources. It must be idempotent.
	Close() error
}

// MetricsSink receives write-only telemetry side effects from the core.
// Implementations must never fail the generation call; all methods are
// fire-and-forget. Components take a sink at construction so tests can run
// without a process-wide registry.
type MetricsSink interface {
	// RecordRequest counts one adapter call by backend and outcome.
	RecordRequest(backend, outcome string)

	// ObserveLatency records one adapter call's wall-clock latency.
	ObserveLatency(backend string, d time.Duration)

	// ObserveInference records one local inference's compute duration.
	ObserveInference(model string, d time.Duration)

	// SetModelMemory publishes the device memory held by a loaded model.
	SetModelMemory(model string, bytes uint64)
}

// NopSink discards all telemetry. It is the default sink when none is injected.
type NopSink struct{}

func (NopSink) RecordRequest(string, string)           {}
func (NopSink) ObserveLatency(string, time.Duration)   {}
func (NopSink) ObserveInference(string, time.Duration) {}
func (NopSink) SetModelMemory(string, uint64)          {}

// UsageRecorder persists per-request usage accounting. Failures are logged by
// the caller and never surfaced to generation callers.
type UsageRecorder interface {
	Record(ctx context.Context, rec UsageRecord) error
}
