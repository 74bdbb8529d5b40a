package core

import "time"

// FinishReason explains why generation stopped.
type FinishReason string

const (
	// FinishStop means the model completed naturally or hit a stop sequence.
	FinishStop FinishReason = "stop"
	// FinishLength means the output was cut off at the max token budget.
	FinishLength FinishReason = "length"
	// FinishError means the backend reported an abnormal termination.
	FinishError FinishReason = "error"
)

// GenerationRequest is a provider-agnostic text generation request.
// It is immutable by convention: adapters must never mutate a caller's request.
type GenerationRequest struct {
	// Prompt is the input text to complete.
	Prompt string
	// Model is the logical model identifier. Adapters resolve it through
	// their alias table before the backend call.
	Model string
	// Temperature overrides the backend's default sampling temperature when set.
	Temperature *float64
	// MaxTokens overrides the backend's default output token budget when set.
	MaxTokens *int
	// Stop lists sequences that terminate generation.
	Stop []string
	// Metadata carries opaque caller data; the core never interprets it.
	Metadata map[string]string
}

// Usage holds token accounting for one generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// TotalTokens returns the combined input and output token count.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// GenerationResponse is the normalized result of one successful generation.
// It is produced exactly once per successful adapter call and never mutated
// after construction.
type GenerationResponse struct {
	// Text is the generated output.
	Text string
	// Model is the backend-resolved model identifier.
	Model string
	// Provider names the backend that served the request.
	Provider string
	// Latency is wall-clock time from request entry to normalized response.
	Latency time.Duration
	// Usage holds input/output token counts as reported by the backend.
	Usage Usage
	// FinishReason explains why generation stopped.
	FinishReason FinishReason
	// Cost is the estimated monetary cost in USD.
	Cost float64
}

// UsageRecord is one row of usage accounting written after an adapter call.
type UsageRecord struct {
	ID           string
	Timestamp    time.Time
	Backend      string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Outcome      string
	LatencyMS    int64
}
