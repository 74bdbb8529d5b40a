package local

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modelgate/internal/core"
)

// SamplingOptions are the generation parameters passed to a format strategy.
// Each strategy maps them onto its engine's native knobs.
type SamplingOptions struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
	Stop        []string
	Seed        int
}

// RawOutput is what a session's inference step produces before
// postprocessing: text plus the statistics the engine exposes.
type RawOutput struct {
	Text              string
	InputTokens       int
	OutputTokens      int
	ComputeTime       time.Duration
	DeviceMemoryBytes uint64
	Truncated         bool
}

// Result is the normalized outcome of one local generation.
type Result struct {
	Text              string
	Usage             core.Usage
	FinishReason      core.FinishReason
	ComputeTime       time.Duration
	DeviceMemoryBytes uint64
}

// Session is a loaded model instance produced by a strategy's Load. The model
// handle and any tokenizer handle live inside the session and are released
// together by Close. Sessions are not safe for concurrent Infer calls; the
// Manager serializes access.
type Session interface {
	// Infer runs one generation. Implementations observe ctx between
	// token-generation steps for cooperative cancellation.
	Infer(ctx context.Context, prompt string, opts SamplingOptions) (*RawOutput, error)

	// Close releases the model and tokenizer handles. Idempotent.
	Close() error
}

// FormatStrategy implements the format-specific steps of the model lifecycle.
// Strategies are stateless; everything per-model lives in the Session. The
// set is closed: quantized llama.cpp weights, full-precision runner-served
// weights, and ONNX optimized graphs.
type FormatStrategy interface {
	// Format returns the tag this strategy serves.
	Format() Format

	// Load opens the weights and produces a ready session.
	Load(ctx context.Context, cfg ModelConfig) (Session, error)

	// Preprocess prepares prompt text for this engine.
	Preprocess(prompt string) string

	// Postprocess normalizes the engine output.
	Postprocess(raw *RawOutput) *Result
}

// StrategyFor returns the strategy for a format tag.
func StrategyFor(f Format) (FormatStrategy, error) {
	switch f {
	case FormatGGUF:
		return newGGUFStrategy(), nil
	case FormatSafetensors:
		return newRunnerStrategy(), nil
	case FormatONNX:
		return newONNXStrategy(), nil
	default:
		return nil, core.NewConfigError(fmt.Sprintf("unsupported model format %q", f), nil)
	}
}

// EngineSupport reports which inference engines this binary carries. The
// gguf and onnx strategies require their build tags; safetensors weights run
// through the external runner and are always servable.
func EngineSupport() map[Format]bool {
	return map[Format]bool{
		FormatGGUF:        ggufBuilt,
		FormatSafetensors: true,
		FormatONNX:        onnxBuilt,
	}
}

// normalizeOutput converts raw engine output into the normalized result
// shared by every strategy's Postprocess.
func normalizeOutput(raw *RawOutput) *Result {
	return &Result{
		Text:              strings.TrimSpace(raw.Text),
		Usage:             core.Usage{InputTokens: raw.InputTokens, OutputTokens: raw.OutputTokens},
		FinishReason:      finishReasonFor(raw),
		ComputeTime:       raw.ComputeTime,
		DeviceMemoryBytes: raw.DeviceMemoryBytes,
	}
}

// finishReasonFor derives the finish reason from engine statistics.
func finishReasonFor(raw *RawOutput) core.FinishReason {
	if raw.Truncated {
		return core.FinishLength
	}
	return core.FinishStop
}
