package backend

import (
	"math"
	"testing"

	"modelgate/internal/core"
)

func TestEstimateCostKnownModel(t *testing.T) {
	// gpt-4o-mini: $0.15/Mtok in, $0.60/Mtok out.
	cost := EstimateCost("openai", "gpt-4o-mini", core.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})
	if math.Abs(cost-0.75) > 1e-9 {
		t.Errorf("cost = %f, want 0.75", cost)
	}
}

func TestEstimateCostDefaultFallback(t *testing.T) {
	unknown := EstimateCost("openai", "some-future-model", core.Usage{InputTokens: 1_000_000})
	dflt := EstimateCost("openai", "gpt-4o", core.Usage{InputTokens: 1_000_000})
	if unknown != dflt {
		t.Errorf("unknown model should use the backend default rate: got %f, want %f", unknown, dflt)
	}
}

func TestEstimateCostLocalBackendIsFree(t *testing.T) {
	if cost := EstimateCost("ollama", "llama3", core.Usage{InputTokens: 500, OutputTokens: 500}); cost != 0 {
		t.Errorf("ollama cost = %f, want 0", cost)
	}
}

func TestEstimateCostUnknownBackend(t *testing.T) {
	if cost := EstimateCost("nope", "m", core.Usage{InputTokens: 100}); cost != 0 {
		t.Errorf("unknown backend cost = %f, want 0", cost)
	}
}
