// Package backend wraps one remote text-generation backend behind a fixed
// reliability policy: rate limiting, capped retry with exponential backoff,
// and latency/cost accounting. Backend-specific request translation and
// response normalization live in per-provider strategies.
package backend

import (
	"context"
	"fmt"
	"net/http"

	"modelgate/internal/core"
)

// ProviderResult is the provider-agnostic payload a strategy extracts from a
// successful backend response. The adapter turns it into a GenerationResponse.
type ProviderResult struct {
	Text         string
	Model        string
	Usage        core.Usage
	FinishReason core.FinishReason
}

// ProviderStrategy translates between the core request shape and one
// provider's wire format. Strategies are stateless; all per-call state lives
// in the adapter. The set of strategies is closed: new providers are added
// here, not registered externally.
type ProviderStrategy interface {
	// Name returns the provider type tag.
	Name() string

	// DefaultBaseURL returns the endpoint used when the config leaves
	// BaseURL empty.
	DefaultBaseURL() string

	// BuildRequest translates one generation request into a single HTTP
	// request, including provider-specific auth headers from cfg. The model
	// is already alias-resolved; cfg.Defaults fill sampling parameters the
	// request leaves unset.
	BuildRequest(ctx context.Context, cfg Config, model string, req *core.GenerationRequest) (*http.Request, error)

	// ParseResponse extracts the normalized payload from a 200 response
	// body.
	ParseResponse(body []byte) (*ProviderResult, error)
}

// StrategyFor returns the strategy for a backend type tag.
func StrategyFor(backendType string) (ProviderStrategy, error) {
	switch backendType {
	case "openai":
		return openaiStrategy{}, nil
	case "anthropic":
		return anthropicStrategy{}, nil
	case "ollama":
		return ollamaStrategy{}, nil
	default:
		return nil, core.NewConfigError(fmt.Sprintf("unknown backend type %q", backendType), nil)
	}
}

// resolveBaseURL picks the configured endpoint or the strategy default.
func resolveBaseURL(cfg Config, fallback string) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	return fallback
}

// resolveTemperature applies the backend default when the request leaves
// temperature unset.
func resolveTemperature(req *core.GenerationRequest, defs SamplingDefaults) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return defs.Temperature
}

// resolveMaxTokens applies the backend default when the request leaves the
// output budget unset.
func resolveMaxTokens(req *core.GenerationRequest, defs SamplingDefaults) int {
	if req.MaxTokens != nil {
		return *req.MaxTokens
	}
	return defs.MaxTokens
}
