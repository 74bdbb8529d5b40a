package backend

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"modelgate/internal/core"
)

// minAPIKeyLength is the shortest credential accepted at construction.
// Real provider keys are far longer; this only catches obvious misconfig.
const minAPIKeyLength = 8

// validate is the shared validator instance for config structs.
var validate = validator.New(validator.WithRequiredStructEnabled())

// RetryPolicy bounds the adapter's local retry loop.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	// MaxBackoff caps the backoff growth.
	MaxBackoff time.Duration `mapstructure:"max_backoff" validate:"gt=0"`
	// BackoffFactor is the exponential growth multiplier.
	BackoffFactor float64 `mapstructure:"backoff_factor" validate:"gte=1"`
}

// DefaultRetryPolicy returns the retry policy used when none is configured:
// three attempts total with exponential backoff capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
	}
}

// SamplingDefaults are applied when a request leaves sampling fields unset.
type SamplingDefaults struct {
	Temperature float64 `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `mapstructure:"max_tokens" validate:"gt=0"`
}

// Config describes one remote backend. Validated at construction; a Config
// that fails Validate must never reach an Adapter.
type Config struct {
	// Name identifies this backend instance in logs, metrics, and routing.
	Name string `mapstructure:"name" validate:"required"`
	// Type selects the provider strategy.
	Type string `mapstructure:"type" validate:"required,oneof=openai anthropic ollama"`
	// APIKey is the credential sent to the backend.
	APIKey string `mapstructure:"api_key"`
	// BaseURL overrides the strategy's default endpoint.
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	// Timeout bounds each backend attempt, independent of retry backoff.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	// Retry bounds the local retry loop for transient failures.
	Retry RetryPolicy `mapstructure:"retry"`
	// RateLimit is a fixed request ceiling in requests/second. Zero means
	// unlimited. Enforced with token-bucket-of-size-1 semantics: no bursts
	// beyond the configured rate.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	// ModelAliases remaps logical model names to backend-specific names.
	// Unmapped names pass through unchanged.
	ModelAliases map[string]string `mapstructure:"model_aliases"`
	// Defaults fill sampling parameters a request leaves unset.
	Defaults SamplingDefaults `mapstructure:"defaults"`
}

// WithDefaults returns a copy of c with zero-valued policy fields filled in.
func (c Config) WithDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Defaults.Temperature == 0 {
		c.Defaults.Temperature = 0.7
	}
	if c.Defaults.MaxTokens == 0 {
		c.Defaults.MaxTokens = 1024
	}
	return c
}

// Validate checks the config at construction time. Errors here are fatal:
// the adapter is never built from a config that fails validation.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return core.NewConfigError(fmt.Sprintf("backend %q: %v", c.Name, err), err)
	}
	// Ollama talks to a local daemon and needs no credential, but then the
	// endpoint must be explicit.
	if c.Type == "ollama" {
		if c.APIKey == "" && c.BaseURL == "" {
			return core.NewConfigError(fmt.Sprintf("backend %q: ollama requires base_url when no api_key is set", c.Name), nil)
		}
	} else if len(c.APIKey) < minAPIKeyLength {
		return core.NewConfigError(fmt.Sprintf("backend %q: api_key must be at least %d characters", c.Name, minAPIKeyLength), nil)
	}
	return nil
}

// ResolveModel maps a logical model name through the alias table.
func (c Config) ResolveModel(model string) string {
	if resolved, ok := c.ModelAliases[model]; ok {
		return resolved
	}
	return model
}
