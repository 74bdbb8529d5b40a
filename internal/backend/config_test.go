package backend

import (
	"testing"
	"time"

	"modelgate/internal/core"
)

func validConfig() Config {
	return Config{
		Name:   "primary",
		Type:   "openai",
		APIKey: "sk-test-1234567890",
	}.WithDefaults()
}

func TestConfigValidateAccepts(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.Name = "" }},
		{"unknown type", func(c *Config) { c.Type = "bedrock" }},
		{"short api key", func(c *Config) { c.APIKey = "short" }},
		{"negative rate limit", func(c *Config) { c.RateLimit = -1 }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"bad base url", func(c *Config) { c.BaseURL = "not a url" }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"backoff factor below one", func(c *Config) { c.Retry.BackoffFactor = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if core.KindOf(err) != core.KindConfigValidation {
				t.Errorf("kind = %s, want %s", core.KindOf(err), core.KindConfigValidation)
			}
		})
	}
}

func TestConfigOllamaCredentialExemption(t *testing.T) {
	cfg := Config{
		Name:    "local",
		Type:    "ollama",
		BaseURL: "http://localhost:11434",
	}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("ollama with base_url should not need a credential: %v", err)
	}

	cfg.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("ollama without credential or base_url should be rejected")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{Name: "x", Type: "openai", APIKey: "sk-test-1234567890"}.WithDefaults()

	if cfg.Timeout == 0 {
		t.Error("expected default timeout")
	}
	if cfg.Retry.MaxRetries != 2 || cfg.Retry.BackoffFactor != 2.0 {
		t.Errorf("unexpected default retry policy: %+v", cfg.Retry)
	}
	if cfg.Defaults.MaxTokens != 1024 {
		t.Errorf("default max tokens = %d, want 1024", cfg.Defaults.MaxTokens)
	}

	// Explicit values survive defaulting.
	cfg = Config{Name: "x", Type: "openai", APIKey: "k", Timeout: 5 * time.Second}.WithDefaults()
	if cfg.Timeout != 5*time.Second {
		t.Errorf("explicit timeout overwritten: %v", cfg.Timeout)
	}
}

func TestResolveModel(t *testing.T) {
	cfg := validConfig()
	cfg.ModelAliases = map[string]string{"fast": "gpt-4o-mini"}

	if got := cfg.ResolveModel("fast"); got != "gpt-4o-mini" {
		t.Errorf("mapped alias = %q, want gpt-4o-mini", got)
	}
	if got := cfg.ResolveModel("gpt-4o"); got != "gpt-4o" {
		t.Errorf("unmapped name should pass through, got %q", got)
	}
}
