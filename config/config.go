// Package config loads the gateway configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"modelgate/internal/backend"
	"modelgate/internal/local"
	"modelgate/internal/usage"
)

// envPrefix namespaces the environment overrides, e.g. MODELGATE_LOG_LEVEL.
const envPrefix = "MODELGATE"

// Config is the root of the configuration tree.
type Config struct {
	Logging  LoggingConfig       `mapstructure:"logging"`
	Metrics  MetricsConfig       `mapstructure:"metrics"`
	Router   RouterConfig        `mapstructure:"router"`
	Backends []backend.Config    `mapstructure:"backends"`
	Local    []local.ModelConfig `mapstructure:"local_models"`
	Usage    UsageConfig         `mapstructure:"usage"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig toggles the Prometheus sink.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RouterConfig exposes the failover bound and health-score tunables. Zero
// values fall back to the router defaults.
type RouterConfig struct {
	MaxAttempts   int     `mapstructure:"max_attempts"`
	SuccessFactor float64 `mapstructure:"success_factor"`
	FailureFactor float64 `mapstructure:"failure_factor"`
	MinScore      float64 `mapstructure:"min_score"`
	MaxScore      float64 `mapstructure:"max_score"`
}

// UsageConfig controls the accounting store.
type UsageConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
	BufferSize    int    `mapstructure:"buffer_size"`
}

// RecorderConfig converts the usage section into recorder tuning.
func (u UsageConfig) RecorderConfig() usage.RecorderConfig {
	cfg := usage.DefaultRecorderConfig()
	if u.BufferSize > 0 {
		cfg.BufferSize = u.BufferSize
	}
	return cfg
}

// Load reads the YAML file at path (empty means ./modelgate.yaml, optional)
// and overlays environment variables. Backend API keys additionally fall
// back to per-provider variables like MODELGATE_OPENAI_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("modelgate")
		v.AddConfigPath(".")
		// A missing default file is fine; env and defaults carry it.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("logging.level", "info")
	v.SetDefault("usage.path", "modelgate-usage.db")
	v.SetDefault("usage.retention_days", 90)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyBackendEnvKeys(&cfg)
	return &cfg, nil
}

// applyBackendEnvKeys fills missing API keys from per-provider environment
// variables so secrets can stay out of the YAML file. The variable is named
// after the backend type, e.g. MODELGATE_ANTHROPIC_API_KEY, and a variable
// named after the backend itself wins over the type-wide one.
func applyBackendEnvKeys(cfg *Config) {
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.APIKey != "" {
			continue
		}
		for _, candidate := range []string{b.Name, b.Type} {
			if candidate == "" {
				continue
			}
			key := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(candidate, "-", "_")) + "_API_KEY"
			if val := os.Getenv(key); val != "" {
				b.APIKey = val
				break
			}
		}
	}
}

// Validate checks the parts of the tree that must be coherent before any
// component construction. Per-backend and per-model validation runs again
// inside the components; this catches empty configurations early.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 && len(c.Local) == 0 {
		return fmt.Errorf("no backends or local models configured")
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}
