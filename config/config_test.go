package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modelgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
metrics:
  enabled: true
router:
  max_attempts: 5
  min_score: 0.2
backends:
  - name: primary
    type: openai
    api_key: sk-test-12345678
    rate_limit: 2.5
    model_aliases:
      fast: gpt-4o-mini
  - name: fallback
    type: ollama
    base_url: http://localhost:11434
local_models:
  - path: /models/tiny.gguf
    format: gguf
    context_window: 2048
usage:
  enabled: true
  path: /tmp/usage.db
  retention_days: 14
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, 5, cfg.Router.MaxAttempts)
	require.InDelta(t, 0.2, cfg.Router.MinScore, 1e-9)

	require.Len(t, cfg.Backends, 2)
	require.Equal(t, "primary", cfg.Backends[0].Name)
	require.Equal(t, "openai", cfg.Backends[0].Type)
	require.InDelta(t, 2.5, cfg.Backends[0].RateLimit, 1e-9)
	require.Equal(t, "gpt-4o-mini", cfg.Backends[0].ModelAliases["fast"])

	require.Len(t, cfg.Local, 1)
	require.Equal(t, "gguf", string(cfg.Local[0].Format))
	require.Equal(t, 2048, cfg.Local[0].ContextWindow)

	require.True(t, cfg.Usage.Enabled)
	require.Equal(t, 14, cfg.Usage.RetentionDays)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
backends:
  - name: primary
    type: openai
    api_key: sk-test-12345678
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "modelgate-usage.db", cfg.Usage.Path)
	require.Equal(t, 90, cfg.Usage.RetentionDays)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestBackendKeyFromTypeEnv(t *testing.T) {
	t.Setenv("MODELGATE_OPENAI_API_KEY", "sk-env-12345678")
	path := writeConfig(t, `
backends:
  - name: primary
    type: openai
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sk-env-12345678", cfg.Backends[0].APIKey)
}

func TestBackendKeyFromNameEnvWins(t *testing.T) {
	t.Setenv("MODELGATE_OPENAI_API_KEY", "sk-type-12345678")
	t.Setenv("MODELGATE_PRIMARY_API_KEY", "sk-name-12345678")
	path := writeConfig(t, `
backends:
  - name: primary
    type: openai
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sk-name-12345678", cfg.Backends[0].APIKey)
}

func TestBackendKeyFileWinsOverEnv(t *testing.T) {
	t.Setenv("MODELGATE_OPENAI_API_KEY", "sk-env-12345678")
	path := writeConfig(t, `
backends:
  - name: primary
    type: openai
    api_key: sk-file-12345678
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sk-file-12345678", cfg.Backends[0].APIKey)
}

func TestValidateEmpty(t *testing.T) {
	empty := &Config{}
	require.Error(t, empty.Validate())
}

func TestValidateDuplicateBackendNames(t *testing.T) {
	path := writeConfig(t, `
backends:
  - name: primary
    type: openai
    api_key: sk-test-12345678
  - name: primary
    type: anthropic
    api_key: sk-test-12345678
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}

func TestRecorderConfigConversion(t *testing.T) {
	u := UsageConfig{BufferSize: 10}
	rc := u.RecorderConfig()
	require.Equal(t, 10, rc.BufferSize)
	require.Equal(t, 5*time.Second, rc.FlushInterval)
}
