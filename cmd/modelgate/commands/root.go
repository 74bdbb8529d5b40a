// Package commands implements the modelgate CLI.
package commands

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"modelgate/config"
	"modelgate/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "modelgate",
	Short: "Unified text generation across hosted providers and local models",
	Long: `modelgate generates text through a single interface over hosted LLM
providers and locally loaded models.

Remote requests are load-balanced across the configured provider adapters
by health score, with bounded failover and per-request cost accounting.
Local requests run through a managed model lifecycle: integrity check,
load, warmup, inference, unload.

Examples:
  # Generate via the configured providers
  modelgate generate -p "Write a haiku about routers"

  # Generate with a specific model alias
  modelgate generate -p "Summarize this" -m fast

  # Generate on a local model
  modelgate generate --local tiny-llama -p "Hello"

  # Show accumulated usage totals
  modelgate usage --since 24h`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initRuntime)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./modelgate.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
}

func initRuntime() {
	// Secrets may live in a .env next to the binary; absence is fine.
	_ = godotenv.Load()
}

// loadConfig reads the configuration and applies CLI logging overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	logging.Setup(os.Stderr, logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
