package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"modelgate/config"
	"modelgate/internal/backend"
	"modelgate/internal/core"
	"modelgate/internal/local"
	"modelgate/internal/observability"
	"modelgate/internal/router"
	"modelgate/internal/usage"
)

var generateFlags struct {
	prompt      string
	model       string
	localModel  string
	maxTokens   int
	temperature float64
	stop        []string
	timeout     time.Duration
	seed        int
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate text through the configured backends",
	RunE:  runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.StringVarP(&generateFlags.prompt, "prompt", "p", "", "prompt text (required)")
	f.StringVarP(&generateFlags.model, "model", "m", "", "model name or alias for remote backends")
	f.StringVar(&generateFlags.localModel, "local", "", "generate on the named local model instead of remote backends")
	f.IntVar(&generateFlags.maxTokens, "max-tokens", 0, "maximum tokens to generate")
	f.Float64Var(&generateFlags.temperature, "temperature", -1, "sampling temperature")
	f.StringSliceVar(&generateFlags.stop, "stop", nil, "stop sequences")
	f.DurationVar(&generateFlags.timeout, "timeout", 5*time.Minute, "overall request timeout")
	f.IntVar(&generateFlags.seed, "seed", 0, "sampling seed for local models")
	_ = generateCmd.MarkFlagRequired("prompt")

	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, generateFlags.timeout)
	defer cancel()

	var sink core.MetricsSink = core.NopSink{}
	if cfg.Metrics.Enabled {
		sink = observability.NewPrometheusSink(prometheus.DefaultRegisterer)
	}

	if generateFlags.localModel != "" {
		return generateLocal(ctx, cfg, sink)
	}
	return generateRemote(ctx, cfg, sink)
}

func generateRemote(ctx context.Context, cfg *config.Config, sink core.MetricsSink) error {
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("no remote backends configured")
	}

	var recorder core.UsageRecorder
	if cfg.Usage.Enabled {
		store, err := usage.Open(cfg.Usage.Path, cfg.Usage.RetentionDays)
		if err != nil {
			return err
		}
		rec := usage.NewRecorder(store, cfg.Usage.RecorderConfig())
		defer func() { _ = rec.Close() }()
		recorder = rec
	}

	backends := make([]router.Backend, 0, len(cfg.Backends))
	for _, bcfg := range cfg.Backends {
		opts := []backend.Option{backend.WithMetrics(sink)}
		if recorder != nil {
			opts = append(opts, backend.WithUsageRecorder(recorder))
		}
		adapter, err := backend.New(bcfg, opts...)
		if err != nil {
			return fmt.Errorf("backend %s: %w", bcfg.Name, err)
		}
		backends = append(backends, adapter)
	}

	r, err := router.New(backends, router.Options{
		MaxAttempts:   cfg.Router.MaxAttempts,
		SuccessFactor: cfg.Router.SuccessFactor,
		FailureFactor: cfg.Router.FailureFactor,
		MinScore:      cfg.Router.MinScore,
		MaxScore:      cfg.Router.MaxScore,
	}, slog.Default())
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	req := &core.GenerationRequest{
		Prompt: generateFlags.prompt,
		Model:  generateFlags.model,
		Stop:   generateFlags.stop,
	}
	if generateFlags.maxTokens > 0 {
		req.MaxTokens = &generateFlags.maxTokens
	}
	if generateFlags.temperature >= 0 {
		req.Temperature = &generateFlags.temperature
	}

	resp, err := r.Generate(ctx, req)
	if err != nil {
		return err
	}

	fmt.Println(resp.Text)
	slog.Info("generation complete",
		"provider", resp.Provider,
		"model", resp.Model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"cost_usd", resp.Cost,
		"latency", resp.Latency,
		"finish_reason", resp.FinishReason,
	)
	return nil
}

func generateLocal(ctx context.Context, cfg *config.Config, sink core.MetricsSink) error {
	mcfg, err := findLocalModel(cfg, generateFlags.localModel)
	if err != nil {
		return err
	}

	mgr, err := local.NewManager(mcfg, local.WithManagerMetrics(sink))
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return err
	}
	defer func() { _ = mgr.Unload() }()

	opts := local.SamplingOptions{
		MaxTokens: generateFlags.maxTokens,
		Stop:      generateFlags.stop,
		Seed:      generateFlags.seed,
	}
	if generateFlags.temperature >= 0 {
		opts.Temperature = generateFlags.temperature
	}

	res, err := mgr.Generate(ctx, generateFlags.prompt, opts)
	if err != nil {
		return err
	}

	fmt.Println(res.Text)
	slog.Info("local generation complete",
		"model", mcfg.Name,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens,
		"compute_time", res.ComputeTime,
		"finish_reason", res.FinishReason,
	)
	return nil
}

func findLocalModel(cfg *config.Config, name string) (local.ModelConfig, error) {
	for _, mc := range cfg.Local {
		withDefaults := mc.WithDefaults()
		if withDefaults.Name == name {
			return mc, nil
		}
	}
	return local.ModelConfig{}, fmt.Errorf("local model %q not configured", name)
}
