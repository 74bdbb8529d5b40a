//go:build llama

package local

import (
	"context"
	"strings"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"

	"modelgate/internal/core"
)

// ggufBuilt reports whether this binary carries real llama.cpp support.
var ggufBuilt = true

// ggufStrategy loads quantized weights through llama.cpp bindings. The
// bindings require CGO, so this file only builds with the 'llama' tag.
type ggufStrategy struct{}

func newGGUFStrategy() FormatStrategy { return ggufStrategy{} }

func (ggufStrategy) Format() Format { return FormatGGUF }

func (ggufStrategy) Load(_ context.Context, cfg ModelConfig) (Session, error) {
	mo := []llama.ModelOption{
		llama.SetContext(cfg.ContextWindow),
	}
	if cfg.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(cfg.GPULayers))
	}
	model, err := llama.New(cfg.Path, mo...)
	if err != nil {
		return nil, core.NewInferenceError(cfg.Name, "llama.cpp load failed", err)
	}
	return &ggufSession{model: model, threads: cfg.Threads}, nil
}

func (ggufStrategy) Preprocess(prompt string) string {
	return strings.TrimSpace(prompt)
}

func (ggufStrategy) Postprocess(raw *RawOutput) *Result {
	return normalizeOutput(raw)
}

type ggufSession struct {
	model   *llama.LLama
	threads int
}

func (s *ggufSession) Infer(ctx context.Context, prompt string, opts SamplingOptions) (*RawOutput, error) {
	// The bindings surface tokens through a callback; returning false from
	// it stops generation, which is how cancellation propagates between
	// token steps.
	var produced int
	s.model.SetTokenCallback(func(string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		produced++
		return true
	})

	po := []llama.PredictOption{
		llama.SetTokens(opts.MaxTokens),
		llama.SetTemperature(float32(opts.Temperature)),
	}
	if s.threads > 0 {
		po = append(po, llama.SetThreads(s.threads))
	}
	if opts.TopP > 0 {
		po = append(po, llama.SetTopP(float32(opts.TopP)))
	}
	if opts.Seed != 0 {
		po = append(po, llama.SetSeed(opts.Seed))
	}
	if len(opts.Stop) > 0 {
		po = append(po, llama.SetStopWords(opts.Stop...))
	}

	start := time.Now()
	text, err := s.model.Predict(prompt, po...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return &RawOutput{
		Text: text,
		// The bindings do not expose prompt token counts; approximate
		// from byte length at four bytes per token.
		InputTokens:  len(prompt) / 4,
		OutputTokens: produced,
		ComputeTime:  time.Since(start),
		Truncated:    produced >= opts.MaxTokens,
	}, nil
}

func (s *ggufSession) Close() error {
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}
