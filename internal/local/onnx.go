//go:build onnx

package local

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"modelgate/internal/core"
)

var onnxBuilt = true

// onnxEOSToken terminates greedy decoding. Decoder-only exports in this
// closed set all share it.
const onnxEOSToken = int64(2)

// onnxStrategy runs optimized decoder graphs through ONNX Runtime. The
// tokenizer definition is read from tokenizer.json next to the cache
// directory; model and tokenizer handles share one session lifetime.
type onnxStrategy struct{}

func newONNXStrategy() FormatStrategy { return onnxStrategy{} }

func (onnxStrategy) Format() Format { return FormatONNX }

func (onnxStrategy) Load(_ context.Context, cfg ModelConfig) (Session, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, core.NewInferenceError(cfg.Name, "onnxruntime environment init failed", err)
		}
	}

	tkPath := filepath.Join(cfg.CacheDir, "tokenizer.json")
	tk, err := pretrained.FromFile(tkPath)
	if err != nil {
		return nil, core.NewConfigError("load tokenizer definition "+tkPath, err)
	}

	sess, err := ort.NewDynamicAdvancedSession(cfg.Path,
		[]string{"input_ids"}, []string{"logits"}, nil)
	if err != nil {
		return nil, core.NewInferenceError(cfg.Name, "onnxruntime session create failed", err)
	}

	return &onnxSession{
		sess:          sess,
		tk:            tk,
		contextWindow: cfg.ContextWindow,
	}, nil
}

func (onnxStrategy) Preprocess(prompt string) string {
	return strings.TrimSpace(prompt)
}

func (onnxStrategy) Postprocess(raw *RawOutput) *Result {
	return normalizeOutput(raw)
}

type onnxSession struct {
	sess          *ort.DynamicAdvancedSession
	tk            *tokenizer.Tokenizer
	contextWindow int
}

// Infer runs greedy decoding: one graph execution per generated token, with
// the context checked between steps.
func (s *onnxSession) Infer(ctx context.Context, prompt string, opts SamplingOptions) (*RawOutput, error) {
	enc, err := s.tk.EncodeSingle(prompt)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(enc.Ids)+opts.MaxTokens)
	for _, id := range enc.Ids {
		ids = append(ids, int64(id))
	}
	inputLen := len(ids)

	start := time.Now()
	var produced int
	for produced < opts.MaxTokens && len(ids) < s.contextWindow {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := s.step(ids)
		if err != nil {
			return nil, err
		}
		if next == onnxEOSToken {
			break
		}
		ids = append(ids, next)
		produced++
	}

	out := make([]int, 0, produced)
	for _, id := range ids[inputLen:] {
		out = append(out, int(id))
	}
	text := s.tk.Decode(out, true)

	return &RawOutput{
		Text:         text,
		InputTokens:  inputLen,
		OutputTokens: produced,
		ComputeTime:  time.Since(start),
		Truncated:    produced >= opts.MaxTokens || len(ids) >= s.contextWindow,
	}, nil
}

// step executes the graph once and returns the argmax token at the final
// position.
func (s *onnxSession) step(ids []int64) (int64, error) {
	shape := ort.NewShape(1, int64(len(ids)))
	input, err := ort.NewTensor(shape, ids)
	if err != nil {
		return 0, err
	}
	defer input.Destroy()

	outputs := []ort.ArbitraryTensor{nil}
	if err := s.sess.Run([]ort.ArbitraryTensor{input}, outputs); err != nil {
		return 0, err
	}
	logits := outputs[0].(*ort.Tensor[float32])
	defer logits.Destroy()

	dims := logits.GetShape()
	vocab := int(dims[len(dims)-1])
	data := logits.GetData()
	last := data[len(data)-vocab:]

	best := 0
	for i, v := range last {
		if v > last[best] {
			best = i
		}
	}
	return int64(best), nil
}

func (s *onnxSession) Close() error {
	if s.sess != nil {
		_ = s.sess.Destroy()
		s.sess = nil
	}
	s.tk = nil
	return nil
}
