package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	"modelgate/internal/core"
)

const ollamaDefaultBaseURL = "http://localhost:11434"

// ollamaStrategy speaks the Ollama generate wire format. Ollama runs as a
// local daemon and usually needs no credential.
type ollamaStrategy struct{}

func (ollamaStrategy) Name() string           { return "ollama" }
func (ollamaStrategy) DefaultBaseURL() string { return ollamaDefaultBaseURL }

// ollamaGenerateRequest is the JSON body for POST /api/generate.
// Streaming is disabled; the adapter wants exactly one response payload.
type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict"`
	Stop        []string `json:"stop,omitempty"`
}

func (s ollamaStrategy) BuildRequest(ctx context.Context, cfg Config, model string, req *core.GenerationRequest) (*http.Request, error) {
	body := ollamaGenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Stream: false,
		Options: ollamaOptions{
			Temperature: resolveTemperature(req, cfg.Defaults),
			NumPredict:  resolveMaxTokens(req, cfg.Defaults),
			Stop:        req.Stop,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, core.NewPermanentError(cfg.Name, "failed to marshal request", err)
	}

	url := resolveBaseURL(cfg, ollamaDefaultBaseURL) + "/api/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewPermanentError(cfg.Name, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return httpReq, nil
}

func (s ollamaStrategy) ParseResponse(body []byte) (*ProviderResult, error) {
	resp := gjson.GetBytes(body, "response")
	if !resp.Exists() {
		return nil, core.NewTransientError("ollama", "response missing output", nil)
	}
	finish := core.FinishStop
	switch gjson.GetBytes(body, "done_reason").String() {
	case "length":
		finish = core.FinishLength
	case "", "stop":
		finish = core.FinishStop
	default:
		finish = core.FinishError
	}
	return &ProviderResult{
		Text:  resp.String(),
		Model: gjson.GetBytes(body, "model").String(),
		Usage: core.Usage{
			InputTokens:  int(gjson.GetBytes(body, "prompt_eval_count").Int()),
			OutputTokens: int(gjson.GetBytes(body, "eval_count").Int()),
		},
		FinishReason: finish,
	}, nil
}
