package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	"modelgate/internal/core"
)

const openaiDefaultBaseURL = "https://api.openai.com/v1"

// openaiStrategy speaks the OpenAI chat completions wire format. It also
// covers OpenAI-compatible gateways when BaseURL is overridden.
type openaiStrategy struct{}

func (openaiStrategy) Name() string           { return "openai" }
func (openaiStrategy) DefaultBaseURL() string { return openaiDefaultBaseURL }

// openaiChatRequest is the JSON body for POST /chat/completions.
type openaiChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Stop        []string        `json:"stop,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s openaiStrategy) BuildRequest(ctx context.Context, cfg Config, model string, req *core.GenerationRequest) (*http.Request, error) {
	body := openaiChatRequest{
		Model:       model,
		Messages:    []openaiMessage{{Role: "user", Content: req.Prompt}},
		Temperature: resolveTemperature(req, cfg.Defaults),
		MaxTokens:   resolveMaxTokens(req, cfg.Defaults),
		Stop:        req.Stop,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, core.NewPermanentError(cfg.Name, "failed to marshal request", err)
	}

	url := resolveBaseURL(cfg, openaiDefaultBaseURL) + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewPermanentError(cfg.Name, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	if id := core.GetRequestID(ctx); id != "" {
		httpReq.Header.Set("X-Client-Request-Id", id)
	}
	return httpReq, nil
}

func (s openaiStrategy) ParseResponse(body []byte) (*ProviderResult, error) {
	text := gjson.GetBytes(body, "choices.0.message.content")
	if !text.Exists() {
		return nil, core.NewTransientError("openai", "response missing choices", nil)
	}
	return &ProviderResult{
		Text:  text.String(),
		Model: gjson.GetBytes(body, "model").String(),
		Usage: core.Usage{
			InputTokens:  int(gjson.GetBytes(body, "usage.prompt_tokens").Int()),
			OutputTokens: int(gjson.GetBytes(body, "usage.completion_tokens").Int()),
		},
		FinishReason: mapOpenAIFinishReason(gjson.GetBytes(body, "choices.0.finish_reason").String()),
	}, nil
}

func mapOpenAIFinishReason(reason string) core.FinishReason {
	switch reason {
	case "stop":
		return core.FinishStop
	case "length":
		return core.FinishLength
	default:
		return core.FinishError
	}
}
