package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	"modelgate/internal/core"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
)

// anthropicStrategy speaks the Anthropic messages wire format.
type anthropicStrategy struct{}

func (anthropicStrategy) Name() string           { return "anthropic" }
func (anthropicStrategy) DefaultBaseURL() string { return anthropicDefaultBaseURL }

// anthropicMessagesRequest is the JSON body for POST /v1/messages.
// max_tokens is required by the API, so the backend default always applies
// when the request leaves it unset.
type anthropicMessagesRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   float64            `json:"temperature"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s anthropicStrategy) BuildRequest(ctx context.Context, cfg Config, model string, req *core.GenerationRequest) (*http.Request, error) {
	body := anthropicMessagesRequest{
		Model:         model,
		MaxTokens:     resolveMaxTokens(req, cfg.Defaults),
		Messages:      []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature:   resolveTemperature(req, cfg.Defaults),
		StopSequences: req.Stop,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, core.NewPermanentError(cfg.Name, "failed to marshal request", err)
	}

	url := resolveBaseURL(cfg, anthropicDefaultBaseURL) + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewPermanentError(cfg.Name, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

func (s anthropicStrategy) ParseResponse(body []byte) (*ProviderResult, error) {
	text := gjson.GetBytes(body, "content.0.text")
	if !text.Exists() {
		return nil, core.NewTransientError("anthropic", "response missing content", nil)
	}
	return &ProviderResult{
		Text:  text.String(),
		Model: gjson.GetBytes(body, "model").String(),
		Usage: core.Usage{
			InputTokens:  int(gjson.GetBytes(body, "usage.input_tokens").Int()),
			OutputTokens: int(gjson.GetBytes(body, "usage.output_tokens").Int()),
		},
		FinishReason: mapAnthropicStopReason(gjson.GetBytes(body, "stop_reason").String()),
	}, nil
}

func mapAnthropicStopReason(reason string) core.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return core.FinishStop
	case "max_tokens":
		return core.FinishLength
	default:
		return core.FinishError
	}
}
