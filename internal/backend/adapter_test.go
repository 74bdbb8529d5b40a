package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"modelgate/internal/core"
)

// openaiCompletion is a minimal valid chat completions payload.
func openaiCompletion(model, text, finish string, in, out int) map[string]any {
	return map[string]any{
		"model": model,
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": text}, "finish_reason": finish},
		},
		"usage": map[string]any{"prompt_tokens": in, "completion_tokens": out},
	}
}

func newTestAdapter(t *testing.T, serverURL string, mutate func(*Config)) *Adapter {
	t.Helper()
	cfg := Config{
		Name:    "test-openai",
		Type:    "openai",
		APIKey:  "sk-test-1234567890",
		BaseURL: serverURL,
		Retry: RetryPolicy{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2.0,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestGenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test-1234567890" {
			t.Errorf("missing auth header, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(openaiCompletion("gpt-4o", "hello there", "stop", 12, 3))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, nil)
	resp, err := a.Generate(context.Background(), &core.GenerationRequest{Prompt: "hi", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "hello there" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Provider != "test-openai" {
		t.Errorf("provider = %q", resp.Provider)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.FinishReason != core.FinishStop {
		t.Errorf("finish = %s", resp.FinishReason)
	}
	if resp.Latency <= 0 {
		t.Error("latency not recorded")
	}
	if resp.Cost <= 0 {
		t.Error("expected nonzero cost for gpt-4o usage")
	}
}

func TestGenerateRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(openaiCompletion("gpt-4o", "ok", "stop", 1, 1))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, nil)
	resp, err := a.Generate(context.Background(), &core.GenerationRequest{Prompt: "p", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("text = %q", resp.Text)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend called %d times, want 3", got)
	}
}

func TestGenerateTransientExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, nil)
	_, err := a.Generate(context.Background(), &core.GenerationRequest{Prompt: "p", Model: "m"})
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if core.KindOf(err) != core.KindTransientBackend {
		t.Errorf("kind = %s, want transient", core.KindOf(err))
	}
	// MaxRetries=2 means three attempts total.
	if got := calls.Load(); got != 3 {
		t.Errorf("backend called %d times, want 3", got)
	}
}

func TestGeneratePermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, nil)
	_, err := a.Generate(context.Background(), &core.GenerationRequest{Prompt: "p", Model: "m"})
	if core.KindOf(err) != core.KindPermanentBackend {
		t.Fatalf("kind = %s, want permanent", core.KindOf(err))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend called %d times, want 1 (no retry)", got)
	}
}

func TestGenerateQuotaNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, nil)
	_, err := a.Generate(context.Background(), &core.GenerationRequest{Prompt: "p", Model: "m"})
	if core.KindOf(err) != core.KindPermanentBackend {
		t.Fatalf("kind = %s, want permanent", core.KindOf(err))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend called %d times, want 1", got)
	}
}

func TestRateLimitSpacing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(openaiCompletion("m", "x", "stop", 1, 1))
	}))
	defer srv.Close()

	// rate_limit=2.0: three sequential calls must span at least 1.0s.
	a := newTestAdapter(t, srv.URL, func(c *Config) { c.RateLimit = 2.0 })

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := a.Generate(context.Background(), &core.GenerationRequest{Prompt: "p", Model: "m"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("three calls at 2 req/s took %v, want >= 1s", elapsed)
	}
}

func TestMaxTokensDefaultAndOverride(t *testing.T) {
	var gotMaxTokens atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MaxTokens int `json:"max_tokens"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotMaxTokens.Store(int64(body.MaxTokens))
		_ = json.NewEncoder(w).Encode(openaiCompletion("m", "x", "stop", 1, 1))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, func(c *Config) { c.Defaults.MaxTokens = 256 })

	// Unset inherits the backend default.
	if _, err := a.Generate(context.Background(), &core.GenerationRequest{Prompt: "p", Model: "m"}); err != nil {
		t.Fatal(err)
	}
	if got := gotMaxTokens.Load(); got != 256 {
		t.Errorf("default max_tokens = %d, want 256", got)
	}

	// Explicit value overrides exactly.
	ten := 10
	if _, err := a.Generate(context.Background(), &core.GenerationRequest{Prompt: "p", Model: "m", MaxTokens: &ten}); err != nil {
		t.Fatal(err)
	}
	if got := gotMaxTokens.Load(); got != 10 {
		t.Errorf("override max_tokens = %d, want 10", got)
	}
}

func TestModelAliasResolution(t *testing.T) {
	var gotModel atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel.Store(body.Model)
		_ = json.NewEncoder(w).Encode(openaiCompletion(body.Model, "x", "stop", 1, 1))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, func(c *Config) {
		c.ModelAliases = map[string]string{"default": "gpt-4o-mini"}
	})
	if _, err := a.Generate(context.Background(), &core.GenerationRequest{Prompt: "p", Model: "default"}); err != nil {
		t.Fatal(err)
	}
	if got := gotModel.Load(); got != "gpt-4o-mini" {
		t.Errorf("resolved model = %v, want gpt-4o-mini", got)
	}
}

// countingSink verifies the adapter emits telemetry without affecting results.
type countingSink struct {
	requests  atomic.Int32
	latencies atomic.Int32
}

func (s *countingSink) RecordRequest(string, string)           { s.requests.Add(1) }
func (s *countingSink) ObserveLatency(string, time.Duration)   { s.latencies.Add(1) }
func (s *countingSink) ObserveInference(string, time.Duration) {}
func (s *countingSink) SetModelMemory(string, uint64)          {}

func TestGenerateEmitsTelemetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(openaiCompletion("m", "x", "stop", 1, 1))
	}))
	defer srv.Close()

	sink := &countingSink{}
	cfg := Config{Name: "t", Type: "openai", APIKey: "sk-test-1234567890", BaseURL: srv.URL}
	a, err := New(cfg, WithMetrics(sink))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = a.Close() }()

	if _, err := a.Generate(context.Background(), &core.GenerationRequest{Prompt: "p", Model: "m"}); err != nil {
		t.Fatal(err)
	}
	if sink.requests.Load() != 1 || sink.latencies.Load() != 1 {
		t.Errorf("telemetry not emitted: requests=%d latencies=%d", sink.requests.Load(), sink.latencies.Load())
	}
}

func TestCloseIdempotent(t *testing.T) {
	a := newTestAdapter(t, "http://localhost:1", nil)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal("second close must not fail:", err)
	}
}

func TestGenerateContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel the request context.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Generate(ctx, &core.GenerationRequest{Prompt: "p", Model: "m"})
	if err == nil {
		t.Fatal("expected error on cancellation")
	}
}
