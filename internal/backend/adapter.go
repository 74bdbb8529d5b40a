package backend

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"modelgate/internal/core"
	"modelgate/internal/httpclient"
)

// maxErrorBodyBytes caps how much of an error response is read for
// classification.
const maxErrorBodyBytes = 64 * 1024

// Adapter executes generation requests against one remote backend under a
// fixed reliability policy. It is safe for concurrent use: per-call state is
// local, and the rate limiter serializes admission internally.
type Adapter struct {
	cfg      Config
	strategy ProviderStrategy

	// limiter enforces the minimum inter-request interval when a rate
	// ceiling is configured. Burst 1 gives token-bucket-of-size-1
	// semantics: concurrent callers cannot both pass the check.
	limiter *rate.Limiter

	httpClient *http.Client
	metrics    core.MetricsSink
	recorder   core.UsageRecorder
	logger     *slog.Logger

	closeOnce sync.Once
}

// Option configures an Adapter at construction.
type Option func(*Adapter)

// WithMetrics injects the telemetry sink. Defaults to a no-op sink.
func WithMetrics(sink core.MetricsSink) Option {
	return func(a *Adapter) { a.metrics = sink }
}

// WithUsageRecorder injects a usage store. Record failures are logged and
// never fail the generation call.
func WithUsageRecorder(rec core.UsageRecorder) Option {
	return func(a *Adapter) { a.recorder = rec }
}

// WithHTTPClient replaces the default pooled HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New builds an adapter from cfg. The config is defaulted and validated
// here; a validation failure is fatal and no adapter is returned.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := StrategyFor(cfg.Type)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:      cfg,
		strategy: strategy,
		metrics:  core.NopSink{},
		logger:   slog.Default(),
	}
	if cfg.RateLimit > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.httpClient == nil {
		a.httpClient = httpclient.NewDefault()
	}
	a.logger = a.logger.With("backend", cfg.Name)
	return a, nil
}

// Name identifies this backend instance.
func (a *Adapter) Name() string {
	return a.cfg.Name
}

// Generate executes one generation request. Rate limiting is applied first,
// then the logical model name is resolved, then the backend call runs under
// the capped retry policy. Only transient failures are retried; permanent
// failures propagate immediately.
func (a *Adapter) Generate(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error) {
	start := time.Now()
	ctx = core.EnsureRequestID(ctx)

	if a.limiter != nil {
		// Deliberate stall, not an error: block until the minimum
		// inter-request interval has elapsed. Cancellation aborts the wait.
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	model := a.cfg.ResolveModel(req.Model)

	result, err := a.callWithRetry(ctx, model, req)
	if err != nil {
		a.metrics.RecordRequest(a.cfg.Name, "error")
		a.record(ctx, model, core.Usage{}, 0, "error", time.Since(start))
		return nil, err
	}

	latency := time.Since(start)
	resp := &core.GenerationResponse{
		Text:         result.Text,
		Model:        responseModel(result, model),
		Provider:     a.cfg.Name,
		Latency:      latency,
		Usage:        result.Usage,
		FinishReason: result.FinishReason,
		Cost:         EstimateCost(a.cfg.Type, model, result.Usage),
	}

	a.metrics.RecordRequest(a.cfg.Name, "success")
	a.metrics.ObserveLatency(a.cfg.Name, latency)
	a.record(ctx, resp.Model, resp.Usage, resp.Cost, "success", latency)
	return resp, nil
}

// callWithRetry runs the backend call under the capped retry policy with
// exponential backoff. A timed-out attempt counts as transient.
func (a *Adapter) callWithRetry(ctx context.Context, model string, req *core.GenerationRequest) (*ProviderResult, error) {
	maxAttempts := a.cfg.Retry.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			a.logger.Debug("retrying backend call",
				"attempt", attempt+1,
				"max_attempts", maxAttempts,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.backoff(attempt)):
			}
		}

		result, err := a.callOnce(ctx, model, req)
		if err == nil {
			return result, nil
		}
		if !core.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// callOnce issues a single backend attempt under the configured per-attempt
// timeout.
func (a *Adapter) callOnce(ctx context.Context, model string, req *core.GenerationRequest) (*ProviderResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	httpReq, err := a.strategy.BuildRequest(attemptCtx, a.cfg, model, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures are transient unless the
		// caller's own context is gone.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewTransientError(a.cfg.Name, "request failed: "+err.Error(), err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes*16))
	if err != nil {
		return nil, core.NewTransientError(a.cfg.Name, "failed to read response: "+err.Error(), err)
	}

	if httpResp.StatusCode != http.StatusOK {
		if len(body) > maxErrorBodyBytes {
			body = body[:maxErrorBodyBytes]
		}
		return nil, core.ClassifyStatus(a.cfg.Name, httpResp.StatusCode, body, nil)
	}

	result, err := a.strategy.ParseResponse(body)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// backoff computes the delay before the given retry attempt, growing
// exponentially and capped at MaxBackoff.
func (a *Adapter) backoff(attempt int) time.Duration {
	d := float64(a.cfg.Retry.InitialBackoff) * math.Pow(a.cfg.Retry.BackoffFactor, float64(attempt-1))
	if d > float64(a.cfg.Retry.MaxBackoff) {
		d = float64(a.cfg.Retry.MaxBackoff)
	}
	return time.Duration(d)
}

// record writes one usage row. Store failures are logged, never surfaced.
func (a *Adapter) record(ctx context.Context, model string, usage core.Usage, cost float64, outcome string, latency time.Duration) {
	if a.recorder == nil {
		return
	}
	rec := core.UsageRecord{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Backend:      a.cfg.Name,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Cost:         cost,
		Outcome:      outcome,
		LatencyMS:    latency.Milliseconds(),
	}
	if err := a.recorder.Record(ctx, rec); err != nil {
		a.logger.Warn("failed to record usage", "error", err)
	}
}

// Close releases connection resources. Safe to call multiple times.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.httpClient.CloseIdleConnections()
	})
	return nil
}

// responseModel prefers the backend-reported model name, falling back to the
// resolved request model when the payload omits it.
func responseModel(result *ProviderResult, resolved string) string {
	if result.Model != "" {
		return result.Model
	}
	return resolved
}
