// Package router load-balances generation requests across provider adapters
// using a per-adapter health score, masking individual backend instability
// from the caller.
package router

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"

	"modelgate/internal/core"
)

// Backend is a named text generator, implemented by backend.Adapter.
type Backend interface {
	core.TextGenerator
	Name() string
}

// Options hold router tunables. The health constants are heuristics, so they
// are exposed rather than hard-coded; Default returns the stock values.
type Options struct {
	// MaxAttempts bounds cross-adapter failover. When exhausted the router
	// surfaces an AllBackendsExhausted error instead of retrying forever.
	MaxAttempts int
	// SuccessFactor multiplies an adapter's score after a successful call.
	SuccessFactor float64
	// FailureFactor multiplies an adapter's score after a failed call.
	FailureFactor float64
	// MinScore floors the score so every adapter stays reachable.
	MinScore float64
	// MaxScore caps the score.
	MaxScore float64
}

// Default returns the stock tunables: 10 attempts, +10% on success, -30% on
// failure, scores clamped to [0.1, 1.0].
func Default() Options {
	return Options{
		MaxAttempts:   10,
		SuccessFactor: 1.1,
		FailureFactor: 0.7,
		MinScore:      0.1,
		MaxScore:      1.0,
	}
}

// withDefaults fills zero-valued tunables.
func (o Options) withDefaults() Options {
	d := Default()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.SuccessFactor <= 0 {
		o.SuccessFactor = d.SuccessFactor
	}
	if o.FailureFactor <= 0 {
		o.FailureFactor = d.FailureFactor
	}
	if o.MinScore <= 0 {
		o.MinScore = d.MinScore
	}
	if o.MaxScore <= 0 {
		o.MaxScore = d.MaxScore
	}
	return o
}

// entry pairs an adapter with its health score. Scores live only here and
// only the router mutates them.
type entry struct {
	backend Backend
	score   float64
}

// Router selects among adapters by weighted random draw over health scores.
// Safe for concurrent use: score reads and writes happen under one mutex,
// adapter calls happen outside it.
type Router struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	entries []*entry
	rng     *rand.Rand
}

// New creates a router over the given backends. Every score starts at
// MaxScore. At least one backend is required.
func New(backends []Backend, opts Options, logger *slog.Logger) (*Router, error) {
	if len(backends) == 0 {
		return nil, core.NewConfigError("router requires at least one backend", nil)
	}
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	entries := make([]*entry, len(backends))
	for i, b := range backends {
		entries[i] = &entry{backend: b, score: opts.MaxScore}
	}
	return &Router{
		opts:    opts,
		logger:  logger,
		entries: entries,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// Generate picks an adapter by weighted draw and executes the request.
// On failure it demotes the chosen adapter and redraws over the whole pool
// (the failed adapter included, at lower weight), up to MaxAttempts.
func (r *Router) Generate(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error) {
	var lastErr error
	for attempt := 0; attempt < r.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, core.NewExhaustedError(attempt, errors.Join(lastErr, err))
			}
			return nil, err
		}

		e := r.pick()
		resp, err := e.backend.Generate(ctx, req)
		if err == nil {
			r.recordSuccess(e)
			return resp, nil
		}

		r.recordFailure(e)
		r.logger.Warn("backend call failed, redrawing",
			"backend", e.backend.Name(),
			"attempt", attempt+1,
			"error", err,
		)
		lastErr = err
	}
	return nil, core.NewExhaustedError(r.opts.MaxAttempts, lastErr)
}

// pick performs one weighted random draw over a snapshot of current scores.
func (r *Router) pick() *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total float64
	for _, e := range r.entries {
		total += e.score
	}
	target := r.rng.Float64() * total
	for _, e := range r.entries {
		target -= e.score
		if target < 0 {
			return e
		}
	}
	// Float accumulation can leave the target a hair above zero.
	return r.entries[len(r.entries)-1]
}

func (r *Router) recordSuccess(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.score = min(e.score*r.opts.SuccessFactor, r.opts.MaxScore)
}

func (r *Router) recordFailure(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.score = max(e.score*r.opts.FailureFactor, r.opts.MinScore)
}

// Scores returns a snapshot of current health scores by backend name.
func (r *Router) Scores() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	scores := make(map[string]float64, len(r.entries))
	for _, e := range r.entries {
		scores[e.backend.Name()] = e.score
	}
	return scores
}

// Close closes every adapter in the pool.
func (r *Router) Close() error {
	var errs []error
	for _, e := range r.entries {
		if err := e.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
