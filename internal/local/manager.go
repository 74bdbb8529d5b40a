// Package local owns the full life cycle of one in-process model: integrity
// verification, load, warmup, inference, recovery, and unload. Format-specific
// steps are delegated to a per-format strategy.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"

	"modelgate/internal/core"
)

// State is the lifecycle state of a Manager.
type State string

const (
	StateUnloaded   State = "unloaded"
	StateLoading    State = "loading"
	StateLoaded     State = "loaded"
	StateGenerating State = "generating"
)

// defaultMemoryFloor is the minimum available system memory required before
// load when the config does not set its own floor.
const defaultMemoryFloor = 512 << 20 // 512 MiB

// warmupPrompt forces lazy kernel and resource initialization with a minimal
// token budget.
const warmupPrompt = "Hello"

// availableMemory reports available system memory. Replaceable in tests.
type availableMemory func() (uint64, error)

func systemAvailableMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Manager owns one local model. The model handle and tokenizer handle are
// held exclusively inside the session and released together; all access is
// mediated through Generate.
//
// Concurrency contract: exactly one generation may be in flight (a second
// concurrent Generate is rejected with a busy error), and Unload waits for
// the in-flight call before releasing handles.
type Manager struct {
	cfg      ModelConfig
	strategy FormatStrategy
	metrics  core.MetricsSink
	logger   *slog.Logger
	memAvail availableMemory

	// genSlot serializes generation and lets Unload wait for in-flight
	// work: one token means one allowed generation.
	genSlot chan struct{}

	mu      sync.Mutex
	state   State
	session Session
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithManagerMetrics injects the telemetry sink.
func WithManagerMetrics(sink core.MetricsSink) ManagerOption {
	return func(m *Manager) { m.metrics = sink }
}

// WithManagerLogger replaces the default logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// withMemoryProbe replaces the system memory probe. Test hook.
func withMemoryProbe(f availableMemory) ManagerOption {
	return func(m *Manager) { m.memAvail = f }
}

// withStrategy overrides the format strategy. Test hook.
func withStrategy(s FormatStrategy) ManagerOption {
	return func(m *Manager) { m.strategy = s }
}

// NewManager validates cfg and builds a manager in the Unloaded state.
// Validation failure is fatal: no manager is returned.
func NewManager(cfg ModelConfig, opts ...ManagerOption) (*Manager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := StrategyFor(cfg.Format)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		strategy: strategy,
		metrics:  core.NopSink{},
		logger:   slog.Default().With("model", cfg.Name),
		memAvail: systemAvailableMemory,
		genSlot:  make(chan struct{}, 1),
		state:    StateUnloaded,
	}
	m.genSlot <- struct{}{}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Load transitions Unloaded → Loading → Loaded. It verifies the weights
// digest, checks the memory floor, delegates to the format loader, and runs
// one warmup inference. Any failure leaves the manager Unloaded, never
// partially loaded.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateUnloaded {
		state := m.state
		m.mu.Unlock()
		return core.NewStateError(m.cfg.Name, fmt.Sprintf("load requires unloaded state, currently %s", state))
	}
	m.state = StateLoading
	m.mu.Unlock()

	sess, err := m.loadSession(ctx, true)
	if err != nil {
		m.mu.Lock()
		m.state = StateUnloaded
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.session = sess
	m.state = StateLoaded
	m.mu.Unlock()
	m.logger.Info("model loaded", "format", m.cfg.Format, "context_window", m.cfg.ContextWindow)
	return nil
}

// loadSession performs the load steps shared by Load and recovery: digest
// verification, memory check, format-specific load, and warmup. The warmup
// here never re-enters the recovery path, which keeps recovery bounded to a
// single unload+reload cycle.
func (m *Manager) loadSession(ctx context.Context, verify bool) (Session, error) {
	if verify {
		if err := m.cfg.VerifyDigest(); err != nil {
			return nil, err
		}
	}

	floor := m.cfg.MemoryFloorBytes
	if floor == 0 {
		floor = defaultMemoryFloor
	}
	avail, err := m.memAvail()
	if err != nil {
		m.logger.Warn("memory probe failed, skipping floor check", "error", err)
	} else if avail < floor {
		return nil, core.NewResourceError(fmt.Sprintf("available memory %d below floor %d", avail, floor))
	}

	sess, err := m.strategy.Load(ctx, m.cfg)
	if err != nil {
		return nil, err
	}

	// Warmup forces lazy kernel/resource initialization. A warmup failure
	// unloads immediately and surfaces the error.
	if _, err := sess.Infer(ctx, warmupPrompt, SamplingOptions{MaxTokens: 1}); err != nil {
		_ = sess.Close()
		return nil, core.NewInferenceError(m.cfg.Name, "warmup inference failed", err)
	}
	return sess, nil
}

// Generate runs one inference. Valid only from Loaded; the manager is in
// Generating for the duration. A concurrent call is rejected with a busy
// error. On engine failure one unload+reload recovery cycle runs before the
// original error is surfaced.
func (m *Manager) Generate(ctx context.Context, prompt string, opts SamplingOptions) (*Result, error) {
	select {
	case <-m.genSlot:
	default:
		return nil, core.NewBusyError(m.cfg.Name)
	}
	defer func() { m.genSlot <- struct{}{} }()

	m.mu.Lock()
	if m.state != StateLoaded {
		state := m.state
		m.mu.Unlock()
		return nil, core.NewStateError(m.cfg.Name, fmt.Sprintf("generate requires loaded state, currently %s", state))
	}
	m.state = StateGenerating
	sess := m.session
	m.mu.Unlock()

	if opts.MaxTokens <= 0 {
		opts.MaxTokens = m.cfg.ContextWindow / 4
	}

	text := truncatePrompt(m.strategy.Preprocess(prompt), m.cfg.ContextWindow)
	raw, err := sess.Infer(ctx, text, opts)
	if err != nil {
		m.recover(ctx)
		return nil, core.NewInferenceError(m.cfg.Name, "inference failed", err)
	}

	m.mu.Lock()
	m.state = StateLoaded
	m.mu.Unlock()

	result := m.strategy.Postprocess(raw)
	m.metrics.ObserveInference(m.cfg.Name, result.ComputeTime)
	if result.DeviceMemoryBytes > 0 {
		m.metrics.SetModelMemory(m.cfg.Name, result.DeviceMemoryBytes)
	}
	return result, nil
}

// recover runs exactly one unload+reload cycle after an inference failure.
// It never re-enters itself: the reload's warmup failure simply leaves the
// manager Unloaded. Digest verification is skipped — the file was verified
// at the original load and has not changed.
func (m *Manager) recover(ctx context.Context) {
	m.logger.Warn("inference failed, attempting one reload cycle")

	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.state = StateUnloaded
	m.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	debug.FreeOSMemory()

	fresh, err := m.loadSession(ctx, false)
	if err != nil {
		m.logger.Error("reload after inference failure did not succeed", "error", err)
		return
	}

	m.mu.Lock()
	m.session = fresh
	m.state = StateLoaded
	m.mu.Unlock()
	m.logger.Info("model reloaded after inference failure")
}

// Unload releases the model and tokenizer handles. Valid from any state:
// it waits for an in-flight generation, drops ownership unconditionally,
// and requests a memory-reclaim pass. Calling it from Unloaded is a no-op.
func (m *Manager) Unload() error {
	// Take the generation slot so no inference can be running while
	// handles are released.
	<-m.genSlot
	defer func() { m.genSlot <- struct{}{} }()

	m.mu.Lock()
	sess := m.session
	m.session = nil
	already := m.state == StateUnloaded
	m.state = StateUnloaded
	m.mu.Unlock()

	if already && sess == nil {
		return nil
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			m.logger.Warn("session close reported error", "error", err)
		}
	}
	m.metrics.SetModelMemory(m.cfg.Name, 0)
	debug.FreeOSMemory()
	m.logger.Info("model unloaded")
	return nil
}

// Close makes Manager satisfy the same teardown contract as remote adapters.
func (m *Manager) Close() error {
	return m.Unload()
}

// truncatePrompt enforces a hard byte cap derived from the context window.
// This is the only content filtering performed at this layer. The heuristic
// of four bytes per token leaves the engine room for special tokens.
func truncatePrompt(prompt string, contextWindow int) string {
	maxBytes := contextWindow * 4
	if len(prompt) <= maxBytes {
		return prompt
	}
	return prompt[:maxBytes]
}
