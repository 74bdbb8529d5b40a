package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	"modelgate/internal/core"
)

// runnerBinEnv names the environment variable that overrides the runner
// binary looked up on PATH.
const runnerBinEnv = "MODELGATE_RUNNER_BIN"

const defaultRunnerBin = "modelgate-runner"

// runnerReadyTimeout bounds how long a freshly spawned runner may take to
// answer its health endpoint.
const runnerReadyTimeout = 30 * time.Second

// runnerStrategy serves full-precision safetensors weights through an
// external runner process speaking a small HTTP protocol. The process is
// spawned per session and terminated on Close, so unload reclaims the
// weights memory with the process.
type runnerStrategy struct{}

func newRunnerStrategy() FormatStrategy { return runnerStrategy{} }

func (runnerStrategy) Format() Format { return FormatSafetensors }

func (runnerStrategy) Load(ctx context.Context, cfg ModelConfig) (Session, error) {
	bin := os.Getenv(runnerBinEnv)
	if bin == "" {
		bin = defaultRunnerBin
	}
	port, err := pickFreePort("127.0.0.1")
	if err != nil {
		return nil, core.NewResourceError(fmt.Sprintf("no free port for runner: %v", err))
	}
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	cmd := exec.Command(bin,
		"--model", cfg.Path,
		"--port", fmt.Sprint(port),
		"--context-window", fmt.Sprint(cfg.ContextWindow),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, core.NewInferenceError(cfg.Name, "start runner process", err)
	}

	sess := &runnerSession{
		cmd:     cmd,
		baseURL: baseURL,
		// Timeout stays zero: every call carries its own context deadline.
		client: &http.Client{},
	}

	// Surface an early exit instead of polling health against a corpse.
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	sess.waitErr = waitErr

	if err := sess.awaitReady(ctx, waitErr, &stderr); err != nil {
		_ = sess.Close()
		return nil, core.NewInferenceError(cfg.Name, "runner did not become ready", err)
	}
	return sess, nil
}

func (runnerStrategy) Preprocess(prompt string) string {
	return strings.TrimSpace(prompt)
}

func (runnerStrategy) Postprocess(raw *RawOutput) *Result {
	return normalizeOutput(raw)
}

type runnerSession struct {
	cmd     *exec.Cmd
	baseURL string
	client  *http.Client
	waitErr chan error
	closed  bool
}

func (s *runnerSession) awaitReady(ctx context.Context, waitErr <-chan error, stderr *bytes.Buffer) error {
	deadline := time.Now().Add(runnerReadyTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("runner not ready after %s", runnerReadyTimeout)
		}
		select {
		case werr := <-waitErr:
			tail := stderr.String()
			if len(tail) > 4096 {
				tail = tail[len(tail)-4096:]
			}
			return fmt.Errorf("runner exited before ready: %v; stderr tail: %s", werr, tail)
		default:
		}
		if s.healthy(ctx) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (s *runnerSession) healthy(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, s.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (s *runnerSession) Infer(ctx context.Context, prompt string, opts SamplingOptions) (*RawOutput, error) {
	payload := map[string]any{
		"prompt":      prompt,
		"max_tokens":  opts.MaxTokens,
		"temperature": opts.Temperature,
	}
	if opts.TopP > 0 {
		payload["top_p"] = opts.TopP
	}
	if len(opts.Stop) > 0 {
		payload["stop"] = opts.Stop
	}
	if opts.Seed != 0 {
		payload["seed"] = opts.Seed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(respBody, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return nil, fmt.Errorf("runner returned status %d: %s", resp.StatusCode, msg)
	}

	parsed := gjson.ParseBytes(respBody)
	return &RawOutput{
		Text:              parsed.Get("text").String(),
		InputTokens:       int(parsed.Get("input_tokens").Int()),
		OutputTokens:      int(parsed.Get("output_tokens").Int()),
		ComputeTime:       time.Since(start),
		DeviceMemoryBytes: parsed.Get("memory_bytes").Uint(),
		Truncated:         parsed.Get("truncated").Bool(),
	}, nil
}

// Close terminates the runner: SIGTERM first, then a hard kill after a
// short grace period. Idempotent.
func (s *runnerSession) Close() error {
	if s.closed || s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	s.closed = true

	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.waitErr:
	case <-time.After(2 * time.Second):
		_ = s.cmd.Process.Kill()
		<-s.waitErr
	}
	return nil
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
