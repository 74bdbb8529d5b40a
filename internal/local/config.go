package local

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"modelgate/internal/core"
)

// Format tags a model weights file with its loading strategy.
type Format string

const (
	// FormatGGUF is quantized weights served by llama.cpp.
	FormatGGUF Format = "gguf"
	// FormatSafetensors is full-precision weights served by an external
	// runner process.
	FormatSafetensors Format = "safetensors"
	// FormatONNX is an optimized graph served by ONNX Runtime.
	FormatONNX Format = "onnx"
)

const (
	minContextWindow = 512
	maxContextWindow = 32768
)

// extensionsByFormat is the closed set of accepted weights file extensions.
var extensionsByFormat = map[Format][]string{
	FormatGGUF:        {".gguf", ".bin"},
	FormatSafetensors: {".safetensors"},
	FormatONNX:        {".onnx"},
}

var sha256Pattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ModelConfig describes one local model artifact. Validated at construction;
// a missing file or unsupported extension is a hard failure.
type ModelConfig struct {
	// Name identifies the model in logs and metrics. Defaults to the
	// weights file base name.
	Name string `mapstructure:"name"`
	// Path is the filesystem path to the weights file.
	Path string `mapstructure:"path"`
	// Format selects the loading strategy.
	Format Format `mapstructure:"format"`
	// ContextWindow bounds prompt plus output tokens.
	ContextWindow int `mapstructure:"context_window"`
	// GPULayers is the number of layers offloaded to the GPU.
	GPULayers int `mapstructure:"gpu_layers"`
	// Threads is the CPU thread count for inference. Zero lets the engine
	// decide.
	Threads int `mapstructure:"threads"`
	// MMap memory-maps the weights instead of reading them up front.
	MMap bool `mapstructure:"mmap"`
	// MLock pins the weights in RAM.
	MLock bool `mapstructure:"mlock"`
	// SHA256 is an optional 64-hex-character digest verified before load.
	SHA256 string `mapstructure:"sha256"`
	// CacheDir holds derived artifacts (tokenizer files, compiled graphs).
	// Defaults to the weights directory.
	CacheDir string `mapstructure:"cache_dir"`
	// MemoryFloorBytes is the minimum available system memory required
	// before load. Zero uses the package default.
	MemoryFloorBytes uint64 `mapstructure:"memory_floor_bytes"`
}

// WithDefaults returns a copy of c with derived fields filled in.
func (c ModelConfig) WithDefaults() ModelConfig {
	if c.Name == "" {
		base := filepath.Base(c.Path)
		c.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if c.ContextWindow == 0 {
		c.ContextWindow = 4096
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Dir(c.Path)
	}
	return c
}

// Validate checks the config at construction time. The weights file must
// exist and carry an extension accepted for the declared format.
func (c ModelConfig) Validate() error {
	if c.Path == "" {
		return core.NewConfigError("model path is required", nil)
	}
	info, err := os.Stat(c.Path)
	if err != nil {
		return core.NewConfigError(fmt.Sprintf("model file %s not accessible", c.Path), err)
	}
	if info.IsDir() {
		return core.NewConfigError(fmt.Sprintf("model path %s is a directory", c.Path), nil)
	}

	allowed, ok := extensionsByFormat[c.Format]
	if !ok {
		return core.NewConfigError(fmt.Sprintf("unsupported model format %q", c.Format), nil)
	}
	ext := strings.ToLower(filepath.Ext(c.Path))
	if !contains(allowed, ext) {
		return core.NewConfigError(fmt.Sprintf("extension %s not valid for format %s (want one of %v)", ext, c.Format, allowed), nil)
	}

	if c.ContextWindow < minContextWindow || c.ContextWindow > maxContextWindow {
		return core.NewConfigError(fmt.Sprintf("context_window %d outside [%d, %d]", c.ContextWindow, minContextWindow, maxContextWindow), nil)
	}
	if c.GPULayers < 0 {
		return core.NewConfigError("gpu_layers must not be negative", nil)
	}
	if c.Threads < 0 {
		return core.NewConfigError("threads must not be negative", nil)
	}
	if c.SHA256 != "" && !sha256Pattern.MatchString(c.SHA256) {
		return core.NewConfigError("sha256 must be a 64-character hex digest", nil)
	}
	return nil
}

// VerifyDigest streams the weights file through SHA-256 and compares against
// the declared digest. A mismatch is an IntegrityViolation: the model must
// not leave the Unloaded state.
func (c ModelConfig) VerifyDigest() error {
	if c.SHA256 == "" {
		return nil
	}
	f, err := os.Open(c.Path)
	if err != nil {
		return core.NewConfigError(fmt.Sprintf("cannot open %s for digest check", c.Path), err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return core.NewConfigError(fmt.Sprintf("digest read failed for %s", c.Path), err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, c.SHA256) {
		return core.NewIntegrityError(c.Path, strings.ToLower(c.SHA256), got)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
