package local

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"modelgate/internal/core"
)

// writeWeights creates a fake weights file and returns its path.
func writeWeights(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	return path
}

func TestWithDefaults(t *testing.T) {
	path := writeWeights(t, "tiny-llama.gguf", []byte("weights"))
	cfg := ModelConfig{Path: path, Format: FormatGGUF}.WithDefaults()

	if cfg.Name != "tiny-llama" {
		t.Errorf("Name = %q, want tiny-llama", cfg.Name)
	}
	if cfg.ContextWindow != 4096 {
		t.Errorf("ContextWindow = %d, want 4096", cfg.ContextWindow)
	}
	if cfg.CacheDir != filepath.Dir(path) {
		t.Errorf("CacheDir = %q, want weights directory", cfg.CacheDir)
	}
}

func TestValidate(t *testing.T) {
	gguf := writeWeights(t, "m.gguf", []byte("w"))
	onnx := writeWeights(t, "m.onnx", []byte("w"))

	tests := []struct {
		name    string
		cfg     ModelConfig
		wantErr bool
	}{
		{"valid gguf", ModelConfig{Path: gguf, Format: FormatGGUF}, false},
		{"valid onnx", ModelConfig{Path: onnx, Format: FormatONNX}, false},
		{"missing path", ModelConfig{Format: FormatGGUF}, true},
		{"file absent", ModelConfig{Path: filepath.Join(t.TempDir(), "no.gguf"), Format: FormatGGUF}, true},
		{"wrong extension", ModelConfig{Path: onnx, Format: FormatGGUF}, true},
		{"unknown format", ModelConfig{Path: gguf, Format: Format("tflite")}, true},
		{"window too small", ModelConfig{Path: gguf, Format: FormatGGUF, ContextWindow: 256}, true},
		{"window too large", ModelConfig{Path: gguf, Format: FormatGGUF, ContextWindow: 1 << 20}, true},
		{"negative gpu layers", ModelConfig{Path: gguf, Format: FormatGGUF, GPULayers: -1}, true},
		{"bad digest", ModelConfig{Path: gguf, Format: FormatGGUF, SHA256: "nothex"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.WithDefaults().Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && core.KindOf(err) != core.KindConfigValidation {
				t.Errorf("kind = %s, want %s", core.KindOf(err), core.KindConfigValidation)
			}
		})
	}
}

func TestValidateDirectoryRejected(t *testing.T) {
	dir := t.TempDir()
	err := ModelConfig{Path: dir, Format: FormatGGUF}.WithDefaults().Validate()
	if err == nil {
		t.Fatal("expected error for directory path")
	}
}

func TestVerifyDigest(t *testing.T) {
	content := []byte("model weights bytes")
	path := writeWeights(t, "m.gguf", content)
	sum := sha256.Sum256(content)
	good := hex.EncodeToString(sum[:])

	cfg := ModelConfig{Path: path, Format: FormatGGUF, SHA256: good}.WithDefaults()
	if err := cfg.VerifyDigest(); err != nil {
		t.Fatalf("matching digest rejected: %v", err)
	}

	// Digest comparison is case-insensitive.
	cfg.SHA256 = strings.ToUpper(good)
	if err := cfg.VerifyDigest(); err != nil {
		t.Fatalf("uppercase digest rejected: %v", err)
	}

	cfg.SHA256 = strings.Repeat("0", 64)
	err := cfg.VerifyDigest()
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if core.KindOf(err) != core.KindIntegrityViolation {
		t.Errorf("kind = %s, want %s", core.KindOf(err), core.KindIntegrityViolation)
	}
}

func TestVerifyDigestSkippedWhenUnset(t *testing.T) {
	cfg := ModelConfig{Path: filepath.Join(t.TempDir(), "gone.gguf"), Format: FormatGGUF}
	if err := cfg.VerifyDigest(); err != nil {
		t.Fatalf("no digest configured should be a no-op: %v", err)
	}
}
