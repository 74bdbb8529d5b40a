//go:build !onnx

package local

// Stub compiled when the 'onnx' tag is not set. ONNX Runtime needs its
// shared library installed, so default builds refuse onnx models instead of
// linking against it.

import (
	"context"
	"strings"

	"modelgate/internal/core"
)

var onnxBuilt = false

type onnxStrategy struct{}

func newONNXStrategy() FormatStrategy { return onnxStrategy{} }

func (onnxStrategy) Format() Format { return FormatONNX }

func (onnxStrategy) Load(_ context.Context, cfg ModelConfig) (Session, error) {
	return nil, core.NewConfigError("onnxruntime support not built (missing 'onnx' build tag)", nil)
}

func (onnxStrategy) Preprocess(prompt string) string {
	return strings.TrimSpace(prompt)
}

func (onnxStrategy) Postprocess(raw *RawOutput) *Result {
	return normalizeOutput(raw)
}
