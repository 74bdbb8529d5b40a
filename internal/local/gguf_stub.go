//go:build !llama

package local

// Stub compiled when the 'llama' tag is not set, keeping default builds
// CGO-free. Loading a gguf model in such a build fails fast instead of
// pretending to run inference.

import (
	"context"
	"strings"

	"modelgate/internal/core"
)

var ggufBuilt = false

type ggufStrategy struct{}

func newGGUFStrategy() FormatStrategy { return ggufStrategy{} }

func (ggufStrategy) Format() Format { return FormatGGUF }

func (ggufStrategy) Load(_ context.Context, cfg ModelConfig) (Session, error) {
	return nil, core.NewConfigError("llama.cpp support not built (missing 'llama' build tag)", nil)
}

func (ggufStrategy) Preprocess(prompt string) string {
	return strings.TrimSpace(prompt)
}

func (ggufStrategy) Postprocess(raw *RawOutput) *Result {
	return normalizeOutput(raw)
}
