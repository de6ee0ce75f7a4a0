//go:build !llama

package llamacpp

import (
	"context"

	"pocketd/internal/llm"
	"pocketd/pkg/types"
)

// Built reports whether real llama.cpp support is compiled in.
const Built = false

// Open fails fast: the llama runtime is not available in this build.
func (r *Runtime) Open(ctx context.Context, m types.Model, onProgress func(types.InitProgress)) (llm.Session, error) {
	return nil, llm.ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
