package llamacpp

import (
	"context"

	"pocketd/pkg/types"
)

// HasModel implements llm.CacheProber.
func (r *Runtime) HasModel(ctx context.Context, m types.Model) (bool, error) {
	return r.cache.HasModel(ctx, m)
}

// DeleteModel implements llm.CacheProber.
func (r *Runtime) DeleteModel(ctx context.Context, m types.Model) error {
	return r.cache.DeleteModel(ctx, m)
}
