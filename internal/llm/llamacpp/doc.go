// Package llamacpp runs models in-process through go-llama.cpp. The real
// implementation needs cgo and the 'llama' build tag; default builds get a
// stub whose Open fails with llm.ErrDependencyUnavailable.
package llamacpp

import (
	"github.com/rs/zerolog"

	"pocketd/internal/modelcache"
)

// Config controls model and prediction defaults.
type Config struct {
	CtxSize   int
	Threads   int
	GPULayers int
}

// Runtime loads models into this process.
type Runtime struct {
	cfg    Config
	cache  *modelcache.Cache
	logger zerolog.Logger
}

// New returns a runtime using cache for weights.
func New(cfg Config, cache *modelcache.Cache, logger zerolog.Logger) *Runtime {
	if cfg.CtxSize <= 0 {
		cfg.CtxSize = 2048
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	return &Runtime{cfg: cfg, cache: cache, logger: logger.With().Str("component", "llamacpp").Logger()}
}
