// Package engine owns the lifecycle of one loaded model: loading it through
// a backend, serializing generations against it, interrupting them and
// releasing it again.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pocketd/internal/llm"
	"pocketd/internal/progress"
	"pocketd/internal/worker"
	"pocketd/pkg/types"
)

// Status is the engine lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Engine is a loaded-model handle with streaming generation.
type Engine interface {
	Status() Status
	IsReady() bool
	IsLoading() bool
	CurrentModelID() string
	LastError() error

	// LoadModel replaces whatever is loaded with model id and returns the
	// engine for chaining.
	LoadModel(ctx context.Context, id string, opts ...LoadOption) (Engine, error)
	StreamText(ctx context.Context, in Input, opts ...GenerateOption) (llm.Stream, error)
	GenerateText(ctx context.Context, in Input, opts ...GenerateOption) (*types.ChatCompletion, error)
	// InterruptGenerate asks running generations to stop. It never fails.
	InterruptGenerate()
	// Dispose releases the model and any worker. It is safe to call more than once.
	Dispose()
}

// CachingEngine is an Engine that can inspect and prune the model cache.
type CachingEngine interface {
	Engine
	HasModelInCache(ctx context.Context, id string) (bool, error)
	CachedModels(ctx context.Context) ([]string, error)
	ClearModelCache(ctx context.Context) error
}

// Models resolves model ids.
type Models interface {
	Lookup(id string) (types.Model, bool)
	List() []types.Model
}

// Config wires an engine.
type Config struct {
	Models  Models
	Runtime llm.Runtime
	// Spawner enables WithWorker loads. Without it they run in-process.
	Spawner worker.Spawner
	// Cache enables the CachingEngine capability.
	Cache llm.CacheProber

	MaxQueueDepth int
	MaxWait       time.Duration
	Logger        zerolog.Logger
	Publisher     EventPublisher
}

// Core is the engine implementation.
type Core struct {
	self       Engine
	models     Models
	rt         llm.Runtime
	workers    *worker.Lifecycle
	adm        *admission
	translator progress.Translator
	logger     zerolog.Logger
	pub        EventPublisher
	started    time.Time

	mu       sync.Mutex
	status   Status
	current  types.Model
	lastErr  error
	handle   llm.Session
	onWorker bool
	gen      uint64

	loads       atomic.Uint64
	generations atomic.Uint64
}

// New builds an engine. It returns a *CachingCore when cfg.Cache is set and
// a *Core otherwise; callers probe for CachingEngine.
func New(cfg Config) Engine {
	c := newCore(cfg)
	if cfg.Cache == nil {
		c.self = c
		return c
	}
	cc := &CachingCore{Core: c, cache: cfg.Cache}
	c.self = cc
	return cc
}

func newCore(cfg Config) *Core {
	pub := cfg.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}
	logger := cfg.Logger.With().Str("component", "engine").Logger()
	c := &Core{
		models:  cfg.Models,
		rt:      cfg.Runtime,
		adm:     newAdmission(cfg.MaxQueueDepth, cfg.MaxWait),
		logger:  logger,
		pub:     pub,
		started: time.Now(),
		status:  StatusIdle,
	}
	if cfg.Spawner != nil {
		c.workers = worker.NewLifecycle(cfg.Spawner, cfg.Logger)
	}
	return c
}

func (c *Core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Core) IsReady() bool { return c.Status() == StatusReady }

func (c *Core) IsLoading() bool { return c.Status() == StatusLoading }

// CurrentModelID returns the id of the loaded model, or "".
func (c *Core) CurrentModelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.ID
}

func (c *Core) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// InterruptGenerate implements Engine.
func (c *Core) InterruptGenerate() {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.Interrupt(); err != nil {
		c.logger.Warn().Err(err).Msg("interrupt_error")
		return
	}
	c.pub.Publish(Event{Name: "interrupt", ModelID: c.CurrentModelID()})
}

// Dispose implements Engine.
func (c *Core) Dispose() {
	c.mu.Lock()
	c.gen++
	id := c.current.ID
	h, w := c.takeLocked()
	c.status = StatusIdle
	c.current = types.Model{}
	c.mu.Unlock()

	c.release(id, h, w)
	if id != "" {
		c.logger.Info().Str("model", id).Msg("dispose")
		c.pub.Publish(Event{Name: "dispose", ModelID: id})
	}
}

// takeLocked uninstalls the handle and worker. c.mu must be held.
func (c *Core) takeLocked() (llm.Session, worker.Worker) {
	h := c.handle
	c.handle = nil
	c.onWorker = false
	var w worker.Worker
	if c.workers != nil {
		w = c.workers.Detach()
	}
	return h, w
}

// release unloads h and terminates w. Failures are logged only.
func (c *Core) release(modelID string, h llm.Session, w worker.Worker) {
	if h != nil {
		if err := h.Unload(context.Background()); err != nil {
			c.logger.Warn().Err(err).Str("model", modelID).Msg("unload_error")
		}
	}
	if w != nil {
		if err := w.Terminate(); err != nil {
			c.logger.Warn().Err(err).Str("worker", w.ID()).Msg("worker_terminate_error")
		}
	}
}

// Report builds the /status view of the engine.
func (c *Core) Report() types.StatusResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := types.StatusResponse{
		State:            string(c.status),
		CurrentModel:     c.current.ID,
		Worker:           c.onWorker,
		QueueLen:         c.adm.waiting(),
		Inflight:         c.adm.inflight(),
		MaxQueueDepth:    c.adm.depth(),
		LoadsTotal:       c.loads.Load(),
		GenerationsTotal: c.generations.Load(),
		UptimeSeconds:    int64(time.Since(c.started).Seconds()),
		ServerTimeUnix:   time.Now().Unix(),
	}
	if c.lastErr != nil {
		resp.LastError = c.lastErr.Error()
	}
	_, resp.Caching = c.self.(CachingEngine)
	return resp
}
