package engine

import (
	"context"
	"time"

	"pocketd/internal/backend"
	"pocketd/internal/llm"
	"pocketd/internal/worker"
	"pocketd/pkg/types"
)

// LoadModel implements Engine. Concurrent loads are resolved by a generation
// counter: the latest call wins and earlier ones return ErrLoadSuperseded
// after releasing what they created.
func (c *Core) LoadModel(ctx context.Context, id string, opts ...LoadOption) (Engine, error) {
	var cfg loadConfig
	for _, o := range opts {
		o(&cfg)
	}
	m, ok := c.models.Lookup(id)
	if !ok {
		return c.self, ErrModelNotFound(id)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	prevID := c.current.ID
	c.status = StatusLoading
	c.lastErr = nil
	c.current = types.Model{}
	h, w := c.takeLocked()
	c.mu.Unlock()

	c.release(prevID, h, w)
	log := c.logger.With().Str("model", id).Bool("worker", cfg.useWorker).Logger()
	log.Info().Msg("load_start")
	c.pub.Publish(Event{Name: "load_start", ModelID: id, Fields: map[string]any{"worker": cfg.useWorker}})

	be := backend.InProcess(c.rt)
	var created worker.Worker
	if cfg.useWorker {
		if c.workers == nil {
			log.Warn().Msg("worker_unavailable_inprocess_fallback")
		} else {
			if !c.isGen(gen) {
				return c.self, ErrLoadSuperseded
			}
			w, err := c.workers.Start(ctx)
			if err != nil {
				return c.fail(gen, m, nil, err)
			}
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				c.workers.Stop(w)
				log.Info().Msg("load_superseded")
				return c.self, ErrLoadSuperseded
			}
			prev := c.workers.Install(w)
			c.mu.Unlock()
			if prev != nil {
				c.workers.Stop(prev)
			}
			created = w
			be = backend.Worker(w)
		}
	}

	onProgress := c.translator.Func(func(p types.LoadingProgress) {
		if cfg.onProgress == nil || !c.isGen(gen) {
			return
		}
		cfg.onProgress(p)
	})
	start := time.Now()
	sess, err := be.Create(ctx, m, onProgress)
	if err != nil {
		return c.fail(gen, m, created, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.release(id, sess, created)
		log.Info().Msg("load_superseded")
		return c.self, ErrLoadSuperseded
	}
	c.status = StatusReady
	c.current = m
	c.handle = sess
	c.onWorker = created != nil
	c.mu.Unlock()

	c.loads.Add(1)
	loadsTotal.WithLabelValues("ok").Inc()
	loadDuration.Observe(time.Since(start).Seconds())
	log.Info().Dur("took", time.Since(start)).Msg("load_ready")
	c.pub.Publish(Event{Name: "load_ready", ModelID: id, Fields: map[string]any{"duration_ms": time.Since(start).Milliseconds()}})
	return c.self, nil
}

// fail records a load failure unless the load was superseded, terminating
// the worker created for it either way.
func (c *Core) fail(gen uint64, m types.Model, w worker.Worker, cause error) (Engine, error) {
	c.mu.Lock()
	if w != nil && c.workers != nil && c.workers.Current() == w {
		c.workers.Detach()
	}
	superseded := c.gen != gen
	var err error
	if !superseded {
		err = &LoadError{ModelID: m.ID, Err: cause}
		c.status = StatusError
		c.lastErr = err
	}
	c.mu.Unlock()

	c.release(m.ID, nil, w)
	if superseded {
		return c.self, ErrLoadSuperseded
	}
	loadsTotal.WithLabelValues(loadResult(cause)).Inc()
	c.logger.Error().Err(cause).Str("model", m.ID).Msg("load_error")
	c.pub.Publish(Event{Name: "load_error", ModelID: m.ID, Fields: map[string]any{"error": cause.Error()}})
	return c.self, err
}

func (c *Core) isGen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func loadResult(err error) string {
	switch {
	case llm.IsDependencyUnavailable(err):
		return "dependency_unavailable"
	case IsInterrupted(err):
		return "canceled"
	}
	return "error"
}
