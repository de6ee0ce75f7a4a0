package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"pocketd/internal/llm"
)

// probeConcurrency bounds concurrent cache probes.
const probeConcurrency = 8

// CachingCore is a Core whose runtime keeps a model cache.
type CachingCore struct {
	*Core
	cache llm.CacheProber
}

var _ CachingEngine = (*CachingCore)(nil)

// prober routes cache calls to the worker when the model lives there.
func (c *CachingCore) prober() llm.CacheProber {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onWorker {
		if p, ok := c.handle.(llm.CacheProber); ok {
			return p
		}
	}
	return c.cache
}

// HasModelInCache reports whether model id is fully cached.
func (c *CachingCore) HasModelInCache(ctx context.Context, id string) (bool, error) {
	m, ok := c.models.Lookup(id)
	if !ok {
		return false, ErrModelNotFound(id)
	}
	return c.prober().HasModel(ctx, m)
}

// CachedModels returns the ids of registry models present in the cache, in
// registry order.
func (c *CachingCore) CachedModels(ctx context.Context) ([]string, error) {
	models := c.models.List()
	cached := make([]bool, len(models))
	p := c.prober()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, m := range models {
		i, m := i, m
		g.Go(func() error {
			ok, err := p.HasModel(gctx, m)
			if err != nil {
				return err
			}
			cached[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(models))
	for i, m := range models {
		if cached[i] {
			out = append(out, m.ID)
		}
	}
	return out, nil
}

// ClearModelCache deletes every registry model from the cache.
func (c *CachingCore) ClearModelCache(ctx context.Context) error {
	p := c.prober()
	var (
		mu      sync.Mutex
		removed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, m := range c.models.List() {
		m := m
		g.Go(func() error {
			if err := p.DeleteModel(gctx, m); err != nil {
				return err
			}
			mu.Lock()
			removed = append(removed, m.ID)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	c.logger.Info().Int("models", len(removed)).Err(err).Msg("cache_cleared")
	c.pub.Publish(Event{Name: "cache_cleared", Fields: map[string]any{"models": len(removed)}})
	return err
}

// DeleteModel removes one model from the cache.
func (c *CachingCore) DeleteModel(ctx context.Context, id string) error {
	m, ok := c.models.Lookup(id)
	if !ok {
		return ErrModelNotFound(id)
	}
	return c.prober().DeleteModel(ctx, m)
}
