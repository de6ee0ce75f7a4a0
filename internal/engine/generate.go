package engine

import (
	"context"
	"errors"
	"io"
	"sync"

	"pocketd/internal/llm"
	"pocketd/pkg/types"
)

// snapshot returns the installed handle and model, or ErrEngineNotReady.
func (c *Core) snapshot() (llm.Session, types.Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusReady || c.handle == nil {
		return nil, types.Model{}, ErrEngineNotReady
	}
	return c.handle, c.current, nil
}

// admit waits for the in-flight slot.
func (c *Core) admit(ctx context.Context, modelID, mode string) (func(), error) {
	queueWaiting.Inc()
	release, err := c.adm.acquire(ctx, modelID)
	queueWaiting.Dec()
	if err != nil {
		generationsTotal.WithLabelValues(mode, generationResult(err)).Inc()
		if IsTooBusy(err) {
			c.logger.Warn().Str("model", modelID).Msg("generation_rejected_busy")
		}
		return nil, err
	}
	c.generations.Add(1)
	return release, nil
}

// StreamText implements Engine. The admission slot is held until the stream
// ends or is closed.
func (c *Core) StreamText(ctx context.Context, in Input, opts ...GenerateOption) (llm.Stream, error) {
	h, m, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	req, err := buildRequest(m, in, true, opts)
	if err != nil {
		return nil, err
	}
	release, err := c.admit(ctx, m.ID, "stream")
	if err != nil {
		return nil, err
	}
	st, err := h.Stream(ctx, req)
	if err != nil {
		release()
		c.generationDone(m.ID, "stream", err)
		return nil, err
	}
	return &admittedStream{inner: st, release: release, onEnd: func(err error) { c.generationDone(m.ID, "stream", err) }}, nil
}

// GenerateText implements Engine.
func (c *Core) GenerateText(ctx context.Context, in Input, opts ...GenerateOption) (*types.ChatCompletion, error) {
	h, m, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	req, err := buildRequest(m, in, false, opts)
	if err != nil {
		return nil, err
	}
	release, err := c.admit(ctx, m.ID, "buffered")
	if err != nil {
		return nil, err
	}
	defer release()
	res, err := h.Complete(ctx, req)
	c.generationDone(m.ID, "buffered", err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// generationDone counts the outcome and records failures that were not
// interruptions as the engine's last error.
func (c *Core) generationDone(modelID, mode string, err error) {
	generationsTotal.WithLabelValues(mode, generationResult(err)).Inc()
	if err == nil || IsInterrupted(err) {
		return
	}
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Error().Err(err).Str("model", modelID).Str("mode", mode).Msg("generation_error")
}

// admittedStream releases the admission slot once the stream ends.
type admittedStream struct {
	inner   llm.Stream
	release func()
	onEnd   func(error)
	once    sync.Once
}

func (s *admittedStream) finish(err error) {
	s.once.Do(func() {
		s.release()
		s.onEnd(err)
	})
}

func (s *admittedStream) Recv() (types.ChatChunk, error) {
	c, err := s.inner.Recv()
	if errors.Is(err, io.EOF) {
		s.finish(nil)
	} else if err != nil {
		s.finish(err)
	}
	return c, err
}

func (s *admittedStream) Close() error {
	err := s.inner.Close()
	s.finish(llm.ErrStreamClosed)
	return err
}
