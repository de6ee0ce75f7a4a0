package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pocketd/internal/llm"
	"pocketd/pkg/types"
)

// Runtime serves every model from one already-running server.
type Runtime struct {
	client *Client
	logger zerolog.Logger
}

// NewRuntime wraps client as an llm.Runtime.
func NewRuntime(client *Client, logger zerolog.Logger) *Runtime {
	return &Runtime{client: client, logger: logger.With().Str("component", "openai").Logger()}
}

// Open checks that the server is reachable; the model id is sent as the
// request's model field.
func (r *Runtime) Open(ctx context.Context, m types.Model, onProgress func(types.InitProgress)) (llm.Session, error) {
	start := time.Now()
	ids, err := r.client.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", r.client.BaseURL(), err)
	}
	known := false
	for _, id := range ids {
		if id == m.ID {
			known = true
			break
		}
	}
	if !known {
		r.logger.Debug().Str("model", m.ID).Strs("server_models", ids).Msg("model_not_listed")
	}
	if onProgress != nil {
		onProgress(types.InitProgress{
			Phase:       types.PhaseStart,
			Progress:    1,
			TimeElapsed: time.Since(start).Seconds(),
			Text:        "Connected to " + r.client.BaseURL(),
		})
	}
	return NewSession(r.client, m.ID, nil), nil
}

// Session sends requests for one model and can interrupt them.
type Session struct {
	client   *Client
	model    string
	inflight llm.Inflight
	onUnload func(context.Context) error
}

// NewSession returns a session for model. onUnload, if set, runs on Unload.
func NewSession(c *Client, model string, onUnload func(context.Context) error) *Session {
	return &Session{client: c, model: model, onUnload: onUnload}
}

func (s *Session) prepare(req types.ChatRequest) types.ChatRequest {
	if req.Model == "" {
		req.Model = s.model
	}
	return req
}

// Complete implements llm.Session.
func (s *Session) Complete(ctx context.Context, req types.ChatRequest) (*types.ChatCompletion, error) {
	ctx, release := s.inflight.Track(ctx)
	defer release()
	out, err := s.client.Complete(ctx, s.prepare(req))
	if err != nil {
		return nil, llm.Cause(ctx, err)
	}
	return out, nil
}

// Stream implements llm.Session.
func (s *Session) Stream(ctx context.Context, req types.ChatRequest) (llm.Stream, error) {
	ctx, release := s.inflight.Track(ctx)
	st, err := s.client.Stream(ctx, s.prepare(req), release)
	if err != nil {
		release()
		return nil, llm.Cause(ctx, err)
	}
	return st, nil
}

// Interrupt cancels every in-flight request of this session.
func (s *Session) Interrupt() error {
	s.inflight.Interrupt()
	return nil
}

// Unload interrupts pending work and runs the unload hook.
func (s *Session) Unload(ctx context.Context) error {
	s.inflight.Interrupt()
	if s.onUnload != nil {
		return s.onUnload(ctx)
	}
	return nil
}
