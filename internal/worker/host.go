package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"pocketd/internal/llm"
	"pocketd/pkg/types"
)

// host is the worker side of the protocol. It owns at most one session.
type host struct {
	rt     llm.Runtime
	codec  *codec
	logger zerolog.Logger

	stop     context.CancelFunc
	panicked error

	mu      sync.Mutex
	sess    llm.Session
	cancels map[uint64]context.CancelFunc
	wg      sync.WaitGroup
}

// Serve answers requests read from conn with rt until conn reaches EOF or ctx
// is canceled. Each request runs on its own goroutine. On return every
// running request has been canceled and the loaded model, if any, unloaded.
func Serve(ctx context.Context, conn io.ReadWriter, rt llm.Runtime, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c, ok := conn.(io.Closer); ok {
		go func() {
			<-ctx.Done()
			_ = c.Close()
		}()
	}

	h := &host{
		rt:      rt,
		codec:   newCodec(conn),
		logger:  logger.With().Str("component", "worker").Logger(),
		cancels: make(map[uint64]context.CancelFunc),
		stop:    cancel,
	}
	err := h.loop(ctx)

	cancel()
	h.wg.Wait()
	h.mu.Lock()
	sess := h.sess
	h.sess = nil
	h.mu.Unlock()
	if sess != nil {
		if uerr := sess.Unload(context.Background()); uerr != nil {
			h.logger.Warn().Err(uerr).Msg("worker_unload_on_exit")
		}
	}
	h.mu.Lock()
	perr := h.panicked
	h.mu.Unlock()
	if perr != nil {
		return perr
	}
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (h *host) loop(ctx context.Context) error {
	for {
		env, err := h.codec.recv()
		if err != nil {
			var me *MessageError
			if errors.As(err, &me) {
				h.logger.Warn().Err(me.Err).Int("len", len(me.Line)).Msg("worker_message_error")
				continue
			}
			return err
		}
		if env.Kind == KindCancel {
			h.cancel(env.ID)
			continue
		}
		rctx, cancel := context.WithCancel(ctx)
		h.mu.Lock()
		h.cancels[env.ID] = cancel
		h.mu.Unlock()
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer h.cancel(env.ID)
			defer h.recoverPanic()
			h.handle(rctx, env)
		}()
	}
}

// recoverPanic turns a panic in a request into a worker failure: Serve stops
// and returns it.
func (h *host) recoverPanic() {
	r := recover()
	if r == nil {
		return
	}
	h.mu.Lock()
	if h.panicked == nil {
		h.panicked = fmt.Errorf("worker panic: %v", r)
	}
	h.mu.Unlock()
	h.stop()
}

func (h *host) cancel(id uint64) {
	h.mu.Lock()
	cancel := h.cancels[id]
	delete(h.cancels, id)
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *host) session() llm.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

func (h *host) send(env Envelope) {
	if err := h.codec.send(env); err != nil {
		h.logger.Debug().Err(err).Uint64("id", env.ID).Str("kind", string(env.Kind)).Msg("worker_send_failed")
	}
}

func (h *host) result(id uint64, v any) {
	env, err := reply(id, KindResult, v)
	if err != nil {
		h.send(errorEnvelope(id, err))
		return
	}
	h.send(env)
}

func (h *host) handle(ctx context.Context, env Envelope) {
	var err error
	switch env.Kind {
	case KindLoad:
		err = h.load(ctx, env)
	case KindChat:
		err = h.chat(ctx, env)
	case KindInterrupt:
		if s := h.session(); s != nil {
			err = s.Interrupt()
		}
		if err == nil {
			h.result(env.ID, nil)
		}
	case KindUnload:
		h.mu.Lock()
		s := h.sess
		h.sess = nil
		h.mu.Unlock()
		if s != nil {
			err = s.Unload(ctx)
		}
		if err == nil {
			h.result(env.ID, nil)
		}
	case KindHasModel, KindDeleteModel:
		err = h.cache(ctx, env)
	default:
		err = errors.New("unknown request kind " + string(env.Kind))
	}
	if err != nil {
		h.send(errorEnvelope(env.ID, err))
	}
}

func (h *host) load(ctx context.Context, env Envelope) error {
	var m types.Model
	if err := json.Unmarshal(env.Body, &m); err != nil {
		return err
	}
	h.mu.Lock()
	old := h.sess
	h.sess = nil
	h.mu.Unlock()
	if old != nil {
		if err := old.Unload(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("worker_unload_previous")
		}
	}
	h.logger.Info().Str("model", m.ID).Msg("worker_load")
	s, err := h.rt.Open(ctx, m, func(p types.InitProgress) {
		if out, err := reply(env.ID, KindProgress, p); err == nil {
			h.send(out)
		}
	})
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.sess = s
	h.mu.Unlock()
	h.result(env.ID, nil)
	return nil
}

func (h *host) chat(ctx context.Context, env Envelope) error {
	var req types.ChatRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return err
	}
	s := h.session()
	if s == nil {
		return ErrNoSession
	}
	if !req.Stream {
		res, err := s.Complete(ctx, req)
		if err != nil {
			return err
		}
		h.result(env.ID, res)
		return nil
	}
	st, err := s.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer st.Close()
	for {
		c, err := st.Recv()
		if errors.Is(err, io.EOF) {
			h.send(Envelope{ID: env.ID, Kind: KindDone})
			return nil
		}
		if err != nil {
			return err
		}
		out, err := reply(env.ID, KindChunk, c)
		if err != nil {
			return err
		}
		h.send(out)
	}
}

func (h *host) cache(ctx context.Context, env Envelope) error {
	cp, ok := h.rt.(llm.CacheProber)
	if !ok {
		return ErrNotSupported
	}
	var body cacheBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return err
	}
	if env.Kind == KindDeleteModel {
		if err := cp.DeleteModel(ctx, body.Model); err != nil {
			return err
		}
		h.result(env.ID, nil)
		return nil
	}
	cached, err := cp.HasModel(ctx, body.Model)
	if err != nil {
		return err
	}
	h.result(env.ID, hasModelResult{Cached: cached})
	return nil
}
