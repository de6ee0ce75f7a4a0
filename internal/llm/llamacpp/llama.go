//go:build llama

package llamacpp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"

	"pocketd/internal/llm"
	"pocketd/pkg/types"
)

// Built reports whether real llama.cpp support is compiled in.
const Built = true

// Open fetches the weights and loads them with go-llama.cpp.
func (r *Runtime) Open(ctx context.Context, m types.Model, onProgress func(types.InitProgress)) (llm.Session, error) {
	start := time.Now()
	paths, err := r.cache.Fetch(ctx, m, onProgress)
	if err != nil {
		return nil, err
	}
	ctxSize := r.cfg.CtxSize
	if m.ContextLength > 0 {
		ctxSize = m.ContextLength
	}
	opts := []llama.ModelOption{llama.SetContext(ctxSize)}
	if r.cfg.GPULayers > 0 {
		opts = append(opts, llama.SetGPULayers(r.cfg.GPULayers))
	}
	model, err := llama.New(paths[0], opts...)
	if err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(types.InitProgress{Phase: types.PhaseStart, Progress: 1, TimeElapsed: time.Since(start).Seconds(), Text: "Model loaded in-process"})
	}
	r.logger.Info().Str("model", m.ID).Dur("elapsed", time.Since(start)).Msg("model_loaded")
	return &session{model: model, id: m.ID, threads: r.cfg.Threads}, nil
}

// session serializes predictions: a go-llama.cpp model runs one at a time.
type session struct {
	mu      sync.Mutex
	model   *llama.LLama
	id      string
	threads int

	interrupt atomic.Bool
	inflight  llm.Inflight
}

func (s *session) Complete(ctx context.Context, req types.ChatRequest) (*types.ChatCompletion, error) {
	st, err := s.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.Collect(st)
}

func (s *session) Stream(ctx context.Context, req types.ChatRequest) (llm.Stream, error) {
	ctx, release := s.inflight.Track(ctx)
	pipe := llm.NewPipe(64, release)
	go s.predict(ctx, req, pipe, release)
	return pipe, nil
}

func (s *session) predict(ctx context.Context, req types.ChatRequest, pipe *llm.Pipe, release func()) {
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		pipe.Finish(errors.New("llama model not initialized"))
		return
	}
	s.interrupt.Store(false)
	var completion int
	s.model.SetTokenCallback(func(tok string) bool {
		if s.interrupt.Load() || ctx.Err() != nil {
			return false
		}
		completion++
		return pipe.Send(ctx, llm.Chunk(tok, "")) == nil
	})
	prompt := llm.FormatChatML(req.Messages)
	_, err := s.model.Predict(prompt, predictOptions(req.GenerationParams, s.threads)...)
	if ctx.Err() != nil || s.interrupt.Load() {
		pipe.Finish(llm.ErrInterrupted)
		return
	}
	if err != nil {
		pipe.Finish(err)
		return
	}
	finish := llm.Chunk("", "stop")
	if req.MaxTokens != nil && completion >= *req.MaxTokens {
		finish = llm.Chunk("", "length")
	}
	if req.StreamOptions != nil && req.StreamOptions.IncludeUsage {
		finish.Usage = &types.Usage{CompletionTokens: completion, TotalTokens: completion}
	}
	_ = pipe.Send(ctx, finish)
	pipe.Finish(nil)
}

func (s *session) Interrupt() error {
	s.interrupt.Store(true)
	s.inflight.Interrupt()
	return nil
}

func (s *session) Unload(ctx context.Context) error {
	_ = s.Interrupt()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

// predictOptions converts generation params into go-llama.cpp options.
func predictOptions(p types.GenerationParams, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetThreads(max(1, threads)),
		llama.SetStopWords(append([]string{llm.ChatMLStop}, p.Stop...)...),
	}
	if p.MaxTokens != nil {
		po = append(po, llama.SetTokens(max(1, *p.MaxTokens)))
	}
	if p.TopP != nil {
		po = append(po, llama.SetTopP(float32(*p.TopP)))
	}
	if p.TopK != nil {
		po = append(po, llama.SetTopK(*p.TopK))
	}
	if p.Temperature != nil {
		po = append(po, llama.SetTemperature(float32(*p.Temperature)))
	}
	if p.RepeatPenalty != nil {
		po = append(po, llama.SetPenalty(float32(*p.RepeatPenalty)))
	}
	if p.Seed != nil {
		po = append(po, llama.SetSeed(int(*p.Seed)))
	}
	return po
}
