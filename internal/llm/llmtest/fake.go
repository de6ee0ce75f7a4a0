// Package llmtest provides a scriptable in-memory llm.Runtime for tests.
package llmtest

import (
	"context"
	"sync"

	"pocketd/internal/llm"
	"pocketd/pkg/types"
)

// Script describes how sessions answer generation requests.
type Script struct {
	// Chunks are streamed in order as delta contents.
	Chunks []string
	// FinishReason and Usage are attached to a terminal chunk when set.
	FinishReason string
	Usage        *types.Usage
	// FailWith ends the stream with this error after the chunks.
	FailWith error
	// Hold blocks the stream after HoldAfter chunks until interrupted or canceled.
	Hold      bool
	HoldAfter int
}

// Runtime is a fake llm.Runtime that also implements llm.CacheProber.
type Runtime struct {
	mu       sync.Mutex
	script   Script
	progress []types.InitProgress
	openErr  error
	gate     chan struct{}
	opened   []types.Model
	sessions []*Session
	cached   map[string]bool

	// UnloadErr and InterruptErr are returned by every session created afterwards.
	UnloadErr    error
	InterruptErr error
}

// NewRuntime returns a runtime whose sessions answer with script.
func NewRuntime(script Script) *Runtime {
	return &Runtime{script: script, cached: make(map[string]bool)}
}

// SetScript replaces the script for sessions opened afterwards.
func (r *Runtime) SetScript(s Script) {
	r.mu.Lock()
	r.script = s
	r.mu.Unlock()
}

// SetProgress sets the raw reports emitted by every Open.
func (r *Runtime) SetProgress(ps ...types.InitProgress) {
	r.mu.Lock()
	r.progress = ps
	r.mu.Unlock()
}

// FailOpen makes the next Opens fail with err (nil restores success).
func (r *Runtime) FailOpen(err error) {
	r.mu.Lock()
	r.openErr = err
	r.mu.Unlock()
}

// Gate makes Open block until the returned func is called.
func (r *Runtime) Gate() (release func()) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.gate = ch
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Opened returns the models passed to Open, in call order.
func (r *Runtime) Opened() []types.Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Model(nil), r.opened...)
}

// Sessions returns the sessions created so far.
func (r *Runtime) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.sessions...)
}

// LastSession returns the most recently created session or nil.
func (r *Runtime) LastSession() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

// SetCached marks a model id as cached.
func (r *Runtime) SetCached(id string, cached bool) {
	r.mu.Lock()
	r.cached[id] = cached
	r.mu.Unlock()
}

// Open implements llm.Runtime.
func (r *Runtime) Open(ctx context.Context, m types.Model, onProgress func(types.InitProgress)) (llm.Session, error) {
	r.mu.Lock()
	r.opened = append(r.opened, m)
	progress := append([]types.InitProgress(nil), r.progress...)
	gate := r.gate
	r.mu.Unlock()

	for _, p := range progress {
		if onProgress != nil {
			onProgress(p)
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openErr != nil {
		return nil, r.openErr
	}
	s := &Session{Model: m, script: r.script, unloadErr: r.UnloadErr, interruptErr: r.InterruptErr}
	r.sessions = append(r.sessions, s)
	r.cached[m.ID] = true
	return s, nil
}

// HasModel implements llm.CacheProber.
func (r *Runtime) HasModel(_ context.Context, m types.Model) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached[m.ID], nil
}

// DeleteModel implements llm.CacheProber.
func (r *Runtime) DeleteModel(_ context.Context, m types.Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cached, m.ID)
	return nil
}

// Session is a fake llm.Session.
type Session struct {
	Model types.Model

	mu           sync.Mutex
	script       Script
	requests     []types.ChatRequest
	interrupts   int
	unloads      int
	unloadErr    error
	interruptErr error
	inflight     llm.Inflight
}

// Requests returns the requests received so far.
func (s *Session) Requests() []types.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ChatRequest(nil), s.requests...)
}

// Interrupts reports how many times Interrupt was called.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Unloads reports how many times Unload was called.
func (s *Session) Unloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unloads
}

// Complete implements llm.Session.
func (s *Session) Complete(ctx context.Context, req types.ChatRequest) (*types.ChatCompletion, error) {
	st, err := s.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.Collect(st)
}

// Stream implements llm.Session.
func (s *Session) Stream(ctx context.Context, req types.ChatRequest) (llm.Stream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	script := s.script
	s.mu.Unlock()

	ctx, release := s.inflight.Track(ctx)
	pipe := llm.NewPipe(len(script.Chunks)+1, release)
	go func() {
		defer release()
		hold := func() {
			<-ctx.Done()
			pipe.Finish(llm.Cause(ctx, ctx.Err()))
		}
		for i, c := range script.Chunks {
			if script.Hold && i == script.HoldAfter {
				hold()
				return
			}
			if err := pipe.Send(ctx, llm.Chunk(c, "")); err != nil {
				pipe.Finish(llm.Cause(ctx, err))
				return
			}
		}
		if script.Hold && script.HoldAfter >= len(script.Chunks) {
			hold()
			return
		}
		if script.FailWith != nil {
			pipe.Finish(script.FailWith)
			return
		}
		if script.FinishReason != "" || script.Usage != nil {
			last := llm.Chunk("", script.FinishReason)
			last.Usage = script.Usage
			if err := pipe.Send(ctx, last); err != nil {
				pipe.Finish(llm.Cause(ctx, err))
				return
			}
		}
		pipe.Finish(nil)
	}()
	return pipe, nil
}

// Interrupt implements llm.Session.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	s.interrupts++
	err := s.interruptErr
	s.mu.Unlock()
	s.inflight.Interrupt()
	return err
}

// Unload implements llm.Session.
func (s *Session) Unload(context.Context) error {
	s.mu.Lock()
	s.unloads++
	err := s.unloadErr
	s.mu.Unlock()
	s.inflight.Interrupt()
	return err
}
