// Package backend selects where a model session lives: in the current
// process or inside a worker.
package backend

import (
	"context"
	"time"

	"pocketd/internal/llm"
	"pocketd/internal/worker"
	"pocketd/pkg/types"
)

// Backend creates sessions for a model.
type Backend interface {
	Create(ctx context.Context, m types.Model, onProgress func(types.InitProgress)) (llm.Session, error)
}

// InProcess opens sessions directly on rt.
func InProcess(rt llm.Runtime) Backend { return inProcess{rt: rt} }

type inProcess struct{ rt llm.Runtime }

func (b inProcess) Create(ctx context.Context, m types.Model, onProgress func(types.InitProgress)) (llm.Session, error) {
	return b.rt.Open(ctx, m, onProgress)
}

// Worker opens sessions inside w. The returned session forwards every call
// over the worker protocol.
func Worker(w worker.Worker) Backend { return workerBackend{w: w} }

type workerBackend struct{ w worker.Worker }

func (b workerBackend) Create(ctx context.Context, m types.Model, onProgress func(types.InitProgress)) (llm.Session, error) {
	c := b.w.Client()
	if err := c.Load(ctx, m, onProgress); err != nil {
		return nil, err
	}
	return &proxySession{c: c, interruptTimeout: InterruptTimeout}, nil
}

// InterruptTimeout bounds how long Interrupt waits for a worker to
// acknowledge.
const InterruptTimeout = 2 * time.Second

// proxySession is an llm.Session backed by a worker client.
type proxySession struct {
	c                *worker.Client
	interruptTimeout time.Duration
}

func (s *proxySession) Complete(ctx context.Context, req types.ChatRequest) (*types.ChatCompletion, error) {
	return s.c.Complete(ctx, req)
}

func (s *proxySession) Stream(ctx context.Context, req types.ChatRequest) (llm.Stream, error) {
	return s.c.Stream(ctx, req)
}

func (s *proxySession) Interrupt() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.interruptTimeout)
	defer cancel()
	return s.c.Interrupt(ctx)
}

func (s *proxySession) Unload(ctx context.Context) error {
	return s.c.Unload(ctx)
}

// HasModel and DeleteModel let the engine probe the worker's cache.
func (s *proxySession) HasModel(ctx context.Context, m types.Model) (bool, error) {
	return s.c.HasModel(ctx, m)
}

func (s *proxySession) DeleteModel(ctx context.Context, m types.Model) error {
	return s.c.DeleteModel(ctx, m)
}
