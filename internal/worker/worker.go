// Package worker hosts an llm.Runtime behind a message channel so a model can
// live in a separate process (or goroutine) from the engine. The engine talks
// to it with a Client; the worker answers with Serve.
package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Worker is a running worker.
type Worker interface {
	ID() string
	// Client talks to the worker.
	Client() *Client
	// Errors reports worker failures such as a crash or panic.
	Errors() <-chan error
	// MessageErrors reports replies that could not be decoded.
	MessageErrors() <-chan error
	// Terminate stops the worker. It is safe to call more than once.
	Terminate() error
	// Done is closed once the worker has stopped.
	Done() <-chan struct{}
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context) (Worker, error)
}

// base carries the bookkeeping shared by worker implementations.
type base struct {
	id      string
	client  *Client
	errs    chan error
	msgErrs chan error
	done    chan struct{}

	stopOnce sync.Once
	stopErr  error
	mu       sync.Mutex
	stopping bool
	doneOnce sync.Once
}

func newBase() *base {
	return &base{
		id:      uuid.NewString(),
		errs:    make(chan error, 8),
		msgErrs: make(chan error, 8),
		done:    make(chan struct{}),
	}
}

func (b *base) ID() string                  { return b.id }
func (b *base) Client() *Client             { return b.client }
func (b *base) Errors() <-chan error        { return b.errs }
func (b *base) MessageErrors() <-chan error { return b.msgErrs }
func (b *base) Done() <-chan struct{}       { return b.done }

// report delivers err unless the worker is being terminated. Reports are
// dropped when nobody is draining the channel.
func (b *base) report(ch chan error, err error) {
	if err == nil || b.isStopping() {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (b *base) isStopping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopping
}

// terminate runs stop once and marks the worker as stopping first so exit
// errors it causes are not reported.
func (b *base) terminate(stop func() error) error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopping = true
		b.mu.Unlock()
		b.stopErr = stop()
	})
	return b.stopErr
}

func (b *base) finish() {
	b.doneOnce.Do(func() {
		if b.client != nil {
			b.client.Close()
		}
		close(b.done)
	})
}
