// Package chat keeps a conversation with an engine: it appends the user's
// turn, streams the assistant reply into the history and finalizes it on
// finish, error or stop.
package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"pocketd/internal/engine"
	"pocketd/pkg/types"
)

// Callbacks observe one streamed generation. Exactly one of OnFinish,
// OnError and OnStop is called.
type Callbacks struct {
	OnStart  func()
	OnDelta  func(delta, full string)
	OnFinish func(full string, meta types.MessageMeta)
	OnError  func(err error)
	OnStop   func()
}

// Controller stops a generation started by StreamChat.
type Controller struct {
	eng    engine.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop interrupts the engine and cancels the stream. It is safe to call at
// any time and more than once.
func (c *Controller) Stop() {
	c.eng.InterruptGenerate()
	c.cancel()
}

// Done is closed after the terminal callback returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// StreamChat runs a streaming generation on its own goroutine and reports
// it through cb. Interruptions, including ctx cancellation, end in OnStop.
func StreamChat(ctx context.Context, eng engine.Engine, in engine.Input, cb Callbacks, opts ...engine.GenerateOption) *Controller {
	ctx, cancel := context.WithCancel(ctx)
	c := &Controller{eng: eng, cancel: cancel, done: make(chan struct{})}

	var once sync.Once
	terminal := func(f func()) {
		once.Do(func() {
			if f != nil {
				f()
			}
		})
	}
	fail := func(err error) {
		if engine.IsInterrupted(err) || ctx.Err() != nil {
			terminal(cb.OnStop)
			return
		}
		terminal(func() {
			if cb.OnError != nil {
				cb.OnError(err)
			}
		})
	}

	go func() {
		defer close(c.done)
		defer cancel()
		if cb.OnStart != nil {
			cb.OnStart()
		}
		st, err := eng.StreamText(ctx, in, opts...)
		if err != nil {
			fail(err)
			return
		}
		defer st.Close()

		var (
			full strings.Builder
			meta types.MessageMeta
		)
		for {
			chunk, err := st.Recv()
			if errors.Is(err, io.EOF) {
				text := full.String()
				terminal(func() {
					if cb.OnFinish != nil {
						cb.OnFinish(text, meta)
					}
				})
				return
			}
			if err != nil {
				fail(err)
				return
			}
			if fr := chunk.FinishReason(); fr != "" {
				meta.StopReason = fr
			}
			if chunk.Usage != nil {
				u := *chunk.Usage
				meta.Usage = &u
			}
			delta := chunk.Text()
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			if cb.OnDelta != nil {
				cb.OnDelta(delta, full.String())
			}
		}
	}()
	return c
}
