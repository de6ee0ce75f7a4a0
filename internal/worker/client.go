package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"pocketd/internal/llm"
	"pocketd/pkg/types"
)

// ErrWorkerTerminated fails every call pending on a worker that went away.
var ErrWorkerTerminated = errors.New("worker terminated")

// handler consumes replies for one request and reports whether the request is finished.
type handler func(Envelope) bool

// Client is the engine side of the protocol.
type Client struct {
	codec *codec
	onMsg func(error)

	mu      sync.Mutex
	next    uint64
	pending map[uint64]handler
	closed  bool
	err     error
	done    chan struct{}
}

// NewClient starts reading replies from conn. onMessageError, if set,
// receives lines that could not be decoded.
func NewClient(conn io.ReadWriter, onMessageError func(error)) *Client {
	c := &Client{
		codec:   newCodec(conn),
		onMsg:   onMessageError,
		pending: make(map[uint64]handler),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		env, err := c.codec.recv()
		if err != nil {
			var me *MessageError
			if errors.As(err, &me) {
				if c.onMsg != nil {
					c.onMsg(me)
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.shutdown(err)
			return
		}
		c.mu.Lock()
		h := c.pending[env.ID]
		c.mu.Unlock()
		if h == nil {
			continue
		}
		if h(env) {
			c.mu.Lock()
			delete(c.pending, env.ID)
			c.mu.Unlock()
		}
	}
}

// Close fails every pending call with ErrWorkerTerminated. It does not close
// the underlying connection.
func (c *Client) Close() { c.shutdown(nil) }

// Done is closed once the client stopped accepting calls.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = ErrWorkerTerminated
	if cause != nil {
		c.err = fmt.Errorf("%w: %v", ErrWorkerTerminated, cause)
	}
	pending := c.pending
	c.pending = make(map[uint64]handler)
	err := c.err
	c.mu.Unlock()
	close(c.done)
	for id, h := range pending {
		h(Envelope{ID: id, Kind: KindError, Error: err.Error(), Code: codeTerminated})
	}
}

// start registers h and sends the request.
func (c *Client) start(kind Kind, body any, h handler) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return 0, err
	}
	c.next++
	id := c.next
	c.pending[id] = h
	c.mu.Unlock()

	env, err := reply(id, kind, body)
	if err == nil {
		err = c.codec.send(env)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// decode maps an error reply to a typed error.
func (c *Client) decode(env Envelope) error {
	if env.Code == codeTerminated {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	}
	return decodeError(env)
}

func (c *Client) cancel(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		_ = c.codec.send(Envelope{ID: id, Kind: KindCancel})
	}
}

// call sends a request and waits for its terminal reply. onEvent sees
// every non-terminal reply.
func (c *Client) call(ctx context.Context, kind Kind, body any, onEvent func(Envelope)) (Envelope, error) {
	final := make(chan Envelope, 1)
	id, err := c.start(kind, body, func(env Envelope) bool {
		switch env.Kind {
		case KindResult, KindDone, KindError:
			final <- env
			return true
		}
		if onEvent != nil {
			onEvent(env)
		}
		return false
	})
	if err != nil {
		return Envelope{}, err
	}
	select {
	case env := <-final:
		if env.Kind == KindError {
			return env, c.decode(env)
		}
		return env, nil
	case <-ctx.Done():
		c.cancel(id)
		return Envelope{}, ctx.Err()
	}
}

// Load opens m in the worker, forwarding raw progress reports to onProgress.
func (c *Client) Load(ctx context.Context, m types.Model, onProgress func(types.InitProgress)) error {
	_, err := c.call(ctx, KindLoad, m, func(env Envelope) {
		if env.Kind != KindProgress || onProgress == nil {
			return
		}
		var p types.InitProgress
		if json.Unmarshal(env.Body, &p) == nil {
			onProgress(p)
		}
	})
	return err
}

// Complete runs a buffered generation in the worker.
func (c *Client) Complete(ctx context.Context, req types.ChatRequest) (*types.ChatCompletion, error) {
	req.Stream = false
	env, err := c.call(ctx, KindChat, req, nil)
	if err != nil {
		return nil, err
	}
	var out types.ChatCompletion
	if err := json.Unmarshal(env.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stream starts a streaming generation in the worker. Closing the stream
// early cancels the request on the worker side.
func (c *Client) Stream(ctx context.Context, req types.ChatRequest) (llm.Stream, error) {
	req.Stream = true
	var (
		once sync.Once
		id   uint64
		fin  = make(chan struct{})
	)
	var pipe *llm.Pipe
	finish := func(err error) {
		once.Do(func() {
			pipe.Finish(err)
			close(fin)
		})
	}
	pipe = llm.NewPipe(64, func() {
		select {
		case <-fin:
		default:
			c.cancel(id)
			finish(llm.ErrStreamClosed)
		}
	})
	var terr error
	id, terr = c.start(KindChat, req, func(env Envelope) bool {
		switch env.Kind {
		case KindChunk:
			var ch types.ChatChunk
			if err := json.Unmarshal(env.Body, &ch); err != nil {
				finish(err)
				return true
			}
			if err := pipe.Send(ctx, ch); err != nil {
				finish(llm.Cause(ctx, err))
				return true
			}
			return false
		case KindDone:
			finish(nil)
			return true
		case KindError:
			finish(c.decode(env))
			return true
		}
		return false
	})
	if terr != nil {
		return nil, terr
	}
	go func() {
		select {
		case <-fin:
		case <-ctx.Done():
			c.cancel(id)
			finish(llm.Cause(ctx, ctx.Err()))
		}
	}()
	return pipe, nil
}

// Interrupt stops in-flight generations in the worker.
func (c *Client) Interrupt(ctx context.Context) error {
	_, err := c.call(ctx, KindInterrupt, nil, nil)
	return err
}

// Unload releases the worker's model.
func (c *Client) Unload(ctx context.Context) error {
	_, err := c.call(ctx, KindUnload, nil, nil)
	return err
}

// HasModel asks the worker's runtime whether m is cached.
func (c *Client) HasModel(ctx context.Context, m types.Model) (bool, error) {
	env, err := c.call(ctx, KindHasModel, cacheBody{Model: m}, nil)
	if err != nil {
		return false, err
	}
	var res hasModelResult
	if err := json.Unmarshal(env.Body, &res); err != nil {
		return false, err
	}
	return res.Cached, nil
}

// DeleteModel asks the worker's runtime to drop m from its cache.
func (c *Client) DeleteModel(ctx context.Context, m types.Model) error {
	_, err := c.call(ctx, KindDeleteModel, cacheBody{Model: m}, nil)
	return err
}
