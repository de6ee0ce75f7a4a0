package llm

import (
	"context"
	"io"
	"sync"

	"pocketd/pkg/types"
)

// Pipe is a Stream fed by a producer goroutine.
type Pipe struct {
	ch       chan types.ChatChunk
	done     chan struct{}
	finished chan struct{}
	onClose  func()

	mu         sync.Mutex
	err        error
	closeOnce  sync.Once
	finishOnce sync.Once
}

// NewPipe returns a pipe buffering up to buf chunks. onClose, if set, runs
// once when the consumer closes the stream.
func NewPipe(buf int, onClose func()) *Pipe {
	return &Pipe{
		ch:       make(chan types.ChatChunk, buf),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		onClose:  onClose,
	}
}

// Send delivers c to the consumer. It fails with ErrStreamClosed once the
// consumer has closed the stream, or with ctx's error.
func (p *Pipe) Send(ctx context.Context, c types.ChatChunk) error {
	select {
	case <-p.done:
		return ErrStreamClosed
	default:
	}
	select {
	case p.ch <- c:
		return nil
	case <-p.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish ends the stream. A nil err ends it with io.EOF. Only the first call counts.
func (p *Pipe) Finish(err error) {
	p.finishOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.finished)
	})
}

// Recv implements Stream.
func (p *Pipe) Recv() (types.ChatChunk, error) {
	select {
	case c := <-p.ch:
		return c, nil
	case <-p.done:
		return types.ChatChunk{}, ErrStreamClosed
	case <-p.finished:
		select {
		case c := <-p.ch:
			return c, nil
		default:
		}
		p.mu.Lock()
		err := p.err
		p.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return types.ChatChunk{}, err
	}
}

// Close implements Stream.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.onClose != nil {
			p.onClose()
		}
	})
	return nil
}

// Done is closed when the consumer closes the stream.
func (p *Pipe) Done() <-chan struct{} { return p.done }
