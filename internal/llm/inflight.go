package llm

import (
	"context"
	"errors"
	"sync"
)

// Inflight tracks cancellation of running generations so a session can
// interrupt them all at once.
type Inflight struct {
	mu      sync.Mutex
	next    uint64
	cancels map[uint64]context.CancelCauseFunc
}

// Track derives a cancelable context for one generation. release must be
// called when the generation ends.
func (f *Inflight) Track(ctx context.Context) (context.Context, func()) {
	cctx, cancel := context.WithCancelCause(ctx)
	f.mu.Lock()
	if f.cancels == nil {
		f.cancels = make(map[uint64]context.CancelCauseFunc)
	}
	id := f.next
	f.next++
	f.cancels[id] = cancel
	f.mu.Unlock()
	return cctx, func() {
		f.mu.Lock()
		delete(f.cancels, id)
		f.mu.Unlock()
		cancel(nil)
	}
}

// Interrupt cancels every tracked generation with ErrInterrupted and reports
// how many were running.
func (f *Inflight) Interrupt() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.cancels)
	for id, cancel := range f.cancels {
		cancel(ErrInterrupted)
		delete(f.cancels, id)
	}
	return n
}

// Len reports the number of running generations.
func (f *Inflight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

// Cause maps an error observed under ctx to ErrInterrupted when ctx was
// interrupted, and to ctx's cause when ctx was otherwise canceled.
func Cause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrInterrupted) {
		return ErrInterrupted
	}
	if cause != nil {
		return cause
	}
	return err
}
