package engine

import (
	"context"
	"time"
)

// Defaults applied when the corresponding Config fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
)

// admission serializes generations: a bounded queue in front of a single
// in-flight slot.
type admission struct {
	slot    chan struct{} // size 1: single in-flight generation
	queue   chan struct{} // buffered: queue slots
	maxWait time.Duration
}

func newAdmission(depth int, wait time.Duration) *admission {
	if depth <= 0 {
		depth = defaultMaxQueueDepth
	}
	if wait <= 0 {
		wait = defaultMaxWait
	}
	return &admission{
		slot:    make(chan struct{}, 1),
		queue:   make(chan struct{}, depth),
		maxWait: wait,
	}
}

// acquire reserves a queue slot and then the in-flight slot. The returned
// release func must be called exactly once on success.
func (a *admission) acquire(ctx context.Context, modelID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(a.maxWait)
	defer timer.Stop()
	select {
	case a.queue <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, tooBusyError{modelID: modelID}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-a.queue
		}
	}()
	select {
	case a.slot <- struct{}{}:
		acquired = true
		return func() { <-a.slot; <-a.queue }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, tooBusyError{modelID: modelID}
	}
}

// waiting reports generations queued behind the running one.
func (a *admission) waiting() int {
	n := len(a.queue) - len(a.slot)
	if n < 0 {
		return 0
	}
	return n
}

func (a *admission) inflight() int { return len(a.slot) }

func (a *admission) depth() int { return cap(a.queue) }
