package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Lifecycle owns at most one worker at a time.
type Lifecycle struct {
	spawner Spawner
	logger  zerolog.Logger

	mu      sync.Mutex
	current Worker
}

// NewLifecycle returns a lifecycle spawning workers with sp.
func NewLifecycle(sp Spawner, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{spawner: sp, logger: logger.With().Str("component", "worker_lifecycle").Logger()}
}

// Spawn terminates the current worker, if any, then starts and installs a
// new one whose errors are logged until it stops.
func (l *Lifecycle) Spawn(ctx context.Context) (Worker, error) {
	l.Terminate()
	w, err := l.Start(ctx)
	if err != nil {
		return nil, err
	}
	if prev := l.Install(w); prev != nil {
		l.Stop(prev)
	}
	return w, nil
}

// Start spawns a worker and logs its errors until it stops. The worker is
// not installed; pass it to Install or Stop.
func (l *Lifecycle) Start(ctx context.Context) (Worker, error) {
	w, err := l.spawner.Spawn(ctx)
	if err != nil {
		return nil, err
	}
	go l.observe(w)
	l.logger.Info().Str("worker", w.ID()).Msg("worker_spawned")
	return w, nil
}

// Install makes w current and returns the worker it replaced, still running.
func (l *Lifecycle) Install(w Worker) Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.current
	l.current = w
	return prev
}

// Current returns the installed worker or nil.
func (l *Lifecycle) Current() Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Detach uninstalls and returns the current worker without stopping it.
func (l *Lifecycle) Detach() Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.current
	l.current = nil
	return w
}

// Terminate stops and uninstalls the current worker. Without a worker it does nothing.
func (l *Lifecycle) Terminate() {
	if w := l.Detach(); w != nil {
		l.Stop(w)
	}
}

// Stop terminates w, logging a failure instead of returning it.
func (l *Lifecycle) Stop(w Worker) {
	if err := w.Terminate(); err != nil {
		l.logger.Warn().Err(err).Str("worker", w.ID()).Msg("worker_terminate_failed")
		return
	}
	l.logger.Info().Str("worker", w.ID()).Msg("worker_terminated")
}

func (l *Lifecycle) observe(w Worker) {
	log := l.logger.With().Str("worker", w.ID()).Logger()
	for {
		select {
		case err := <-w.Errors():
			log.Error().Err(err).Msg("worker_error")
		case err := <-w.MessageErrors():
			log.Warn().Err(err).Msg("worker_message_error")
		case <-w.Done():
			for {
				select {
				case err := <-w.Errors():
					log.Error().Err(err).Msg("worker_error")
				case err := <-w.MessageErrors():
					log.Warn().Err(err).Msg("worker_message_error")
				default:
					return
				}
			}
		}
	}
}
