package worker

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"pocketd/internal/llm"
)

// InProcessSpawner runs Serve on a goroutine connected through net.Pipe.
// It is the fallback when spawning a process is not possible and the mode
// used by tests.
type InProcessSpawner struct {
	Runtime llm.Runtime
	Logger  zerolog.Logger
}

type inProcessWorker struct {
	*base
	cancel context.CancelFunc
	guest  net.Conn
	hostc  net.Conn
}

// Spawn implements Spawner.
func (s InProcessSpawner) Spawn(context.Context) (Worker, error) {
	guest, hostc := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	w := &inProcessWorker{base: newBase(), cancel: cancel, guest: guest, hostc: hostc}
	w.client = NewClient(guest, func(err error) { w.report(w.msgErrs, err) })

	go func() {
		defer w.finish()
		defer func() {
			if r := recover(); r != nil {
				w.report(w.errs, fmt.Errorf("worker panic: %v", r))
				_ = guest.Close()
			}
		}()
		if err := Serve(ctx, hostc, s.Runtime, s.Logger); err != nil {
			w.report(w.errs, fmt.Errorf("worker exited: %w", err))
		}
		_ = guest.Close()
	}()
	return w, nil
}

// Terminate implements Worker.
func (w *inProcessWorker) Terminate() error {
	err := w.terminate(func() error {
		w.cancel()
		_ = w.guest.Close()
		return nil
	})
	<-w.done
	return err
}
