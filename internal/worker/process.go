package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"pocketd/internal/common/proc"
)

// ProcessSpawner starts a worker as a child process speaking the protocol on
// its stdin and stdout. Stderr lines are forwarded to Logger.
type ProcessSpawner struct {
	// Path defaults to the running executable.
	Path string
	// Args are passed to the child, typically the worker subcommand.
	Args []string
	// Env is appended to the current environment.
	Env    []string
	Grace  time.Duration
	Logger zerolog.Logger
}

type processWorker struct {
	*base
	p     *proc.Process
	stdin io.Closer
	grace time.Duration
}

type stdio struct {
	io.Reader
	io.Writer
}

// Spawn implements Spawner.
func (s ProcessSpawner) Spawn(ctx context.Context) (Worker, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		path = exe
	}
	cmd := exec.Command(path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := proc.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	grace := s.Grace
	if grace <= 0 {
		grace = proc.DefaultGrace
	}
	w := &processWorker{base: newBase(), p: p, stdin: stdin, grace: grace}
	logger := s.Logger.With().Str("worker", w.id).Int("pid", p.PID()).Logger()
	w.client = NewClient(stdio{Reader: stdout, Writer: stdin}, func(err error) { w.report(w.msgErrs, err) })

	go forwardStderr(stderr, logger)
	go func() {
		<-p.Exited()
		if err := p.ExitErr(); err != nil {
			w.report(w.errs, fmt.Errorf("worker exited: %w", err))
		} else if !w.isStopping() {
			w.report(w.errs, errors.New("worker exited unexpectedly"))
		}
		w.finish()
	}()
	logger.Debug().Str("path", path).Msg("worker_started")
	return w, nil
}

// Terminate closes the worker's stdin so it can unload cleanly, then stops
// the process if it does not exit within the grace period.
func (w *processWorker) Terminate() error {
	return w.terminate(func() error {
		_ = w.stdin.Close()
		select {
		case <-w.done:
			return nil
		case <-time.After(w.grace):
		}
		w.p.Stop(w.grace)
		<-w.done
		return nil
	})
}

func forwardStderr(r io.Reader, logger zerolog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		logger.Debug().Str("line", sc.Text()).Msg("worker_stderr")
	}
}
