// Package llamaserver runs one llama.cpp server process per loaded model.
// Weights are resolved through the shard cache, the process is supervised
// with a readiness probe, and requests go through the OpenAI-compatible API.
package llamaserver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pocketd/internal/common/proc"
	"pocketd/internal/llm"
	"pocketd/internal/llm/openai"
	"pocketd/internal/modelcache"
	"pocketd/pkg/types"
)

// Config controls how llama-server is launched.
type Config struct {
	Bin          string
	Host         string
	PortStart    int
	PortEnd      int
	CtxSize      int
	Threads      int
	GPULayers    int
	ExtraArgs    []string
	ReadyTimeout time.Duration
	StopGrace    time.Duration
}

// Runtime spawns llama-server processes. It implements llm.Runtime and llm.CacheProber.
type Runtime struct {
	cfg    Config
	cache  *modelcache.Cache
	logger zerolog.Logger
}

// New returns a runtime using cache for weights.
func New(cfg Config, cache *modelcache.Cache, logger zerolog.Logger) *Runtime {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = proc.DefaultGrace
	}
	return &Runtime{cfg: cfg, cache: cache, logger: logger.With().Str("component", "llamaserver").Logger()}
}

// HasModel implements llm.CacheProber.
func (r *Runtime) HasModel(ctx context.Context, m types.Model) (bool, error) {
	return r.cache.HasModel(ctx, m)
}

// DeleteModel implements llm.CacheProber.
func (r *Runtime) DeleteModel(ctx context.Context, m types.Model) error {
	return r.cache.DeleteModel(ctx, m)
}

// Open fetches the weights, starts llama-server and waits until it answers.
func (r *Runtime) Open(ctx context.Context, m types.Model, onProgress func(types.InitProgress)) (llm.Session, error) {
	bin, err := r.binary()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	report := func(p types.InitProgress) {
		if onProgress != nil {
			onProgress(p)
		}
	}
	paths, err := r.cache.Fetch(ctx, m, report)
	if err != nil {
		return nil, err
	}
	port, err := proc.PickPort(r.cfg.Host, r.cfg.PortStart, r.cfg.PortEnd)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(bin, r.args(m, paths[0], port)...)
	cmd.Dir = filepath.Dir(paths[0])
	tail := proc.NewTail(proc.DefaultTail)
	cmd.Stderr = tail
	p, err := proc.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	log := r.logger.With().Str("model", m.ID).Int("pid", p.PID()).Int("port", port).Logger()
	log.Info().Msg("spawn_start")
	report(types.InitProgress{
		Phase: types.PhaseStart, TimeElapsed: time.Since(start).Seconds(),
		Text: fmt.Sprintf("Starting llama-server (pid %d)", p.PID()),
	})

	client := openai.NewClient(fmt.Sprintf("http://%s:%d", r.cfg.Host, port), "", openai.WithLogger(r.logger))
	if err := r.waitReady(ctx, p, client, tail); err != nil {
		p.Stop(r.cfg.StopGrace)
		log.Warn().Err(err).Msg("spawn_failed")
		return nil, err
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("spawn_ready")
	report(types.InitProgress{
		Phase: types.PhaseStart, Progress: 1, TimeElapsed: time.Since(start).Seconds(),
		Text: "llama-server ready",
	})
	return openai.NewSession(client, m.ID, func(context.Context) error {
		p.Stop(r.cfg.StopGrace)
		log.Info().Msg("spawn_stop")
		return nil
	}), nil
}

func (r *Runtime) args(m types.Model, modelPath string, port int) []string {
	args := []string{
		"-m", modelPath,
		"--host", r.cfg.Host,
		"--port", strconv.Itoa(port),
	}
	ctxSize := r.cfg.CtxSize
	if m.ContextLength > 0 {
		ctxSize = m.ContextLength
	}
	if ctxSize > 0 {
		args = append(args, "-c", strconv.Itoa(ctxSize))
	}
	if r.cfg.GPULayers > 0 {
		args = append(args, "-ngl", strconv.Itoa(r.cfg.GPULayers))
	}
	if r.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(r.cfg.Threads))
	}
	return append(args, r.cfg.ExtraArgs...)
}

// waitReady polls the server until it answers, the process exits, or the
// deadline passes. Early exits include the stderr tail.
func (r *Runtime) waitReady(ctx context.Context, p *proc.Process, c *openai.Client, tail *proc.Tail) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReadyTimeout)
	defer cancel()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-p.Exited():
			return fmt.Errorf("llama-server exited before ready: %v; stderr tail: %s", p.ExitErr(), strings.TrimSpace(tail.String()))
		default:
		}
		if c.Healthy(ctx, time.Second) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("llama-server not ready at %s: %w", c.BaseURL(), ctx.Err())
		case <-p.Exited():
		case <-tick.C:
		}
	}
}

func (r *Runtime) binary() (string, error) {
	bin := strings.TrimSpace(r.cfg.Bin)
	if bin == "" {
		bin = discoverLlamaBin()
	}
	if bin == "" {
		return "", llm.ErrDependencyUnavailable("llama-server not found: set llama.bin or install llama.cpp")
	}
	if fi, err := os.Stat(bin); err != nil || fi.IsDir() {
		return "", llm.ErrDependencyUnavailable(fmt.Sprintf("llama-server not found or not a file: %s", bin))
	}
	return bin, nil
}

// discoverLlamaBin looks for a llama-server binary in common locations and PATH.
func discoverLlamaBin() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, "apps", "llama.cpp", "build", "bin", "llama-server"),
		filepath.Join(home, "llama.cpp", "build", "bin", "llama-server"),
		"/usr/local/bin/llama-server",
		"/opt/homebrew/bin/llama-server",
	}
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	if lp, err := exec.LookPath("llama-server"); err == nil {
		return lp
	}
	return ""
}
