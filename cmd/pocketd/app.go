package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"pocketd/internal/config"
	"pocketd/internal/engine"
	"pocketd/internal/llm"
	"pocketd/internal/llm/llamacpp"
	"pocketd/internal/llm/llamaserver"
	"pocketd/internal/llm/openai"
	"pocketd/internal/logbuf"
	"pocketd/internal/modelcache"
	"pocketd/internal/registry"
	"pocketd/internal/worker"
)

// app bundles what every subcommand builds from the resolved config.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
	logs   *logbuf.Buffer
	reg    *registry.Registry
	cache  *modelcache.Cache
	rt     llm.Runtime
	prober llm.CacheProber
}

// newLogger writes JSON to logs and to w, or a console format when w is a
// terminal.
func newLogger(level string, w *os.File, logs io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	var out io.Writer = w
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	if logs != nil {
		out = zerolog.MultiLevelWriter(out, logs)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// newApp opens the registry, the shard cache and the runtime. Logs go to
// logOut; when keepLogs is set they are also captured for GET /logs.
func newApp(cfg config.Config, logOut *os.File, keepLogs bool) (*app, error) {
	a := &app{cfg: cfg}
	var logs io.Writer
	if keepLogs {
		a.logs = logbuf.New(cfg.LogBufferSize)
		logs = a.logs
	}
	a.logger = newLogger(cfg.LogLevel, logOut, logs)

	reg, err := registry.Load(cfg.ModelsFile, cfg.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	a.reg = reg

	if cfg.Runtime != config.RuntimeOpenAI {
		cache, err := modelcache.Open(cfg.CacheDir, modelcache.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		a.cache = cache
	}
	a.rt, a.prober = buildRuntime(cfg, a.cache, a.logger)
	return a, nil
}

// buildRuntime selects the runtime named by cfg.Runtime. prober is nil for
// runtimes without a local cache.
func buildRuntime(cfg config.Config, cache *modelcache.Cache, logger zerolog.Logger) (rt llm.Runtime, prober llm.CacheProber) {
	switch cfg.Runtime {
	case config.RuntimeOpenAI:
		client := openai.NewClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, openai.WithLogger(logger))
		return openai.NewRuntime(client, logger), nil
	case config.RuntimeLlamaCpp:
		r := llamacpp.New(llamacpp.Config{
			CtxSize:   cfg.Llama.CtxSize,
			Threads:   cfg.Llama.Threads,
			GPULayers: cfg.Llama.GPULayers,
		}, cache, logger)
		return r, r
	default:
		r := llamaserver.New(llamaserver.Config{
			Bin:       cfg.Llama.Bin,
			Host:      cfg.Llama.Host,
			PortStart: cfg.Llama.PortStart,
			PortEnd:   cfg.Llama.PortEnd,
			CtxSize:   cfg.Llama.CtxSize,
			Threads:   cfg.Llama.Threads,
			GPULayers: cfg.Llama.GPULayers,
			ExtraArgs: cfg.Llama.ExtraArgs,
		}, cache, logger)
		return r, r
	}
}

// spawner picks how workers are hosted. Process workers re-run this binary
// with the worker subcommand.
func (a *app) spawner(o *options) worker.Spawner {
	if a.cfg.WorkerMode == config.WorkerGoroutine {
		return worker.InProcessSpawner{Runtime: a.rt, Logger: a.logger}
	}
	return worker.ProcessSpawner{Args: o.workerArgs(), Logger: a.logger}
}

// engine builds the engine; withWorkers enables WithWorker loads.
func (a *app) engine(o *options, withWorkers bool) (engine.Engine, error) {
	wait, err := a.cfg.MaxWaitDuration()
	if err != nil {
		return nil, err
	}
	cfg := engine.Config{
		Models:        a.reg,
		Runtime:       a.rt,
		MaxQueueDepth: a.cfg.MaxQueueDepth,
		MaxWait:       wait,
		Logger:        a.logger,
	}
	if a.prober != nil {
		cfg.Cache = a.prober
	}
	if withWorkers {
		cfg.Spawner = a.spawner(o)
	}
	return engine.New(cfg), nil
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("cache_close_failed")
		}
	}
}
