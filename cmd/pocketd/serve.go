package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pocketd/internal/chat"
	"pocketd/internal/config"
	"pocketd/internal/engine"
	"pocketd/internal/httpapi"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Example: "  pocketd serve --models-dir ~/models/llm\n" +
			"  pocketd serve --runtime openai --openai-url http://127.0.0.1:8000 --default-model qwen2.5",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), o)
		},
	}
}

// configureHTTP applies the request limits, log level and CORS settings of
// cfg to the HTTP layer.
func configureHTTP(cfg config.Config) error {
	timeout, err := cfg.GenerateTimeoutDuration()
	if err != nil {
		return fmt.Errorf("generate_timeout: %w", err)
	}
	httpapi.SetMaxBodyBytes(int64(cfg.MaxBodyBytes))
	httpapi.SetGenerateTimeout(timeout)
	httpapi.SetRequestLogLevel(cfg.RequestLogLevel)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, cfg.CORS.Methods, cfg.CORS.Headers)
	return nil
}

func runServe(ctx context.Context, o *options) error {
	cfg := o.cfg
	a, err := newApp(cfg, os.Stderr, true)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	eng, err := a.engine(o, true)
	if err != nil {
		return err
	}
	defer eng.Dispose()
	session := chat.NewSession(eng, chat.Options{
		SystemPrompt: cfg.SystemPrompt,
		Generation:   cfg.Generation,
		Logger:       logger,
	})

	httpapi.SetLogger(logger)
	httpapi.SetBaseContext(ctx)
	if err := configureHTTP(cfg); err != nil {
		return err
	}

	mux := httpapi.NewMux(httpapi.Deps{
		Engine:    eng,
		Catalog:   a.reg,
		Chat:      session,
		Logs:      a.logs,
		UseWorker: cfg.UseWorker,
		OnLoaded: func(ctx context.Context, id string) {
			refreshCached(ctx, eng, a)
		},
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Str("runtime", cfg.Runtime).Int("models", len(a.reg.List())).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		eng.InterruptGenerate()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("graceful_shutdown_failed")
		}
		return nil
	})
	if cfg.DefaultModel != "" {
		g.Go(func() error {
			if _, err := eng.LoadModel(gctx, cfg.DefaultModel, engine.WithWorker(cfg.UseWorker)); err != nil {
				logger.Error().Err(err).Str("model", cfg.DefaultModel).Msg("default_model_load_failed")
				return nil
			}
			refreshCached(gctx, eng, a)
			return nil
		})
	}
	return g.Wait()
}

// refreshCached logs the cached models after a load changed the cache.
func refreshCached(ctx context.Context, eng engine.Engine, a *app) {
	ce, ok := eng.(engine.CachingEngine)
	if !ok {
		return
	}
	ids, err := ce.CachedModels(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("cached_models_refresh_failed")
		return
	}
	a.logger.Info().Strs("models", ids).Msg("cached_models_refreshed")
}
