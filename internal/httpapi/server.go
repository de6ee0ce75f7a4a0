// Package httpapi exposes the engine, the chat session, the model cache and
// captured logs over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pocketd/internal/chat"
	"pocketd/internal/engine"
	"pocketd/internal/logbuf"
	"pocketd/pkg/types"
)

// Catalog lists and resolves models.
type Catalog interface {
	Lookup(id string) (types.Model, bool)
	List() []types.Model
	Groups() []types.ModelGroup
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Engine  engine.Engine
	Catalog Catalog
	Chat    *chat.Session
	// Logs is optional; without it /logs reports an empty list.
	Logs *logbuf.Buffer
	// UseWorker is the default for POST /load requests without use_worker.
	UseWorker bool
	// OnLoaded, if set, runs after every successful load.
	OnLoaded func(ctx context.Context, modelID string)
}

type server struct {
	Deps
}

// NewMux builds the router.
func NewMux(d Deps) http.Handler {
	s := &server{Deps: d}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5, "application/json"))
		r.Get("/models", s.handleModels)
		r.Get("/models/groups", s.handleModelGroups)
		r.Get("/status", s.handleStatus)
		r.Get("/chat/messages", s.handleChatMessages)
		r.Get("/logs", s.handleLogs)
	})

	r.Post("/load", s.handleLoad)
	r.Post("/unload", s.handleUnload)
	r.Post("/generate", s.handleGenerate)

	r.Post("/chat/send", s.handleChatSend)
	r.Post("/chat/stop", s.handleChatStop)
	r.Post("/chat/regenerate", s.handleChatRegenerate)
	r.Post("/chat/clear", s.handleChatClear)
	r.Get("/chat/ws", s.handleChatWS)

	r.Get("/cache", s.handleCacheList)
	r.Delete("/cache", s.handleCacheClear)
	r.Get("/cache/{id}", s.handleCacheEntry)
	r.Delete("/cache/{id}", s.handleCacheDelete)

	r.Delete("/logs", s.handleLogsClear)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.Engine.IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(s.Engine.Status()))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}
