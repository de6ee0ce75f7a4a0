package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pocketd/internal/engine"
	"pocketd/pkg/types"
)

var errCacheUnsupported = errors.New("the configured runtime has no model cache")

func (s *server) caching() (engine.CachingEngine, bool) {
	ce, ok := s.Engine.(engine.CachingEngine)
	return ce, ok
}

// handleCacheList reports which registry models are cached.
//
// @Summary  List cached models
// @Produce  json
// @Success  200  {object}  types.CacheResponse
// @Router   /cache [get]
func (s *server) handleCacheList(w http.ResponseWriter, r *http.Request) {
	ce, ok := s.caching()
	if !ok {
		writeJSON(w, http.StatusOK, types.CacheResponse{Supported: false, Models: []string{}})
		return
	}
	ids, err := ce.CachedModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CacheResponse{Supported: true, Models: ids})
}

func (s *server) handleCacheEntry(w http.ResponseWriter, r *http.Request) {
	ce, ok := s.caching()
	if !ok {
		writeJSONError(w, http.StatusNotImplemented, errCacheUnsupported.Error())
		return
	}
	id := chi.URLParam(r, "id")
	cached, err := ce.HasModelInCache(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CacheEntryResponse{Model: id, Cached: cached})
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	ce, ok := s.caching()
	if !ok {
		writeJSONError(w, http.StatusNotImplemented, errCacheUnsupported.Error())
		return
	}
	if err := ce.ClearModelCache(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CacheResponse{Supported: true, Models: []string{}})
}

func (s *server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	d, ok := s.Engine.(interface {
		DeleteModel(ctx context.Context, id string) error
	})
	if !ok {
		writeJSONError(w, http.StatusNotImplemented, errCacheUnsupported.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := d.DeleteModel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CacheEntryResponse{Model: id, Cached: false})
}

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := []types.LogEntry{}
	if s.Logs != nil {
		entries = s.Logs.Entries()
	}
	writeJSON(w, http.StatusOK, types.LogsResponse{Entries: entries})
}

func (s *server) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	if s.Logs != nil {
		s.Logs.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}
