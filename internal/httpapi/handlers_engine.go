package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"pocketd/internal/engine"
	"pocketd/pkg/types"
)

// decodeJSON enforces the JSON content type and body limit.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// handleModels lists the registry.
//
// @Summary  List models
// @Produce  json
// @Success  200  {object}  types.ModelsResponse
// @Router   /models [get]
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: s.Catalog.List()})
}

func (s *server) handleModelGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelGroupsResponse{Groups: s.Catalog.Groups()})
}

// handleStatus reports the engine state.
//
// @Summary  Engine status
// @Produce  json
// @Success  200  {object}  types.StatusResponse
// @Router   /status [get]
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if rep, ok := s.Engine.(interface{ Report() types.StatusResponse }); ok {
		writeJSON(w, http.StatusOK, rep.Report())
		return
	}
	resp := types.StatusResponse{State: string(s.Engine.Status()), CurrentModel: s.Engine.CurrentModelID()}
	if err := s.Engine.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	_, resp.Caching = s.Engine.(engine.CachingEngine)
	writeJSON(w, http.StatusOK, resp)
}

// handleLoad loads a model and streams translated progress as NDJSON.
//
// @Summary  Load a model
// @Accept   json
// @Produce  application/x-ndjson
// @Param    body  body      types.LoadRequest  true  "Model to load"
// @Success  200   {object}  types.LoadEvent
// @Failure  404   {object}  types.ErrorResponse
// @Router   /load [post]
func (s *server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req types.LoadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	if _, ok := s.Catalog.Lookup(req.Model); !ok {
		writeError(w, engine.ErrModelNotFound(req.Model))
		return
	}
	useWorker := s.UseWorker
	if req.UseWorker != nil {
		useWorker = *req.UseWorker
	}

	rl := startRequestLog(r, "load", func(z *zerolog.Event) { z.Str("model", req.Model).Bool("worker", useWorker) })
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	nw := newNDJSON(w, rl)
	defer nw.close()

	_, err := s.Engine.LoadModel(ctx, req.Model,
		engine.WithWorker(useWorker),
		engine.WithProgress(func(p types.LoadingProgress) {
			_ = nw.write(types.LoadEvent{Progress: &p})
		}),
	)
	if err != nil {
		status := statusFor(err)
		if !nw.hasStarted() {
			writeError(w, err)
		} else {
			_ = nw.write(types.LoadEvent{Error: err.Error(), Code: status})
		}
		rl.end(status, err)
		return
	}
	if s.OnLoaded != nil {
		s.OnLoaded(ctx, req.Model)
	}
	_ = nw.write(types.LoadEvent{Done: true, Model: req.Model})
	rl.end(http.StatusOK, nil)
}

// handleUnload interrupts running generations and releases the model.
func (s *server) handleUnload(w http.ResponseWriter, r *http.Request) {
	s.Engine.InterruptGenerate()
	s.Engine.Dispose()
	s.handleStatus(w, r)
}

// handleGenerate runs a one-off generation.
//
// @Summary  Generate text
// @Accept   json
// @Produce  json
// @Produce  application/x-ndjson
// @Param    body  body      types.GenerateRequest  true  "Prompt or messages"
// @Success  200   {object}  types.ChatCompletion
// @Failure  429   {object}  types.ErrorResponse
// @Failure  503   {object}  types.ErrorResponse
// @Router   /generate [post]
func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var in engine.Input
	switch {
	case len(req.Messages) > 0:
		in = engine.Msgs(req.Messages...)
	case strings.TrimSpace(req.Prompt) != "":
		in = engine.Text(req.Prompt)
	default:
		writeJSONError(w, http.StatusBadRequest, "prompt or messages is required")
		return
	}
	opts := []engine.GenerateOption{engine.WithParams(req.GenerationParams)}
	if req.SystemPrompt != "" {
		opts = append(opts, engine.WithSystemPrompt(req.SystemPrompt))
	}
	if len(req.JSONSchema) > 0 && string(req.JSONSchema) != "null" {
		opts = append(opts, engine.WithJSONSchema(req.JSONSchema))
	}

	rl := startRequestLog(r, "generate", func(z *zerolog.Event) { z.Bool("stream", req.Stream) })
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if generateTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, generateTimeout)
		defer tcancel()
	}

	if !req.Stream {
		res, err := s.Engine.GenerateText(ctx, in, opts...)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			rl.end(writeError(w, err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		rl.end(http.StatusOK, nil)
		return
	}

	st, err := s.Engine.StreamText(ctx, in, opts...)
	if err != nil {
		rl.end(writeError(w, err), err)
		return
	}
	defer st.Close()
	nw := newNDJSON(w, rl)
	defer nw.close()
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			rl.end(http.StatusOK, nil)
			return
		}
		if err != nil {
			if r.Context().Err() == nil {
				_ = nw.write(types.ErrorResponse{Error: err.Error(), Code: statusFor(err)})
			}
			rl.end(statusFor(err), err)
			return
		}
		if err := nw.write(chunk); err != nil {
			rl.end(http.StatusOK, err)
			return
		}
	}
}
