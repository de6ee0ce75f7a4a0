package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"pocketd/internal/chat"
	"pocketd/internal/engine"
	"pocketd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps engine and session errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case engine.IsModelNotFound(err):
		return http.StatusNotFound
	case engine.IsTooBusy(err):
		return http.StatusTooManyRequests
	case engine.IsEngineNotReady(err), engine.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrLoadSuperseded), errors.Is(err, chat.ErrUnansweredTurn):
		return http.StatusConflict
	case errors.As(err, &he):
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeError writes err with its mapped status and returns that status.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue")
	}
	writeJSONError(w, status, err.Error())
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Debug().Err(err).Msg("encode_response_failed")
	}
}
