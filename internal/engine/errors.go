package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pocketd/internal/llm"
)

// modelNotFoundError is returned when a requested model id is not in the registry.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound returns the error for an unknown model id.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var target modelNotFoundError
	return errors.As(err, &target)
}

// ErrEngineNotReady is returned by generation calls outside the ready state.
var ErrEngineNotReady = errors.New("engine not ready: load a model first")

// IsEngineNotReady reports whether err is ErrEngineNotReady.
func IsEngineNotReady(err error) bool { return errors.Is(err, ErrEngineNotReady) }

// ErrLoadSuperseded is returned by a load overtaken by a later LoadModel or Dispose.
var ErrLoadSuperseded = errors.New("load superseded by a newer request")

// LoadError wraps a backend failure during LoadModel.
type LoadError struct {
	ModelID string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("Failed to load model %q: %v", e.ModelID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadFailure reports whether err came from a failed load.
func IsLoadFailure(err error) bool {
	var target *LoadError
	return errors.As(err, &target)
}

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var target tooBusyError
	return errors.As(err, &target)
}

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool { return llm.IsDependencyUnavailable(err) }

// IsInterrupted reports whether err describes a generation stopped on request
// rather than a failure.
func IsInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, llm.ErrInterrupted) || errors.Is(err, llm.ErrStreamClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "abort") || strings.Contains(msg, "interrupt")
}
