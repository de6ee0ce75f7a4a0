// Package llm defines the contract between the engine and an inference
// runtime: a Runtime opens a model into a Session that can complete or stream
// chat requests and be interrupted or unloaded. Heavy lifting stays in the
// runtime (llama.cpp, llama-server, any OpenAI-compatible server).
package llm

import (
	"context"
	"errors"

	"pocketd/pkg/types"
)

// Runtime loads models.
type Runtime interface {
	// Open loads model m and returns a ready session. onProgress may be nil and
	// receives raw load reports in the order the runtime produces them.
	Open(ctx context.Context, m types.Model, onProgress func(types.InitProgress)) (Session, error)
}

// Session is an opaque handle to one loaded model.
type Session interface {
	// Complete runs a buffered (non-streaming) generation.
	Complete(ctx context.Context, req types.ChatRequest) (*types.ChatCompletion, error)
	// Stream starts a streaming generation. The request is sent lazily or
	// eagerly at the runtime's discretion; chunks are read with Recv.
	Stream(ctx context.Context, req types.ChatRequest) (Stream, error)
	// Interrupt requests that in-flight generations stop early.
	Interrupt() error
	// Unload releases the model.
	Unload(ctx context.Context) error
}

// Stream is a finite, non-restartable sequence of chunks. Recv returns io.EOF
// after the last chunk. Close may be called at any time and more than once.
type Stream interface {
	Recv() (types.ChatChunk, error)
	Close() error
}

// CacheProber is implemented by runtimes that keep downloaded weights in a
// local cache that can be inspected and pruned.
type CacheProber interface {
	HasModel(ctx context.Context, m types.Model) (bool, error)
	DeleteModel(ctx context.Context, m types.Model) error
}

// ErrInterrupted is returned by streams and completions stopped by Interrupt.
var ErrInterrupted = errors.New("generation interrupted")

// ErrStreamClosed is returned by Recv after the consumer closed the stream.
var ErrStreamClosed = errors.New("stream closed")

// dependencyUnavailableError signals a missing external dependency (e.g., llama.cpp)
// so the HTTP layer can return 503 Service Unavailable instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var target dependencyUnavailableError
	return errors.As(err, &target)
}
