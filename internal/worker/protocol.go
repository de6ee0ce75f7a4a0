package worker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"pocketd/internal/llm"
	"pocketd/pkg/types"
)

// Kind names a message on the worker wire. Every message is one JSON line.
type Kind string

// Requests sent by the engine side.
const (
	KindLoad        Kind = "load"
	KindChat        Kind = "chat"
	KindCancel      Kind = "cancel"
	KindInterrupt   Kind = "interrupt"
	KindUnload      Kind = "unload"
	KindHasModel    Kind = "has_model"
	KindDeleteModel Kind = "delete_model"
)

// Replies sent by the worker. A request ends with exactly one of result,
// done or error.
const (
	KindProgress Kind = "progress"
	KindChunk    Kind = "chunk"
	KindResult   Kind = "result"
	KindDone     Kind = "done"
	KindError    Kind = "error"
)

// Error codes carried across the wire so typed errors survive the hop.
const (
	codeInterrupted  = "interrupted"
	codeDependency   = "dependency_unavailable"
	codeNoSession    = "no_session"
	codeNotSupported = "not_supported"
	codeTerminated   = "terminated"
)

// Envelope is the unit of the worker protocol. ID correlates replies to the
// request that caused them; cancel reuses the id of the request it cancels.
type Envelope struct {
	ID    uint64          `json:"id"`
	Kind  Kind            `json:"kind"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
}

// ErrNoSession is returned for generation requests sent before a model was loaded.
var ErrNoSession = errors.New("worker has no model loaded")

// ErrNotSupported is returned for cache requests on runtimes without a cache.
var ErrNotSupported = errors.New("runtime does not support model cache probing")

// MessageError reports a line that could not be decoded.
type MessageError struct {
	Line []byte
	Err  error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("worker message: %v", e.Err)
}

func (e *MessageError) Unwrap() error { return e.Err }

type cacheBody struct {
	Model types.Model `json:"model"`
}

type hasModelResult struct {
	Cached bool `json:"cached"`
}

// codec reads and writes envelopes as newline-delimited JSON. Writes are
// serialized; reads are expected from a single goroutine.
type codec struct {
	sc  *bufio.Scanner
	wmu sync.Mutex
	w   io.Writer
}

const maxLine = 16 << 20

func newCodec(rw io.ReadWriter) *codec {
	sc := bufio.NewScanner(rw)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	return &codec{sc: sc, w: rw}
}

func (c *codec) send(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(b)
	return err
}

// recv returns the next envelope. A *MessageError means the line was
// skipped and reading may continue; any other error ends the stream.
func (c *codec) recv() (Envelope, error) {
	for c.sc.Scan() {
		line := c.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Envelope{}, &MessageError{Line: append([]byte(nil), line...), Err: err}
		}
		return env, nil
	}
	if err := c.sc.Err(); err != nil {
		return Envelope{}, err
	}
	return Envelope{}, io.EOF
}

func reply(id uint64, kind Kind, v any) (Envelope, error) {
	env := Envelope{ID: id, Kind: kind}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, err
		}
		env.Body = b
	}
	return env, nil
}

func errorEnvelope(id uint64, err error) Envelope {
	env := Envelope{ID: id, Kind: KindError, Error: err.Error()}
	switch {
	case errors.Is(err, llm.ErrInterrupted):
		env.Code = codeInterrupted
	case llm.IsDependencyUnavailable(err):
		env.Code = codeDependency
	case errors.Is(err, ErrNoSession):
		env.Code = codeNoSession
	case errors.Is(err, ErrNotSupported):
		env.Code = codeNotSupported
	}
	return env
}

// decodeError rebuilds the typed error carried by an error envelope.
func decodeError(env Envelope) error {
	switch env.Code {
	case codeInterrupted:
		return llm.ErrInterrupted
	case codeDependency:
		return llm.ErrDependencyUnavailable(env.Error)
	case codeNoSession:
		return ErrNoSession
	case codeNotSupported:
		return ErrNotSupported
	}
	return errors.New(env.Error)
}
