package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ndjsonWriter writes one JSON value per line and flushes after each.
// Safe for concurrent use.
type ndjsonWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	flush   func()
	started bool
	closed  bool
	w       http.ResponseWriter
	lines   prometheus.Counter
}

func newNDJSON(w http.ResponseWriter, rl *requestLog) *ndjsonWriter {
	out := io.Writer(w)
	path := "unknown"
	if rl != nil {
		path = routePatternOrPath(rl.r)
		if rl.debug() {
			out = io.MultiWriter(w, &loggingLineWriter{path: rl.r.URL.Path})
		}
	}
	nw := &ndjsonWriter{enc: json.NewEncoder(out), w: w, flush: func() {}, lines: ndjsonLinesTotal.WithLabelValues(path)}
	if f, ok := w.(http.Flusher); ok {
		nw.flush = f.Flush
	}
	return nw
}

func (nw *ndjsonWriter) write(v any) error {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if nw.closed {
		return errWriterClosed
	}
	if !nw.started {
		nw.w.Header().Set("Content-Type", "application/x-ndjson")
		nw.w.Header().Set("Cache-Control", "no-cache")
		nw.w.WriteHeader(http.StatusOK)
		nw.started = true
	}
	if err := nw.enc.Encode(v); err != nil {
		return err
	}
	nw.lines.Inc()
	nw.flush()
	return nil
}

var errWriterClosed = errors.New("response already finished")

func (nw *ndjsonWriter) hasStarted() bool {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return nw.started
}

// close makes later writes fail; events delivered after the handler
// returned must not touch the response.
func (nw *ndjsonWriter) close() {
	nw.mu.Lock()
	nw.closed = true
	nw.mu.Unlock()
}
