package httpapi

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer. Nop until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "http").Logger() }

// loggingLineWriter logs complete NDJSON lines at debug level.
type loggingLineWriter struct {
	path string
	buf  []byte
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if idx > 0 {
			zlog.Debug().Str("path", lw.path).RawJSON("line", lw.buf[:idx]).Msg("ndjson_out")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

var defaultLogLevel = LevelInfo

// SetRequestLogLevel sets the level used when a request does not override it.
func SetRequestLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLog logs the start and end of long-running handlers at the
// request's log level.
type requestLog struct {
	lvl   LogLevel
	r     *http.Request
	start time.Time
	name  string
}

func startRequestLog(r *http.Request, name string, fields func(*zerolog.Event)) *requestLog {
	rl := &requestLog{lvl: requestLogLevel(r), r: r, start: time.Now(), name: name}
	if rl.lvl >= LevelInfo {
		z := rl.event(zlog.Info())
		if fields != nil {
			fields(z)
		}
		z.Msg(name + "_start")
	}
	return rl
}

func (rl *requestLog) event(z *zerolog.Event) *zerolog.Event {
	z = z.Str("path", rl.r.URL.Path)
	if rid := middleware.GetReqID(rl.r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	return z
}

func (rl *requestLog) end(status int, err error) {
	if rl.lvl == LevelOff || (rl.lvl == LevelError && err == nil) {
		return
	}
	z := zlog.Info()
	if err != nil && status >= 500 {
		z = zlog.Error()
	}
	rl.event(z).Int("status", status).Dur("dur", time.Since(rl.start)).Err(err).Msg(rl.name + "_end")
}

// debug reports whether NDJSON output should be echoed to the log.
func (rl *requestLog) debug() bool { return rl.lvl >= LevelDebug }
