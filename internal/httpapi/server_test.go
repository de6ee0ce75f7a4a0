package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pocketd/internal/chat"
	"pocketd/internal/engine"
	"pocketd/internal/llm/llmtest"
	"pocketd/internal/logbuf"
	"pocketd/internal/registry"
	"pocketd/pkg/types"
)

type fixture struct {
	rt     *llmtest.Runtime
	eng    engine.Engine
	chat   *chat.Session
	logs   *logbuf.Buffer
	h      http.Handler
	loaded []string
	mu     sync.Mutex
}

func newFixture(t *testing.T, script llmtest.Script, caching bool) *fixture {
	t.Helper()
	reg, err := registry.New([]types.Model{
		{ID: "Llama-3.2-1B-Instruct-q4_k_m", Path: "/models/a.gguf", Quant: "q4_k_m"},
		{ID: "Llama-3.2-1B-Instruct-q8_0", Path: "/models/b.gguf", Quant: "q8_0"},
	})
	require.NoError(t, err)
	f := &fixture{rt: llmtest.NewRuntime(script), logs: logbuf.New(10)}
	cfg := engine.Config{Models: reg, Runtime: f.rt, Logger: zerolog.Nop()}
	if caching {
		cfg.Cache = f.rt
	}
	f.eng = engine.New(cfg)
	t.Cleanup(f.eng.Dispose)
	f.chat = chat.NewSession(f.eng, chat.Options{Logger: zerolog.Nop()})
	f.h = NewMux(Deps{
		Engine:  f.eng,
		Catalog: reg,
		Chat:    f.chat,
		Logs:    f.logs,
		OnLoaded: func(_ context.Context, id string) {
			f.mu.Lock()
			f.loaded = append(f.loaded, id)
			f.mu.Unlock()
		},
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	return w
}

func (f *fixture) load(t *testing.T) {
	t.Helper()
	_, err := f.eng.LoadModel(context.Background(), "Llama-3.2-1B-Instruct-q4_k_m")
	require.NoError(t, err)
}

func lines[T any](t *testing.T, body string) []T {
	t.Helper()
	var out []T
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(sc.Bytes(), &v), sc.Text())
		out = append(out, v)
	}
	return out
}

func TestModels(t *testing.T) {
	f := newFixture(t, llmtest.Script{}, false)
	w := f.do(t, http.MethodGet, "/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	var resp types.ModelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Models, 2)

	w = f.do(t, http.MethodGet, "/models/groups", "")
	require.Equal(t, http.StatusOK, w.Code)
	var groups types.ModelGroupsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &groups))
	require.Len(t, groups.Groups, 1)
	assert.Len(t, groups.Groups[0].Variants, 2)
}

func TestStatusAndReadyz(t *testing.T) {
	f := newFixture(t, llmtest.Script{}, false)
	w := f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f.load(t)
	w = f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st types.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, "Llama-3.2-1B-Instruct-q4_k_m", st.CurrentModel)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
}

func TestLoad_StreamsProgressThenDone(t *testing.T) {
	f := newFixture(t, llmtest.Script{}, false)
	f.rt.SetProgress(
		types.InitProgress{Progress: 0.5, Text: "Loading model from cache[1/2]: 10MB loaded."},
		types.InitProgress{Progress: 1, Text: "Finish loading"},
	)
	w := f.do(t, http.MethodPost, "/load", `{"model":"Llama-3.2-1B-Instruct-q4_k_m"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	evs := lines[types.LoadEvent](t, w.Body.String())
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.True(t, last.Done)
	assert.Equal(t, "Llama-3.2-1B-Instruct-q4_k_m", last.Model)
	for _, ev := range evs[:len(evs)-1] {
		assert.NotNil(t, ev.Progress)
	}
	assert.True(t, f.eng.IsReady())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"Llama-3.2-1B-Instruct-q4_k_m"}, f.loaded)
}

func TestLoad_Errors(t *testing.T) {
	f := newFixture(t, llmtest.Script{}, false)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/load", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/load", `{"model":`).Code)

	w := f.do(t, http.MethodPost, "/load", `{"model":"missing"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	var er types.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &er))
	assert.Equal(t, http.StatusNotFound, er.Code)
	assert.Contains(t, er.Error, "missing")

	f.rt.FailOpen(assertErr("out of memory"))
	w = f.do(t, http.MethodPost, "/load", `{"model":"Llama-3.2-1B-Instruct-q4_k_m"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "out of memory")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestUnload(t *testing.T) {
	f := newFixture(t, llmtest.Script{}, false)
	f.load(t)
	w := f.do(t, http.MethodPost, "/unload", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.eng.IsReady())
	assert.Equal(t, 1, f.rt.LastSession().Unloads())
}

func TestGenerate(t *testing.T) {
	f := newFixture(t, llmtest.Script{Chunks: []string{"Hel", "lo"}, FinishReason: "stop"}, false)

	w := f.do(t, http.MethodPost, "/generate", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f.load(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/generate", `{}`).Code)

	w = f.do(t, http.MethodPost, "/generate", `{"prompt":"hi","temperature":0.3}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res types.ChatCompletion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "Hello", res.Text())

	reqs := f.rt.LastSession().Requests()
	require.NotEmpty(t, reqs)
	last := reqs[len(reqs)-1]
	require.NotNil(t, last.Temperature)
	assert.InDelta(t, 0.3, *last.Temperature, 1e-9)
}

func TestGenerate_Stream(t *testing.T) {
	f := newFixture(t, llmtest.Script{Chunks: []string{"a", "b", "c"}}, false)
	f.load(t)
	w := f.do(t, http.MethodPost, "/generate", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	var text string
	for _, c := range lines[types.ChatChunk](t, w.Body.String()) {
		text += c.Text()
	}
	assert.Equal(t, "abc", text)
}

func TestChatSend_StreamsEvents(t *testing.T) {
	f := newFixture(t, llmtest.Script{Chunks: []string{"Hi", " there"}, FinishReason: "stop"}, false)

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/chat/send", `{"text":"hello"}`).Code)
	f.load(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/chat/send", `{"text":"  "}`).Code)

	w := f.do(t, http.MethodPost, "/chat/send", `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	evs := lines[types.ChatEvent](t, w.Body.String())
	var kinds []string
	for _, ev := range evs {
		kinds = append(kinds, ev.Type)
	}
	assert.Equal(t, []string{"messages", "delta", "delta", "finish", "messages"}, kinds)
	assert.Equal(t, "Hi there", evs[3].Content)

	w = f.do(t, http.MethodGet, "/chat/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var msgs types.ChatMessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, types.RoleUser, msgs.Messages[0].Role)
	assert.Equal(t, "Hi there", msgs.Messages[1].Content)
	assert.False(t, msgs.Streaming)
}

func TestChatRegenerateAndClear(t *testing.T) {
	f := newFixture(t, llmtest.Script{Chunks: []string{"one"}}, false)
	f.load(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/chat/send", `{"text":"hello"}`).Code)

	f.rt.SetScript(llmtest.Script{Chunks: []string{"two"}})
	f.load(t)
	w := f.do(t, http.MethodPost, "/chat/regenerate", "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs := f.chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[1].Content)

	w = f.do(t, http.MethodPost, "/chat/clear", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.chat.Messages())
}

func TestChatSend_ConflictWhileStreaming(t *testing.T) {
	f := newFixture(t, llmtest.Script{Chunks: []string{"x"}, Hold: true, HoldAfter: 1}, false)
	f.load(t)
	require.NoError(t, f.chat.Send(context.Background(), "first"))
	require.Eventually(t, f.chat.IsStreaming, time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/chat/send", `{"text":"again"}`).Code)

	w := f.do(t, http.MethodPost, "/chat/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	var msgs types.ChatMessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	assert.False(t, msgs.Streaming)
}

func TestCache(t *testing.T) {
	f := newFixture(t, llmtest.Script{}, true)
	f.rt.SetCached("Llama-3.2-1B-Instruct-q8_0", true)

	w := f.do(t, http.MethodGet, "/cache", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list types.CacheResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.True(t, list.Supported)
	assert.Equal(t, []string{"Llama-3.2-1B-Instruct-q8_0"}, list.Models)

	w = f.do(t, http.MethodGet, "/cache/Llama-3.2-1B-Instruct-q8_0", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entry types.CacheEntryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	assert.True(t, entry.Cached)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/cache/missing", "").Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/cache/Llama-3.2-1B-Instruct-q8_0", "").Code)
	w = f.do(t, http.MethodGet, "/cache", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Models)

	f.rt.SetCached("Llama-3.2-1B-Instruct-q4_k_m", true)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/cache", "").Code)
	w = f.do(t, http.MethodGet, "/cache", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Models)
}

func TestCache_Unsupported(t *testing.T) {
	f := newFixture(t, llmtest.Script{}, false)
	w := f.do(t, http.MethodGet, "/cache", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list types.CacheResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.False(t, list.Supported)

	assert.Equal(t, http.StatusNotImplemented, f.do(t, http.MethodGet, "/cache/Llama-3.2-1B-Instruct-q8_0", "").Code)
	assert.Equal(t, http.StatusNotImplemented, f.do(t, http.MethodDelete, "/cache", "").Code)
	assert.Equal(t, http.StatusNotImplemented, f.do(t, http.MethodDelete, "/cache/Llama-3.2-1B-Instruct-q8_0", "").Code)
}

func TestLogs(t *testing.T) {
	f := newFixture(t, llmtest.Script{}, false)
	f.logs.Add("info", "hello", nil)

	w := f.do(t, http.MethodGet, "/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp types.LogsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "hello", resp.Entries[0].Message)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/logs", "").Code)
	assert.Zero(t, f.logs.Len())
}

func TestChatWS(t *testing.T) {
	f := newFixture(t, llmtest.Script{Chunks: []string{"Hi"}, FinishReason: "stop"}, false)
	f.load(t)
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first types.ChatEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "messages", first.Type)
	assert.Empty(t, first.Messages)

	require.NoError(t, conn.WriteJSON(types.ChatCommand{Type: "send", Text: "hello"}))
	var finish types.ChatEvent
	for {
		var ev types.ChatEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == "finish" {
			finish = ev
			break
		}
	}
	assert.Equal(t, "Hi", finish.Content)

	require.NoError(t, conn.WriteJSON(types.ChatCommand{Type: "bogus"}))
	for {
		var ev types.ChatEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == "error" {
			assert.Contains(t, ev.Error, "bogus")
			break
		}
	}
}
