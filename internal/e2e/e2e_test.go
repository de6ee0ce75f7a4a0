package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pocketd/internal/engine"
	"pocketd/internal/llm/llmtest"
	"pocketd/pkg/types"
)

func decodeLines[T any](t *testing.T, body []byte) []T {
	t.Helper()
	var out []T
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(sc.Bytes(), &v), sc.Text())
		out = append(out, v)
	}
	return out
}

func status(t *testing.T, s *stack) types.StatusResponse {
	t.Helper()
	resp, body := httpGet(t, s.srv.URL+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st types.StatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	return st
}

func TestE2E_LoadGenerateChat_ViaWorker(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf", "beta.gguf")
	rt := llmtest.NewRuntime(llmtest.Script{Chunks: []string{"Hi", "!"}, FinishReason: "stop"})
	rt.SetProgress(types.InitProgress{Phase: types.PhaseCache, Progress: 0.5, Shard: 1, Shards: 2, Text: "Loading model from cache[1/2]"})
	s := newStack(t, dir, rt)

	resp, body := httpGet(t, s.srv.URL+"/models")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var models types.ModelsResponse
	require.NoError(t, json.Unmarshal(body, &models))
	assert.Len(t, models.Models, 2)

	resp, _ = httpGet(t, s.srv.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body = httpPostJSON(t, s.srv.URL+"/load", `{"model":"alpha.gguf","use_worker":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	evs := decodeLines[types.LoadEvent](t, body)
	require.NotEmpty(t, evs)
	assert.True(t, evs[len(evs)-1].Done)
	var sawProgress bool
	for _, ev := range evs {
		if ev.Progress != nil {
			sawProgress = true
			assert.True(t, ev.Progress.IsCacheLoading)
		}
	}
	assert.True(t, sawProgress, "progress should cross the worker boundary")

	st := status(t, s)
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, "alpha.gguf", st.CurrentModel)
	assert.True(t, st.Worker)

	resp, body = httpPostJSON(t, s.srv.URL+"/generate", `{"prompt":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res types.ChatCompletion
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "Hi!", res.Text())

	resp, body = httpPostJSON(t, s.srv.URL+"/chat/send", `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	chatEvs := decodeLines[types.ChatEvent](t, body)
	require.NotEmpty(t, chatEvs)
	last := chatEvs[len(chatEvs)-1]
	assert.Equal(t, "messages", last.Type)
	require.Len(t, last.Messages, 2)
	assert.Equal(t, "Hi!", last.Messages[1].Content)

	resp, body = httpGet(t, s.srv.URL+"/cache")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cache types.CacheResponse
	require.NoError(t, json.Unmarshal(body, &cache))
	assert.Equal(t, []string{"alpha.gguf"}, cache.Models)

	resp, _ = httpPostJSON(t, s.srv.URL+"/unload", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", status(t, s).State)
}

func TestE2E_LatestLoadWins(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf", "beta.gguf")
	rt := llmtest.NewRuntime(llmtest.Script{Chunks: []string{"x"}})
	release := rt.Gate()
	s := newStack(t, dir, rt)

	first := make(chan int, 1)
	go func() {
		resp, _ := httpPostJSON(t, s.srv.URL+"/load", `{"model":"alpha.gguf"}`)
		first <- resp.StatusCode
	}()
	require.Eventually(t, func() bool { return len(rt.Opened()) == 1 }, 2*time.Second, 5*time.Millisecond)

	second := make(chan int, 1)
	go func() {
		resp, _ := httpPostJSON(t, s.srv.URL+"/load", `{"model":"beta.gguf"}`)
		second <- resp.StatusCode
	}()
	require.Eventually(t, func() bool { return len(rt.Opened()) == 2 }, 2*time.Second, 5*time.Millisecond)
	release()

	assert.Equal(t, http.StatusConflict, <-first)
	assert.Equal(t, http.StatusOK, <-second)
	st := status(t, s)
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, "beta.gguf", st.CurrentModel)
}

func TestE2E_Backpressure429(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf")
	rt := llmtest.NewRuntime(llmtest.Script{Chunks: []string{"x"}, Hold: true, HoldAfter: 1})
	s := newStack(t, dir, rt, func(c *engine.Config) {
		c.MaxQueueDepth = 1
		c.MaxWait = 20 * time.Millisecond
	})
	resp, _ := httpPostJSON(t, s.srv.URL+"/load", `{"model":"alpha.gguf"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	held := make(chan int, 1)
	go func() {
		resp, _ := httpPostJSON(t, s.srv.URL+"/generate", `{"prompt":"hold","stream":true}`)
		held <- resp.StatusCode
	}()
	require.Eventually(t, func() bool { return status(t, s).Inflight == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, body := httpPostJSON(t, s.srv.URL+"/generate", `{"prompt":"hello"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, string(body))

	resp, _ = httpPostJSON(t, s.srv.URL+"/unload", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusOK, <-held)
}

func TestE2E_ModelNotFound404(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf")
	s := newStack(t, dir, llmtest.NewRuntime(llmtest.Script{}))

	resp, body := httpPostJSON(t, s.srv.URL+"/load", `{"model":"missing.gguf"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var er types.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	assert.Equal(t, http.StatusNotFound, er.Code)

	resp, _ = httpGet(t, s.srv.URL+"/cache/missing.gguf")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
