// Package e2e drives the full HTTP stack in-process: registry scan, engine
// with goroutine workers, chat session and router.
package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"pocketd/internal/chat"
	"pocketd/internal/engine"
	"pocketd/internal/httpapi"
	"pocketd/internal/llm/llmtest"
	"pocketd/internal/registry"
	"pocketd/internal/worker"
)

// createTempModelsDir creates a directory of empty .gguf files.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o644))
	}
	return dir
}

type stack struct {
	srv *httptest.Server
	eng engine.Engine
	rt  *llmtest.Runtime
}

func newStack(t *testing.T, dir string, rt *llmtest.Runtime, mut ...func(*engine.Config)) *stack {
	t.Helper()
	reg, err := registry.Load("", dir)
	require.NoError(t, err)
	cfg := engine.Config{
		Models:  reg,
		Runtime: rt,
		Spawner: worker.InProcessSpawner{Runtime: rt, Logger: zerolog.Nop()},
		Cache:   rt,
		Logger:  zerolog.Nop(),
	}
	for _, f := range mut {
		f(&cfg)
	}
	eng := engine.New(cfg)
	t.Cleanup(eng.Dispose)
	session := chat.NewSession(eng, chat.Options{Logger: zerolog.Nop()})
	srv := httptest.NewServer(httpapi.NewMux(httpapi.Deps{Engine: eng, Catalog: reg, Chat: session}))
	t.Cleanup(srv.Close)
	return &stack{srv: srv, eng: eng, rt: rt}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	return httpDo(t, http.MethodGet, url, nil)
}

func httpPostJSON(t *testing.T, url string, payload string) (*http.Response, []byte) {
	t.Helper()
	return httpDo(t, http.MethodPost, url, []byte(payload))
}

func httpDo(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
