package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pocketd/internal/llm"
	"pocketd/internal/llm/llmtest"
	"pocketd/pkg/types"
)

const childEnv = "POCKETD_WORKER_TEST_CHILD"

// TestMain lets the test binary act as a worker process.
func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "serve" {
		rt := llmtest.NewRuntime(llmtest.Script{Chunks: []string{"from ", "child"}, FinishReason: "stop"})
		err := Serve(context.Background(), stdio{Reader: os.Stdin, Writer: os.Stdout}, rt, zerolog.New(os.Stderr))
		if err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testModel() types.Model { return types.Model{ID: "tiny", Path: "/models/tiny.gguf"} }

func spawnInProcess(t *testing.T, rt llm.Runtime) Worker {
	t.Helper()
	w, err := InProcessSpawner{Runtime: rt, Logger: zerolog.Nop()}.Spawn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Terminate() })
	return w
}

func readAll(t *testing.T, st llm.Stream) (string, error) {
	t.Helper()
	var out string
	for {
		c, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out += c.Text()
	}
}

func TestInProcess_LoadForwardsProgressAndStreams(t *testing.T) {
	rt := llmtest.NewRuntime(llmtest.Script{Chunks: []string{"Hel", "lo"}, FinishReason: "stop"})
	rt.SetProgress(types.InitProgress{Progress: 0.5, Text: "Loading model from cache[1/2]: 10MB loaded."})
	w := spawnInProcess(t, rt)
	ctx := context.Background()

	var got []types.InitProgress
	require.NoError(t, w.Client().Load(ctx, testModel(), func(p types.InitProgress) { got = append(got, p) }))
	require.Len(t, got, 1)
	assert.Equal(t, 0.5, got[0].Progress)
	assert.Equal(t, []types.Model{testModel()}, rt.Opened())

	st, err := w.Client().Stream(ctx, types.ChatRequest{Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	text, err := readAll(t, st)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)

	res, err := w.Client().Complete(ctx, types.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text())
	assert.Equal(t, "stop", res.Choices[0].FinishReason)
}

func TestInProcess_ChatWithoutModel(t *testing.T) {
	w := spawnInProcess(t, llmtest.NewRuntime(llmtest.Script{}))
	_, err := w.Client().Complete(context.Background(), types.ChatRequest{})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestInProcess_LoadErrorKeepsType(t *testing.T) {
	rt := llmtest.NewRuntime(llmtest.Script{})
	rt.FailOpen(llm.ErrDependencyUnavailable("llama-server not found"))
	w := spawnInProcess(t, rt)
	err := w.Client().Load(context.Background(), testModel(), nil)
	require.Error(t, err)
	assert.True(t, llm.IsDependencyUnavailable(err))
	assert.Contains(t, err.Error(), "llama-server not found")
}

func TestInProcess_InterruptStopsStream(t *testing.T) {
	rt := llmtest.NewRuntime(llmtest.Script{Chunks: []string{"a", "b"}, Hold: true, HoldAfter: 1})
	w := spawnInProcess(t, rt)
	ctx := context.Background()
	require.NoError(t, w.Client().Load(ctx, testModel(), nil))

	st, err := w.Client().Stream(ctx, types.ChatRequest{})
	require.NoError(t, err)
	c, err := st.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", c.Text())

	require.NoError(t, w.Client().Interrupt(ctx))
	_, err = readAll(t, st)
	assert.ErrorIs(t, err, llm.ErrInterrupted)
}

func TestInProcess_CancelContextEndsStream(t *testing.T) {
	rt := llmtest.NewRuntime(llmtest.Script{Chunks: []string{"a"}, Hold: true, HoldAfter: 1})
	w := spawnInProcess(t, rt)
	require.NoError(t, w.Client().Load(context.Background(), testModel(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	st, err := w.Client().Stream(ctx, types.ChatRequest{})
	require.NoError(t, err)
	_, err = st.Recv()
	require.NoError(t, err)
	cancel()
	_, err = readAll(t, st)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInProcess_CacheRequests(t *testing.T) {
	rt := llmtest.NewRuntime(llmtest.Script{})
	rt.SetCached("tiny", true)
	w := spawnInProcess(t, rt)
	ctx := context.Background()

	ok, err := w.Client().HasModel(ctx, testModel())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, w.Client().DeleteModel(ctx, testModel()))
	ok, err = w.Client().HasModel(ctx, testModel())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminate_FailsPendingCallsAndIsIdempotent(t *testing.T) {
	rt := llmtest.NewRuntime(llmtest.Script{})
	release := rt.Gate()
	defer release()
	w := spawnInProcess(t, rt)

	errc := make(chan error, 1)
	go func() { errc <- w.Client().Load(context.Background(), testModel(), nil) }()
	require.Eventually(t, func() bool { return len(rt.Opened()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Terminate())
	require.NoError(t, w.Terminate())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrWorkerTerminated)
	case <-time.After(2 * time.Second):
		t.Fatal("pending load not failed")
	}
	<-w.Done()
	_, err := w.Client().Complete(context.Background(), types.ChatRequest{})
	assert.ErrorIs(t, err, ErrWorkerTerminated)
}

func TestClient_ReportsUndecodableLines(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	msgErrs := make(chan error, 1)
	c := NewClient(a, func(err error) { msgErrs <- err })
	defer c.Close()

	_, err := b.Write([]byte("not json\n"))
	require.NoError(t, err)
	select {
	case err := <-msgErrs:
		var me *MessageError
		assert.ErrorAs(t, err, &me)
		assert.Equal(t, "not json", string(me.Line))
	case <-time.After(time.Second):
		t.Fatal("message error not reported")
	}
}

type panicRuntime struct{}

func (panicRuntime) Open(context.Context, types.Model, func(types.InitProgress)) (llm.Session, error) {
	panic("boom")
}

func TestInProcess_PanicIsReported(t *testing.T) {
	w := spawnInProcess(t, panicRuntime{})
	err := w.Client().Load(context.Background(), testModel(), nil)
	assert.ErrorIs(t, err, ErrWorkerTerminated)
	select {
	case err := <-w.Errors():
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(time.Second):
		t.Fatal("panic not reported")
	}
}

type countingSpawner struct {
	inner   Spawner
	workers []Worker
}

func (s *countingSpawner) Spawn(ctx context.Context) (Worker, error) {
	w, err := s.inner.Spawn(ctx)
	if err == nil {
		s.workers = append(s.workers, w)
	}
	return w, err
}

func TestLifecycle_SpawnReplacesCurrent(t *testing.T) {
	sp := &countingSpawner{inner: InProcessSpawner{Runtime: llmtest.NewRuntime(llmtest.Script{}), Logger: zerolog.Nop()}}
	l := NewLifecycle(sp, zerolog.Nop())
	ctx := context.Background()

	l.Terminate()
	assert.Nil(t, l.Current())

	first, err := l.Spawn(ctx)
	require.NoError(t, err)
	second, err := l.Spawn(ctx)
	require.NoError(t, err)
	assert.Same(t, second, l.Current())
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("previous worker not terminated")
	}

	assert.Same(t, second, l.Detach())
	assert.Nil(t, l.Current())
	require.NoError(t, second.Terminate())
}

func TestProcessSpawner_ServesOverStdio(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	sp := ProcessSpawner{Path: exe, Env: []string{childEnv + "=serve"}, Grace: time.Second, Logger: zerolog.Nop()}
	w, err := sp.Spawn(context.Background())
	require.NoError(t, err)
	defer w.Terminate()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Client().Load(ctx, testModel(), nil))
	res, err := w.Client().Complete(ctx, types.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from child", res.Text())

	require.NoError(t, w.Terminate())
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker process did not exit")
	}
}
