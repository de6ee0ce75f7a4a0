package llm

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pocketd/pkg/types"
)

func TestPipe_DeliversBufferedChunksBeforeEOF(t *testing.T) {
	p := NewPipe(4, nil)
	ctx := context.Background()
	require.NoError(t, p.Send(ctx, Chunk("a", "")))
	require.NoError(t, p.Send(ctx, Chunk("b", "stop")))
	p.Finish(nil)

	c, err := p.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", c.Text())
	c, err = p.Recv()
	require.NoError(t, err)
	assert.Equal(t, "stop", c.FinishReason())
	_, err = p.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPipe_FinishWithError(t *testing.T) {
	p := NewPipe(0, nil)
	boom := errors.New("boom")
	p.Finish(boom)
	p.Finish(nil)
	_, err := p.Recv()
	assert.ErrorIs(t, err, boom)
}

func TestPipe_CloseUnblocksProducer(t *testing.T) {
	closed := make(chan struct{})
	p := NewPipe(0, func() { close(closed) })
	errc := make(chan error, 1)
	go func() { errc <- p.Send(context.Background(), Chunk("x", "")) }()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("producer not unblocked by Close")
	}
	<-closed
	_, err := p.Recv()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestCollect(t *testing.T) {
	p := NewPipe(8, nil)
	ctx := context.Background()
	first := Chunk("Hel", "")
	first.ID, first.Model = "c1", "m"
	require.NoError(t, p.Send(ctx, first))
	require.NoError(t, p.Send(ctx, Chunk("lo", "")))
	last := Chunk("", "length")
	last.Usage = &types.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}
	require.NoError(t, p.Send(ctx, last))
	p.Finish(nil)

	out, err := Collect(p)
	require.NoError(t, err)
	assert.Equal(t, "Hello", out.Text())
	assert.Equal(t, "c1", out.ID)
	assert.Equal(t, "length", out.Choices[0].FinishReason)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 5, out.Usage.TotalTokens)
}

func TestInflight_InterruptCancelsWithCause(t *testing.T) {
	var f Inflight
	ctx, release := f.Track(context.Background())
	defer release()
	assert.Equal(t, 1, f.Len())
	assert.Equal(t, 1, f.Interrupt())
	<-ctx.Done()
	assert.ErrorIs(t, Cause(ctx, ctx.Err()), ErrInterrupted)
	assert.Equal(t, 0, f.Len())
	assert.Equal(t, 0, f.Interrupt())
}

func TestCause_PassesThroughLiveContext(t *testing.T) {
	boom := errors.New("boom")
	assert.Equal(t, boom, Cause(context.Background(), boom))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Cause(ctx, boom), context.Canceled)
}

func TestFormatChatML(t *testing.T) {
	got := FormatChatML([]types.Message{
		{Role: types.RoleSystem, Content: "be brief"},
		{Role: types.RoleUser, Content: "hi"},
	})
	want := "<|im_start|>system\nbe brief<|im_end|>\n<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n"
	assert.Equal(t, want, got)
}

func TestIsDependencyUnavailable(t *testing.T) {
	err := ErrDependencyUnavailable("llama.cpp not built")
	assert.True(t, IsDependencyUnavailable(err))
	assert.True(t, IsDependencyUnavailable(errors.Join(errors.New("ctx"), err)))
	assert.False(t, IsDependencyUnavailable(errors.New("other")))
}
