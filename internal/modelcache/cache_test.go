package modelcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pocketd/pkg/types"
)

func shardServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		switch r.URL.Path {
		case "/repo/a.gguf":
			_, _ = w.Write([]byte("shard-a"))
		case "/repo/b.gguf":
			_, _ = w.Write([]byte("shard-b"))
		default:
			http.NotFound(w, r)
		}
	}))
}

func openCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestFetch_DownloadsThenLoadsFromCache(t *testing.T) {
	var hits int32
	srv := shardServer(t, &hits)
	defer srv.Close()
	c := openCache(t)
	ctx := context.Background()
	m := types.Model{ID: "tiny-q4", Repo: srv.URL + "/repo/", Files: []string{"a.gguf", "b.gguf"}}

	has, err := c.HasModel(ctx, m)
	require.NoError(t, err)
	assert.False(t, has)

	var first []types.InitProgress
	paths, err := c.Fetch(ctx, m, func(p types.InitProgress) { first = append(first, p) })
	require.NoError(t, err)
	require.Len(t, paths, 2)
	b, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, "shard-b", string(b))
	require.NotEmpty(t, first)
	for _, p := range first {
		assert.Equal(t, types.PhaseFetch, p.Phase)
		assert.True(t, strings.HasPrefix(p.Text, "Fetching param cache["), p.Text)
	}
	assert.InDelta(t, 1.0, first[len(first)-1].Progress, 1e-9)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))

	var second []types.InitProgress
	again, err := c.Fetch(ctx, m, func(p types.InitProgress) { second = append(second, p) })
	require.NoError(t, err)
	assert.Equal(t, paths, again)
	require.Len(t, second, 2)
	assert.Equal(t, types.PhaseCache, second[0].Phase)
	assert.True(t, strings.HasPrefix(second[0].Text, "Loading model from cache[1/2]"), second[0].Text)
	assert.Equal(t, 2, second[1].Shard)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits), "cached shards must not be refetched")

	has, err = c.HasModel(ctx, m)
	require.NoError(t, err)
	assert.True(t, has)
	ids, err := c.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tiny-q4"}, ids)

	require.NoError(t, c.DeleteModel(ctx, m))
	has, err = c.HasModel(ctx, m)
	require.NoError(t, err)
	assert.False(t, has)
	ids, err = c.Models(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFetch_MissingShardFailsWithoutIndexing(t *testing.T) {
	var hits int32
	srv := shardServer(t, &hits)
	defer srv.Close()
	c := openCache(t)
	ctx := context.Background()
	m := types.Model{ID: "broken", Repo: srv.URL + "/repo", Files: []string{"a.gguf", "missing.gguf"}}

	_, err := c.Fetch(ctx, m, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.gguf")
	ids, err := c.Models(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "a partial download is not a cached model")

	leftovers, _ := filepath.Glob(filepath.Join(c.Dir(), "broken", ".part-*"))
	assert.Empty(t, leftovers)
}

func TestFetch_LocalPath(t *testing.T) {
	c := openCache(t)
	p := filepath.Join(t.TempDir(), "m.gguf")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	var got []types.InitProgress
	paths, err := c.Fetch(context.Background(), types.Model{ID: "m.gguf", Path: p}, func(ip types.InitProgress) { got = append(got, ip) })
	require.NoError(t, err)
	assert.Equal(t, []string{p}, paths)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Shards)

	_, err = c.Fetch(context.Background(), types.Model{ID: "gone", Path: p + ".missing"}, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, c.DeleteModel(context.Background(), types.Model{ID: "m.gguf", Path: p}))
	_, err = os.Stat(p)
	assert.NoError(t, err, "local model files are never deleted")
}

func TestFetch_NoRepo(t *testing.T) {
	c := openCache(t)
	_, err := c.Fetch(context.Background(), types.Model{ID: "x", Files: []string{"a.gguf"}}, nil)
	assert.Error(t, err)
}
