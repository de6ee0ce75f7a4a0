// Package modelcache downloads model shards into a local directory and keeps
// an index of complete downloads in SQLite, so later loads read from disk.
package modelcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"pocketd/internal/common/fsutil"
	"pocketd/pkg/types"
)

const schema = `CREATE TABLE IF NOT EXISTS shards (
	model_id   TEXT    NOT NULL,
	idx        INTEGER NOT NULL,
	total      INTEGER NOT NULL,
	file       TEXT    NOT NULL,
	path       TEXT    NOT NULL,
	bytes      INTEGER NOT NULL,
	fetched_at INTEGER NOT NULL,
	PRIMARY KEY (model_id, idx)
)`

// Cache is a shard store rooted at a directory.
type Cache struct {
	dir    string
	db     *sql.DB
	http   *http.Client
	logger zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient replaces the client used for downloads.
func WithHTTPClient(h *http.Client) Option { return func(c *Cache) { c.http = h } }

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.logger = l.With().Str("component", "modelcache").Logger() }
}

// Open opens (or creates) the cache in dir.
func Open(dir string, opts ...Option) (*Cache, error) {
	abs, err := fsutil.Resolve(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(abs, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("preparing cache index: %w", err)
		}
	}
	c := &Cache{
		dir:    abs,
		db:     db,
		http:   &http.Client{},
		logger: zerolog.Nop(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Close closes the index.
func (c *Cache) Close() error { return c.db.Close() }

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) lock(id string) func() {
	c.locksMu.Lock()
	mu, ok := c.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[id] = mu
	}
	c.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (c *Cache) modelDir(id string) string {
	r := strings.NewReplacer("/", "_", `\`, "_", "..", "_", ":", "_")
	return filepath.Join(c.dir, r.Replace(id))
}

type shardRow struct {
	path  string
	bytes int64
}

func (c *Cache) rows(ctx context.Context, id string, total int) (map[int]shardRow, error) {
	rs, err := c.db.QueryContext(ctx, `SELECT idx, path, bytes FROM shards WHERE model_id = ? AND total = ?`, id, total)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	out := make(map[int]shardRow)
	for rs.Next() {
		var idx int
		var r shardRow
		if err := rs.Scan(&idx, &r.path, &r.bytes); err != nil {
			return nil, err
		}
		if fsutil.IsFile(r.path) {
			out[idx] = r
		}
	}
	return out, rs.Err()
}

// HasModel reports whether every shard of m is present.
func (c *Cache) HasModel(ctx context.Context, m types.Model) (bool, error) {
	if m.Path != "" {
		return fsutil.IsFile(m.Path), nil
	}
	if len(m.Files) == 0 {
		return false, nil
	}
	rows, err := c.rows(ctx, m.ID, len(m.Files))
	if err != nil {
		return false, err
	}
	return len(rows) == len(m.Files), nil
}

// Models lists ids with a complete set of indexed shards.
func (c *Cache) Models(ctx context.Context) ([]string, error) {
	rs, err := c.db.QueryContext(ctx, `SELECT model_id FROM shards GROUP BY model_id HAVING COUNT(*) = MAX(total) ORDER BY model_id`)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	var ids []string
	for rs.Next() {
		var id string
		if err := rs.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rs.Err()
}

// DeleteModel removes every cached shard of m. Local models are never deleted.
func (c *Cache) DeleteModel(ctx context.Context, m types.Model) error {
	if m.Path != "" {
		return nil
	}
	return c.Delete(ctx, m.ID)
}

// Delete removes every cached shard of the model id.
func (c *Cache) Delete(ctx context.Context, id string) error {
	defer c.lock(id)()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM shards WHERE model_id = ?`, id); err != nil {
		return fmt.Errorf("delete %s from index: %w", id, err)
	}
	if err := os.RemoveAll(c.modelDir(id)); err != nil {
		return fmt.Errorf("delete %s shards: %w", id, err)
	}
	c.logger.Info().Str("model", id).Msg("cache_delete")
	return nil
}

// Fetch makes every shard of m available locally and returns their paths in
// order. Reports use "Fetching param cache[K/N]" while downloading and
// "Loading model from cache[K/N]" when every shard is already present.
func (c *Cache) Fetch(ctx context.Context, m types.Model, report func(types.InitProgress)) ([]string, error) {
	start := time.Now()
	emit := func(p types.InitProgress) {
		if report != nil {
			p.TimeElapsed = time.Since(start).Seconds()
			report(p)
		}
	}
	if m.Path != "" {
		if !fsutil.IsFile(m.Path) {
			return nil, fmt.Errorf("model file %s: %w", m.Path, os.ErrNotExist)
		}
		emit(types.InitProgress{
			Phase: types.PhaseCache, Shard: 1, Shards: 1, Progress: 1,
			Text: fmt.Sprintf("Loading model from cache[1/1]: %s", filepath.Base(m.Path)),
		})
		return []string{m.Path}, nil
	}
	n := len(m.Files)
	if n == 0 {
		return nil, fmt.Errorf("model %s has no files", m.ID)
	}
	defer c.lock(m.ID)()

	cached, err := c.rows(ctx, m.ID, n)
	if err != nil {
		return nil, fmt.Errorf("read cache index: %w", err)
	}
	paths := make([]string, n)
	if len(cached) == n {
		var loaded int64
		for i := 0; i < n; i++ {
			paths[i] = cached[i].path
			loaded += cached[i].bytes
			emit(types.InitProgress{
				Phase: types.PhaseCache, Shard: i + 1, Shards: n,
				Progress: float64(i+1) / float64(n),
				Text: fmt.Sprintf("Loading model from cache[%d/%d]: %dMB loaded. %d%% completed, %d secs elapsed.",
					i+1, n, loaded>>20, (i+1)*100/n, int(time.Since(start).Seconds())),
			})
		}
		return paths, nil
	}

	if m.Repo == "" && !hasAbsoluteURLs(m.Files) {
		return nil, fmt.Errorf("model %s is not cached and has no repo", m.ID)
	}
	var fetched int64
	for i, f := range m.Files {
		if r, ok := cached[i]; ok {
			paths[i] = r.path
			fetched += r.bytes
			continue
		}
		shard := i
		p, size, err := c.download(ctx, m, shard, func(done, total int64) {
			frac := (float64(shard) + fraction(done, total)) / float64(n)
			emit(types.InitProgress{
				Phase: types.PhaseFetch, Shard: shard + 1, Shards: n, Progress: frac,
				Text: fmt.Sprintf("Fetching param cache[%d/%d]: %dMB fetched. %d%% completed, %d secs elapsed. "+
					"It can take a while the first time a model is loaded. Later loads will be faster.",
					shard+1, n, (fetched+done)>>20, int(frac*100), int(time.Since(start).Seconds())),
			})
		})
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", f, err)
		}
		fetched += size
		paths[i] = p
		emit(types.InitProgress{
			Phase: types.PhaseFetch, Shard: i + 1, Shards: n, Progress: float64(i+1) / float64(n),
			Text: fmt.Sprintf("Fetching param cache[%d/%d]: %dMB fetched. %d%% completed, %d secs elapsed.",
				i+1, n, fetched>>20, (i+1)*100/n, int(time.Since(start).Seconds())),
		})
	}
	c.logger.Info().Str("model", m.ID).Int("shards", n).Int64("bytes", fetched).Dur("elapsed", time.Since(start)).Msg("cache_fill")
	return paths, nil
}

// fraction is done/size clamped to [0, 1]; 0 when size is unknown.
func fraction(done, size int64) float64 {
	if size <= 0 || done <= 0 {
		return 0
	}
	if done >= size {
		return 1
	}
	return float64(done) / float64(size)
}

func hasAbsoluteURLs(files []string) bool {
	for _, f := range files {
		if !isURL(f) {
			return false
		}
	}
	return len(files) > 0
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func shardURL(repo, file string) string {
	if isURL(file) {
		return file
	}
	return strings.TrimRight(repo, "/") + "/" + strings.TrimLeft(file, "/")
}

func (c *Cache) download(ctx context.Context, m types.Model, idx int, onBytes func(done, total int64)) (string, int64, error) {
	file := m.Files[idx]
	url := shardURL(m.Repo, file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	dir := c.modelDir(m.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return "", 0, err
	}
	pr := &progressReader{r: resp.Body, size: resp.ContentLength, onBytes: onBytes}
	n, copyErr := io.Copy(tmp, pr)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, err
	}
	dst := filepath.Join(dir, filepath.Base(file))
	if err := fsutil.CommitTemp(tmp.Name(), dst); err != nil {
		return "", 0, err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO shards (model_id, idx, total, file, path, bytes, fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, idx, len(m.Files), file, dst, n, time.Now().Unix())
	if err != nil {
		return "", 0, fmt.Errorf("index shard: %w", err)
	}
	c.logger.Debug().Str("model", m.ID).Int("shard", idx+1).Int64("bytes", n).Msg("shard_fetched")
	return dst, n, nil
}

// progressReader reports cumulative bytes at most once per MiB.
type progressReader struct {
	r        io.Reader
	size     int64
	read     int64
	reported int64
	onBytes  func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.onBytes != nil && p.read-p.reported >= 1<<20 {
		p.reported = p.read
		p.onBytes(p.read, p.size)
	}
	return n, err
}
