package asset

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func fixedLimit(n int64) Limits {
	return func() (int64, bool) { return n, true }
}

func newCache(t *testing.T, limit int64, opts ...CacheOption) *Cache {
	t.Helper()
	clock := &stepClock{t: time.Unix(1_700_000_000, 0)}
	opts = append([]CacheOption{WithCacheClock(clock.now)}, opts...)
	c, err := OpenCache(t.TempDir(), fixedLimit(limit), opts...)
	require.NoError(t, err)
	return c
}

func readAll(t *testing.T, c *Cache, key string) string {
	t.Helper()
	f, _, err := c.Get(key)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestCachePutGet(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1<<20)

	entry, err := c.PutBytes(ctx, "image/a.jpg", []byte("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, entry.Size)
	assert.Equal(t, "image", entry.Kind())
	assert.Equal(t, "a.jpg", entry.Name())
	assert.Equal(t, "hello", readAll(t, c, "image/a.jpg"))

	_, _, err = c.Get("image/missing.jpg")
	assert.ErrorIs(t, err, ErrMiss)

	_, err = c.PutBytes(ctx, "image/a.jpg", []byte("hi"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.Stats().Bytes)
	assert.Equal(t, 1, c.Stats().Files)
}

func TestCacheRejectsBadKeys(t *testing.T) {
	c := newCache(t, 1<<20)
	for _, key := range []string{"image", "image/", "other/a", "image/../x", "image/a/b", "image/x.tmp"} {
		_, err := c.PutBytes(context.Background(), key, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	var evicted []string
	c := newCache(t, 10, WithEvictHook(func(e Entry) { evicted = append(evicted, e.Key) }))

	for _, k := range []string{"image/a", "image/b", "image/c"} {
		_, err := c.PutBytes(ctx, k, []byte("xxx"))
		require.NoError(t, err)
	}
	// touch a so b becomes the oldest
	readAll(t, c, "image/a")

	_, err := c.PutBytes(ctx, "video/d", []byte("xxx"))
	require.NoError(t, err)

	assert.Equal(t, []string{"image/b"}, evicted)
	assert.False(t, c.Has("image/b"))
	assert.True(t, c.Has("image/a"))
	assert.LessOrEqual(t, c.Stats().Bytes, int64(10))
	_, statErr := os.Stat(filepath.Join(c.dir, "image", "b"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCacheRejectsOversizedEntry(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 4)
	_, err := c.PutBytes(ctx, "image/a", []byte("aa"))
	require.NoError(t, err)
	_, err = c.PutBytes(ctx, "image/big", []byte("0123456789"))
	require.ErrorIs(t, err, ErrTooLarge)

	assert.True(t, c.Has("image/a"))
	assert.False(t, c.Has("image/big"))
	assert.LessOrEqual(t, c.Stats().Bytes, int64(4))
	entries, err := os.ReadDir(filepath.Join(c.dir, "image"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Name())

	// an entry exactly at the limit fits
	_, err = c.PutBytes(ctx, "image/four", []byte("1234"))
	require.NoError(t, err)
	assert.False(t, c.Has("image/a"))
	assert.EqualValues(t, 4, c.Stats().Bytes)
}

func TestCacheNoEvictionWhenAutoCleanOff(t *testing.T) {
	c, err := OpenCache(t.TempDir(), func() (int64, bool) { return 1, false })
	require.NoError(t, err)
	for _, k := range []string{"image/a", "image/b"} {
		_, err = c.PutBytes(context.Background(), k, []byte("xx"))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Stats().Files)
	assert.Zero(t, c.Evict())
}

type failingReader struct{ n int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, errors.New("connection reset")
	}
	r.n--
	p[0] = 'x'
	return 1, nil
}

func TestCachePutIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1<<20)
	_, err := c.PutBytes(ctx, "video/v.mp4", []byte("old"))
	require.NoError(t, err)

	_, err = c.Put(ctx, "video/v.mp4", &failingReader{n: 3})
	require.Error(t, err)
	assert.Equal(t, "old", readAll(t, c, "video/v.mp4"))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.Put(cctx, "video/w.mp4", strings.NewReader("data"))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.Has("video/w.mp4"))

	items, err := os.ReadDir(filepath.Join(c.dir, "video"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "v.mp4", items[0].Name())
}

func TestCacheRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "image"), 0o755))
	old := filepath.Join(dir, "image", "old.jpg")
	recent := filepath.Join(dir, "image", "recent.jpg")
	require.NoError(t, os.WriteFile(old, []byte("aaaa"), 0o644))
	require.NoError(t, os.WriteFile(recent, []byte("bbbb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image", "half.jpg.123.tmp"), []byte("x"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	c, err := OpenCache(dir, fixedLimit(6))
	require.NoError(t, err)
	st := c.Stats()
	assert.Equal(t, 2, st.Files)
	assert.EqualValues(t, 8, st.Bytes)

	// the stale temp file is gone
	_, err = os.Stat(filepath.Join(dir, "image", "half.jpg.123.tmp"))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, 1, c.Evict())
	assert.False(t, c.Has("image/old.jpg"))
	assert.True(t, c.Has("image/recent.jpg"))
}

func TestCacheListAndClear(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 1<<20)
	for _, k := range []string{"image/1", "image/2", "image/3", "video/1"} {
		_, err := c.PutBytes(ctx, k, []byte("x"))
		require.NoError(t, err)
	}

	items, total := c.List(KindImage, 1, 2)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, "image/3", items[0].Key)

	items, _ = c.List(KindImage, 2, 2)
	require.Len(t, items, 1)
	assert.Equal(t, "image/1", items[0].Key)

	files, freed := c.Clear(KindImage)
	assert.Equal(t, 3, files)
	assert.EqualValues(t, 3, freed)
	assert.Equal(t, map[string]int{KindImage: 0, KindVideo: 1}, c.Stats().ByKind)
	assert.True(t, c.Delete("video/1"))
	assert.False(t, c.Delete("video/1"))
}
