// Package asset caches generated and downloaded media on disk and renders it
// for clients.
package asset

import (
	"bytes"
	"container/list"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/common/logger"
)

const (
	KindImage = "image"
	KindVideo = "video"

	tmpSuffix = ".tmp"
)

var (
	// ErrMiss is returned by Get for keys that are not cached. It is not a failure.
	ErrMiss = errors.New("asset not cached")
	// ErrInvalidKey rejects keys outside kind/name.
	ErrInvalidKey = errors.New("invalid asset key")
	// ErrTooLarge rejects a payload that alone exceeds the cache limit.
	ErrTooLarge = errors.New("asset larger than cache limit")
)

// Entry describes one cached file.
type Entry struct {
	Key            string    `json:"key"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Kind is the first key segment.
func (e Entry) Kind() string {
	kind, _, _ := strings.Cut(e.Key, "/")
	return kind
}

// Name is the file name within its kind.
func (e Entry) Name() string {
	_, name, _ := strings.Cut(e.Key, "/")
	return name
}

// Key joins a kind and file name.
func Key(kind, name string) string {
	return kind + "/" + name
}

func splitKey(key string) (kind, name string, err error) {
	kind, name, ok := strings.Cut(key, "/")
	if !ok || name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." ||
		strings.HasSuffix(name, tmpSuffix) {
		return "", "", errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	if kind != KindImage && kind != KindVideo {
		return "", "", errors.Wrapf(ErrInvalidKey, "unknown kind %q", kind)
	}
	return kind, name, nil
}

// Limits is consulted after every put, so settings changes apply immediately.
type Limits func() (maxBytes int64, autoClean bool)

// EvictHook observes evictions.
type EvictHook func(e Entry)

// Cache is a size-bounded LRU of files under dir/image and dir/video. An
// entry is visible only after its file was fully written and renamed into
// place.
type Cache struct {
	dir     string
	limits  Limits
	onEvict EvictHook
	now     func() time.Time

	mu      sync.Mutex
	lru     *list.List // front is most recently used
	entries map[string]*list.Element
	size    int64
}

type CacheOption func(*Cache)

func WithEvictHook(h EvictHook) CacheOption {
	return func(c *Cache) { c.onEvict = h }
}

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// OpenCache prepares dir and indexes files left from a previous run,
// ordered by modification time.
func OpenCache(dir string, limits Limits, opts ...CacheOption) (*Cache, error) {
	c := &Cache{
		dir:     dir,
		limits:  limits,
		now:     time.Now,
		lru:     list.New(),
		entries: map[string]*list.Element{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.rebuild(); err != nil {
		return nil, errors.WithStack(err)
	}
	return c, nil
}

func (c *Cache) rebuild() error {
	var found []Entry
	for _, kind := range []string{KindImage, KindVideo} {
		kdir := filepath.Join(c.dir, kind)
		if err := os.MkdirAll(kdir, 0o755); err != nil {
			return errors.Wrapf(err, "create cache dir %s", kdir)
		}
		items, err := os.ReadDir(kdir)
		if err != nil {
			return errors.Wrapf(err, "read cache dir %s", kdir)
		}
		for _, item := range items {
			if item.IsDir() {
				continue
			}
			full := filepath.Join(kdir, item.Name())
			if strings.HasSuffix(item.Name(), tmpSuffix) {
				_ = os.Remove(full)
				continue
			}
			info, err := item.Info()
			if err != nil {
				continue
			}
			found = append(found, Entry{
				Key:            Key(kind, item.Name()),
				Size:           info.Size(),
				CreatedAt:      info.ModTime(),
				LastAccessedAt: info.ModTime(),
			})
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].LastAccessedAt.After(found[j].LastAccessedAt)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range found {
		entry := e
		c.entries[e.Key] = c.lru.PushBack(&entry)
		c.size += e.Size
	}
	if len(found) > 0 {
		logger.Logger.Info("asset cache indexed",
			zap.Int("files", len(found)), zap.Int64("bytes", c.size))
	}
	return nil
}

func (c *Cache) path(kind, name string) string {
	return filepath.Join(c.dir, kind, name)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// Put stores r under key. On any error, including cancellation, nothing is
// left behind and a previous entry for key stays intact.
func (c *Cache) Put(ctx context.Context, key string, r io.Reader) (Entry, error) {
	kind, name, err := splitKey(key)
	if err != nil {
		return Entry{}, err
	}

	tmp, err := os.CreateTemp(filepath.Join(c.dir, kind), name+".*"+tmpSuffix)
	if err != nil {
		return Entry{}, errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	var src io.Reader = ctxReader{ctx: ctx, r: r}
	limit := c.limit()
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Entry{}, errors.Wrapf(err, "write asset %s", key)
	}
	if limit > 0 && n > limit {
		return Entry{}, errors.Wrapf(ErrTooLarge, "%s exceeds %d bytes", key, limit)
	}
	if err = ctx.Err(); err != nil {
		return Entry{}, errors.WithStack(err)
	}

	now := c.now()
	c.mu.Lock()
	if err = os.Rename(tmpName, c.path(kind, name)); err != nil {
		c.mu.Unlock()
		return Entry{}, errors.Wrapf(err, "commit asset %s", key)
	}
	committed = true

	if el, ok := c.entries[key]; ok {
		c.size -= el.Value.(*Entry).Size
		c.lru.Remove(el)
	}
	entry := &Entry{Key: key, Size: n, CreatedAt: now, LastAccessedAt: now}
	c.entries[key] = c.lru.PushFront(entry)
	c.size += n
	out := *entry
	evicted := c.evictLocked()
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return out, nil
}

// PutBytes is Put for an in-memory payload.
func (c *Cache) PutBytes(ctx context.Context, key string, data []byte) (Entry, error) {
	return c.Put(ctx, key, bytes.NewReader(data))
}

// Get opens a cached file and marks it recently used.
func (c *Cache) Get(key string) (*os.File, Entry, error) {
	kind, name, err := splitKey(key)
	if err != nil {
		return nil, Entry{}, err
	}

	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, Entry{}, ErrMiss
	}
	f, err := os.Open(c.path(kind, name))
	if err != nil {
		// removed behind our back
		c.removeLocked(el)
		c.mu.Unlock()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Entry{}, ErrMiss
		}
		return nil, Entry{}, errors.Wrapf(err, "open asset %s", key)
	}
	entry := el.Value.(*Entry)
	entry.LastAccessedAt = c.now()
	c.lru.MoveToFront(el)
	out := *entry
	c.mu.Unlock()
	return f, out, nil
}

// Has reports whether key is cached without touching its recency.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Evict drops least recently used entries until the cache fits its limit.
func (c *Cache) Evict() int {
	c.mu.Lock()
	evicted := c.evictLocked()
	c.mu.Unlock()
	c.notifyEvicted(evicted)
	return len(evicted)
}

// limit is the enforced byte limit, or 0 when nothing is evicted.
func (c *Cache) limit() int64 {
	if c.limits == nil {
		return 0
	}
	limit, autoClean := c.limits()
	if !autoClean || limit <= 0 {
		return 0
	}
	return limit
}

func (c *Cache) evictLocked() []Entry {
	limit := c.limit()
	if limit <= 0 {
		return nil
	}

	var evicted []Entry
	for el := c.lru.Back(); el != nil && c.size > limit; {
		prev := el.Prev()
		evicted = append(evicted, *el.Value.(*Entry))
		c.removeLocked(el)
		el = prev
	}
	return evicted
}

func (c *Cache) removeLocked(el *list.Element) {
	entry := el.Value.(*Entry)
	c.lru.Remove(el)
	delete(c.entries, entry.Key)
	c.size -= entry.Size
	kind, name, _ := strings.Cut(entry.Key, "/")
	if err := os.Remove(c.path(kind, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Logger.Warn("remove cached asset", zap.String("key", entry.Key), zap.Error(err))
	}
}

func (c *Cache) notifyEvicted(evicted []Entry) {
	if len(evicted) == 0 {
		return
	}
	var freed int64
	for _, e := range evicted {
		freed += e.Size
		if c.onEvict != nil {
			c.onEvict(e)
		}
	}
	logger.Logger.Info("asset cache evicted",
		zap.Int("files", len(evicted)), zap.Int64("bytes", freed))
}

// Delete removes one entry. Missing keys are ignored.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if ok {
		c.removeLocked(el)
	}
	return ok
}

// Clear removes every entry of kind, or of all kinds when kind is empty.
func (c *Cache) Clear(kind string) (files int, freed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*Entry)
		if kind == "" || entry.Kind() == kind {
			files++
			freed += entry.Size
			c.removeLocked(el)
		}
		el = next
	}
	return files, freed
}

// Stats summarizes the cache per kind.
type Stats struct {
	Files  int            `json:"files"`
	Bytes  int64          `json:"bytes"`
	ByKind map[string]int `json:"by_kind"`
	Limit  int64          `json:"limit_bytes"`
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{Files: len(c.entries), Bytes: c.size, ByKind: map[string]int{KindImage: 0, KindVideo: 0}}
	for key := range c.entries {
		kind, _, _ := strings.Cut(key, "/")
		st.ByKind[kind]++
	}
	if c.limits != nil {
		st.Limit, _ = c.limits()
	}
	return st
}

// List returns entries of kind, most recently used first, paged from 1.
func (c *Cache) List(kind string, page, pageSize int) (items []Entry, total int) {
	page = max(page, 1)
	if pageSize <= 0 {
		pageSize = 50
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	skip := (page - 1) * pageSize
	for el := c.lru.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*Entry)
		if kind != "" && entry.Kind() != kind {
			continue
		}
		total++
		if total > skip && len(items) < pageSize {
			items = append(items, *entry)
		}
	}
	return items, total
}
