// Package pagecache implements a cache-aside pager shared by message
// history, notification feeds and listing views.
//
// Pages are fetched through a caller-supplied function, written to a
// storage.Storage with a TTL under the list namespace (UserID, CacheKey) and
// merged into an accumulated, key-unique list. Only one load runs at a time per
// Cache; a load requested while another is in flight returns the current
// snapshot without fetching.
//
// With a plain FetchFunc, HasMore is inferred from len(items) == PageSize.
// That cannot tell "exactly one full page left" from "more pages exist", so
// totals that are an exact multiple of PageSize cost one extra, empty fetch.
// Sources that know better should use NewCounted with a CountedFetchFunc.
package pagecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/estate-realtime/storage"
)

const (
	DefaultPageSize = 20
	DefaultTTL      = 5 * time.Minute
)

// ErrClosed is returned by loads on a closed cache, including loads whose
// fetch completed after Close.
var ErrClosed = errors.New("pagecache: closed")

// ErrBusy is returned by Reload while another load holds the cache.
var ErrBusy = errors.New("pagecache: load in flight")

// FetchFunc loads one zero-based page of at most size items.
type FetchFunc[T any] func(ctx context.Context, page, size int) ([]T, error)

// CountedFetchFunc is a FetchFunc whose source reports whether further pages
// exist.
type CountedFetchFunc[T any] func(ctx context.Context, page, size int) (items []T, hasMore bool, err error)

// KeyFunc returns the identity used to deduplicate items across pages.
type KeyFunc[T any] func(T) string

// Config configures a Cache.
type Config struct {
	// UserID scopes cached pages to one user. Empty means shared.
	UserID string
	// CacheKey names the list, e.g. "messages:{conversationID}". Required.
	CacheKey string
	// PageSize defaults to DefaultPageSize.
	PageSize int
	// TTL of stored pages. Defaults to DefaultTTL.
	TTL time.Duration
	// Prefetch is how many pages after a freshly fetched page are loaded in
	// the background. Zero disables prefetching.
	Prefetch int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type storedPage[T any] struct {
	Items   []T  `json:"items"`
	HasMore bool `json:"hasMore"`
}

// Cache is a paginated view over one list.
type Cache[T any] struct {
	store storage.Storage
	cfg   Config
	fetch CountedFetchFunc[T]
	key   KeyFunc[T]
	log   *slog.Logger

	loading atomic.Bool
	closed  atomic.Bool
	// epoch changes on Refresh so stale prefetches do not repopulate pages.
	epoch atomic.Uint64

	mu       sync.Mutex
	items    []T
	seen     map[string]struct{}
	nextPage int
	hasMore  bool
	loaded   bool

	pfMu     sync.Mutex
	inflight map[int]chan struct{}
	pfWG     sync.WaitGroup
	pfCtx    context.Context
	pfCancel context.CancelFunc
}

// New creates a cache whose HasMore is inferred from page fullness.
func New[T any](store storage.Storage, cfg Config, fetch FetchFunc[T], key KeyFunc[T]) (*Cache[T], error) {
	if fetch == nil {
		return nil, fmt.Errorf("pagecache: fetch function is required")
	}
	size := cfg.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	counted := func(ctx context.Context, page, n int) ([]T, bool, error) {
		items, err := fetch(ctx, page, n)
		if err != nil {
			return nil, false, err
		}
		return items, len(items) == size, nil
	}
	return NewCounted(store, cfg, counted, key)
}

// NewCounted creates a cache that trusts the source's has-more flag.
func NewCounted[T any](store storage.Storage, cfg Config, fetch CountedFetchFunc[T], key KeyFunc[T]) (*Cache[T], error) {
	if store == nil {
		return nil, fmt.Errorf("pagecache: storage is required")
	}
	if fetch == nil || key == nil {
		return nil, fmt.Errorf("pagecache: fetch and key functions are required")
	}
	if cfg.CacheKey == "" {
		return nil, fmt.Errorf("pagecache: cache key is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Prefetch < 0 {
		cfg.Prefetch = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pfCtx, pfCancel := context.WithCancel(context.Background())
	return &Cache[T]{
		store:    store,
		cfg:      cfg,
		fetch:    fetch,
		key:      key,
		log:      cfg.Logger.With(slog.String("cache_key", cfg.CacheKey)),
		seen:     make(map[string]struct{}),
		inflight: make(map[int]chan struct{}),
		pfCtx:    pfCtx,
		pfCancel: pfCancel,
	}, nil
}

// LoadInitial returns page 0, from the store when cached and fresh, and
// resets the accumulated list to it.
func (c *Cache[T]) LoadInitial(ctx context.Context) ([]T, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !c.loading.CompareAndSwap(false, true) {
		return c.Items(), nil
	}
	defer c.loading.Store(false)
	return c.loadInitial(ctx)
}

// LoadMore appends the next page. It does nothing when HasMore is false.
func (c *Cache[T]) LoadMore(ctx context.Context) ([]T, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !c.loading.CompareAndSwap(false, true) {
		return c.Items(), nil
	}
	defer c.loading.Store(false)

	c.mu.Lock()
	if !c.loaded {
		c.mu.Unlock()
		return c.loadInitial(ctx)
	}
	if !c.hasMore {
		out := c.snapshotLocked()
		c.mu.Unlock()
		return out, nil
	}
	page := c.nextPage
	c.mu.Unlock()

	items, more, hit, err := c.loadPage(ctx, page)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mergeLocked(items)
	c.nextPage = page + 1
	c.hasMore = more
	out := c.snapshotLocked()
	c.mu.Unlock()

	if !hit && more {
		c.startPrefetch(page + 1)
	}
	return out, nil
}

// Refresh drops every cached page of the list and reloads page 0. While
// another load is in flight it returns the current items unchanged.
func (c *Cache[T]) Refresh(ctx context.Context) ([]T, error) {
	items, err := c.Reload(ctx)
	if errors.Is(err, ErrBusy) {
		return c.Items(), nil
	}
	return items, err
}

// Reload is Refresh for callers that must know the list was refetched: it
// fails with ErrBusy instead of returning a stale snapshot.
func (c *Cache[T]) Reload(ctx context.Context) ([]T, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !c.loading.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer c.loading.Store(false)

	c.epoch.Add(1)
	if err := c.store.Delete(ctx, c.namespace()); err != nil {
		return nil, fmt.Errorf("pagecache: invalidate %s: %w", c.cfg.CacheKey, err)
	}
	return c.loadInitial(ctx)
}

// Items returns a copy of the accumulated list.
func (c *Cache[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// HasMore reports whether LoadMore may return further items.
func (c *Cache[T]) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// Loading reports whether a load is in flight.
func (c *Cache[T]) Loading() bool {
	return c.loading.Load()
}

// Close disposes of the cache. Background prefetches are canceled and
// results of loads still in flight are discarded. The storage is not closed.
func (c *Cache[T]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.pfCancel()
	c.pfWG.Wait()
	return nil
}

func (c *Cache[T]) loadInitial(ctx context.Context) ([]T, error) {
	items, more, hit, err := c.loadPage(ctx, 0)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.items = nil
	c.seen = make(map[string]struct{}, len(items))
	c.mergeLocked(items)
	c.nextPage = 1
	c.hasMore = more
	c.loaded = true
	out := c.snapshotLocked()
	c.mu.Unlock()

	if !hit && more {
		c.startPrefetch(1)
	}
	return out, nil
}

// loadPage returns a page from the store or, on a miss, from the source.
// hit reports whether the store served it.
func (c *Cache[T]) loadPage(ctx context.Context, page int) (items []T, more, hit bool, err error) {
	if err := c.waitPrefetch(ctx, page); err != nil {
		return nil, false, false, err
	}

	if sp, ok := c.cached(ctx, page); ok {
		return sp.Items, sp.HasMore, true, nil
	}

	epoch := c.epoch.Load()
	items, more, err = c.fetch(ctx, page, c.cfg.PageSize)
	if err != nil {
		return nil, false, false, err
	}
	if c.closed.Load() {
		return nil, false, false, ErrClosed
	}
	if c.epoch.Load() == epoch {
		c.storePage(ctx, page, items, more)
	}
	return items, more, false, nil
}

func (c *Cache[T]) cached(ctx context.Context, page int) (storedPage[T], bool) {
	var sp storedPage[T]
	item, err := c.store.Get(ctx, pageKey(page), c.namespace())
	if err != nil {
		c.log.Warn("pagecache.get.fail", slog.Int("page", page), slog.String("err", err.Error()))
		return sp, false
	}
	if item == nil {
		return sp, false
	}
	if err := json.Unmarshal(item.Data, &sp); err != nil {
		c.log.Warn("pagecache.decode.fail", slog.Int("page", page), slog.String("err", err.Error()))
		return sp, false
	}
	return sp, true
}

func (c *Cache[T]) storePage(ctx context.Context, page int, items []T, more bool) {
	data, err := json.Marshal(storedPage[T]{Items: items, HasMore: more})
	if err != nil {
		c.log.Warn("pagecache.encode.fail", slog.Int("page", page), slog.String("err", err.Error()))
		return
	}
	if err := c.store.Set(ctx, pageKey(page), data, c.namespace(), storage.WithTTL(c.cfg.TTL)); err != nil {
		c.log.Warn("pagecache.store.fail", slog.Int("page", page), slog.String("err", err.Error()))
	}
}

// startPrefetch loads pages from..from+Prefetch-1 in the background, one after
// another, stopping at the first page that reports no successor. Pages
// already being prefetched are skipped.
func (c *Cache[T]) startPrefetch(from int) {
	if c.cfg.Prefetch == 0 || c.closed.Load() {
		return
	}
	epoch := c.epoch.Load()

	var pages []int
	c.pfMu.Lock()
	for p := from; p < from+c.cfg.Prefetch; p++ {
		if _, busy := c.inflight[p]; busy {
			continue
		}
		c.inflight[p] = make(chan struct{})
		pages = append(pages, p)
	}
	c.pfMu.Unlock()
	if len(pages) == 0 {
		return
	}

	c.pfWG.Add(1)
	go func() {
		defer c.pfWG.Done()
		ctx := c.pfCtx
		stop := false
		for _, p := range pages {
			if !stop {
				stop = !c.prefetchPage(ctx, p, epoch)
			}
			c.finishPrefetch(p)
		}
	}()
}

// prefetchPage reports whether prefetching should continue past page.
func (c *Cache[T]) prefetchPage(ctx context.Context, page int, epoch uint64) bool {
	if ctx.Err() != nil || c.epoch.Load() != epoch {
		return false
	}
	if sp, ok := c.cached(ctx, page); ok {
		return sp.HasMore
	}
	items, more, err := c.fetch(ctx, page, c.cfg.PageSize)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("pagecache.prefetch.fail", slog.Int("page", page), slog.String("err", err.Error()))
		}
		return false
	}
	if c.closed.Load() || c.epoch.Load() != epoch {
		return false
	}
	c.storePage(ctx, page, items, more)
	return more
}

func (c *Cache[T]) finishPrefetch(page int) {
	c.pfMu.Lock()
	ch, ok := c.inflight[page]
	delete(c.inflight, page)
	c.pfMu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *Cache[T]) waitPrefetch(ctx context.Context, page int) error {
	c.pfMu.Lock()
	ch := c.inflight[page]
	c.pfMu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache[T]) mergeLocked(items []T) {
	for _, it := range items {
		k := c.key(it)
		if _, dup := c.seen[k]; dup {
			continue
		}
		c.seen[k] = struct{}{}
		c.items = append(c.items, it)
	}
}

func (c *Cache[T]) snapshotLocked() []T {
	return append([]T(nil), c.items...)
}

func (c *Cache[T]) namespace() storage.Option {
	return storage.WithList(c.cfg.UserID, c.cfg.CacheKey)
}

func pageKey(page int) string {
	return "page:" + strconv.Itoa(page)
}
