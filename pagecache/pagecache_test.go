package pagecache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/estate-realtime/storage"
	"github.com/ggoodman/estate-realtime/storage/memory"
)

type item struct {
	ID string `json:"id"`
}

func itemKey(it item) string { return it.ID }

// source serves a fixed list of ids and counts fetches per page.
type source struct {
	mu    sync.Mutex
	ids   []string
	calls map[int]int
	fail  map[int]int // page -> remaining failures
	gate  chan struct{}
}

func newSource(n int) *source {
	s := &source{calls: make(map[int]int), fail: make(map[int]int)}
	for i := 0; i < n; i++ {
		s.ids = append(s.ids, fmt.Sprintf("i%d", i))
	}
	return s
}

func (s *source) fetch(ctx context.Context, page, size int) ([]item, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[page]++
	if s.fail[page] > 0 {
		s.fail[page]--
		return nil, errors.New("source unavailable")
	}
	start := page * size
	if start >= len(s.ids) {
		return []item{}, nil
	}
	end := min(start+size, len(s.ids))
	out := make([]item, 0, end-start)
	for _, id := range s.ids[start:end] {
		out = append(out, item{ID: id})
	}
	return out, nil
}

func (s *source) callsFor(page int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[page]
}

func (s *source) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func newStore(t *testing.T) storage.Storage {
	t.Helper()
	st, err := memory.New(1000)
	if err != nil {
		t.Fatalf("memory.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newCache(t *testing.T, st storage.Storage, src *source, cfg Config) *Cache[item] {
	t.Helper()
	if cfg.CacheKey == "" {
		cfg.CacheKey = "listings"
	}
	c, err := New(st, cfg, src.fetch, itemKey)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ids(items []item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestLoadInitial_FetchesOnceWithinTTL(t *testing.T) {
	src := newSource(10)
	c := newCache(t, newStore(t), src, Config{UserID: "u1", PageSize: 5, TTL: time.Minute})
	ctx := context.Background()

	first, err := c.LoadInitial(ctx)
	if err != nil {
		t.Fatalf("LoadInitial() failed: %v", err)
	}
	second, err := c.LoadInitial(ctx)
	if err != nil {
		t.Fatalf("second LoadInitial() failed: %v", err)
	}
	if got := src.callsFor(0); got != 1 {
		t.Fatalf("fetch called %d times for page 0, want 1", got)
	}
	if !slices.Equal(ids(first), ids(second)) {
		t.Fatalf("cached page differs: %v vs %v", ids(first), ids(second))
	}
}

func TestLoadInitial_SharedAcrossInstances(t *testing.T) {
	src := newSource(10)
	st := newStore(t)
	ctx := context.Background()

	a := newCache(t, st, src, Config{UserID: "u1", PageSize: 5})
	b := newCache(t, st, src, Config{UserID: "u1", PageSize: 5})
	if _, err := a.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial() failed: %v", err)
	}
	if _, err := b.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial() failed: %v", err)
	}
	if got := src.callsFor(0); got != 1 {
		t.Fatalf("fetch called %d times, want 1", got)
	}

	other := newCache(t, st, src, Config{UserID: "u2", PageSize: 5})
	if _, err := other.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial() failed: %v", err)
	}
	if got := src.callsFor(0); got != 2 {
		t.Fatalf("other user's cache should miss; calls = %d", got)
	}
}

func TestLoadInitial_RefetchesAfterTTL(t *testing.T) {
	src := newSource(10)
	c := newCache(t, newStore(t), src, Config{PageSize: 5, TTL: 50 * time.Millisecond})
	ctx := context.Background()

	_, _ = c.LoadInitial(ctx)
	time.Sleep(80 * time.Millisecond)
	_, _ = c.LoadInitial(ctx)

	if got := src.callsFor(0); got != 2 {
		t.Fatalf("fetch called %d times, want 2", got)
	}
}

func TestRefresh_InvalidatesAllPages(t *testing.T) {
	src := newSource(10)
	st := newStore(t)
	c := newCache(t, st, src, Config{UserID: "u1", PageSize: 5})
	ctx := context.Background()

	_, _ = c.LoadInitial(ctx)
	_, _ = c.LoadMore(ctx)
	if got := src.total(); got != 2 {
		t.Fatalf("expected 2 fetches before refresh, got %d", got)
	}

	items, err := c.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("Refresh() returned %d items, want 5", len(items))
	}
	if got := src.callsFor(0); got != 2 {
		t.Fatalf("page 0 fetched %d times, want 2", got)
	}
	if item, _ := st.Get(ctx, pageKey(1), storage.WithList("u1", "listings")); item != nil {
		t.Fatal("page 1 should have been invalidated")
	}
}

func TestLoadMore_DeduplicatesAcrossPages(t *testing.T) {
	st := newStore(t)
	pages := [][]item{
		{{ID: "a"}, {ID: "b"}},
		{{ID: "b"}, {ID: "c"}},
		{{ID: "a"}},
	}
	fetch := func(_ context.Context, page, _ int) ([]item, error) {
		if page >= len(pages) {
			return nil, nil
		}
		return pages[page], nil
	}
	c, err := New(st, Config{CacheKey: "feed", PageSize: 2}, fetch, itemKey)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	_, _ = c.LoadInitial(ctx)
	got, err := c.LoadMore(ctx)
	if err != nil {
		t.Fatalf("LoadMore() failed: %v", err)
	}
	if want := []string{"a", "b", "c"}; !slices.Equal(ids(got), want) {
		t.Fatalf("merged = %v, want %v", ids(got), want)
	}
	got, _ = c.LoadMore(ctx)
	if want := []string{"a", "b", "c"}; !slices.Equal(ids(got), want) {
		t.Fatalf("merged = %v, want %v", ids(got), want)
	}
	if c.HasMore() {
		t.Fatal("short page should clear HasMore")
	}
}

func TestHasMore_HeuristicCostsOneEmptyFetchAtExactBoundary(t *testing.T) {
	src := newSource(4)
	c := newCache(t, newStore(t), src, Config{PageSize: 2})
	ctx := context.Background()

	_, _ = c.LoadInitial(ctx)
	_, _ = c.LoadMore(ctx)
	if !c.HasMore() {
		t.Fatal("full last page is indistinguishable from more data")
	}
	items, _ := c.LoadMore(ctx)
	if len(items) != 4 {
		t.Fatalf("got %d items, want 4", len(items))
	}
	if c.HasMore() {
		t.Fatal("empty page should clear HasMore")
	}
	if got := src.callsFor(2); got != 1 {
		t.Fatalf("expected one empty fetch for page 2, got %d", got)
	}

	_, _ = c.LoadMore(ctx)
	if got := src.total(); got != 3 {
		t.Fatalf("LoadMore() without HasMore fetched; total calls = %d", got)
	}
}

func TestNewCounted_UsesExplicitHasMore(t *testing.T) {
	src := newSource(4)
	fetch := func(ctx context.Context, page, size int) ([]item, bool, error) {
		items, err := src.fetch(ctx, page, size)
		return items, (page+1)*size < 4, err
	}
	c, err := NewCounted(newStore(t), Config{CacheKey: "counted", PageSize: 2}, fetch, itemKey)
	if err != nil {
		t.Fatalf("NewCounted() failed: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	_, _ = c.LoadInitial(ctx)
	_, _ = c.LoadMore(ctx)
	if c.HasMore() {
		t.Fatal("explicit flag should report no more pages")
	}
	_, _ = c.LoadMore(ctx)
	if got := src.callsFor(2); got != 0 {
		t.Fatalf("no fetch expected past the end, got %d", got)
	}
}

func TestLoad_ConcurrentCallIsNoop(t *testing.T) {
	src := newSource(10)
	src.gate = make(chan struct{})
	c := newCache(t, newStore(t), src, Config{PageSize: 5})
	ctx := context.Background()

	done := make(chan []item, 1)
	go func() {
		items, _ := c.LoadInitial(ctx)
		done <- items
	}()

	deadline := time.Now().Add(time.Second)
	for !c.Loading() {
		if time.Now().After(deadline) {
			t.Fatal("first load never started")
		}
		time.Sleep(time.Millisecond)
	}

	items, err := c.LoadInitial(ctx)
	if err != nil {
		t.Fatalf("concurrent LoadInitial() failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("concurrent call should return the current (empty) snapshot, got %d items", len(items))
	}
	if more, _ := c.LoadMore(ctx); len(more) != 0 {
		t.Fatal("concurrent LoadMore() should be a no-op")
	}

	close(src.gate)
	if got := <-done; len(got) != 5 {
		t.Fatalf("first load returned %d items, want 5", len(got))
	}
	if got := src.total(); got != 1 {
		t.Fatalf("fetch called %d times, want 1", got)
	}
}

func TestReload_ReportsBusyInsteadOfSnapshot(t *testing.T) {
	src := newSource(10)
	src.gate = make(chan struct{})
	c := newCache(t, newStore(t), src, Config{PageSize: 5})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.LoadMore(ctx)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for !c.Loading() {
		if time.Now().After(deadline) {
			t.Fatal("first load never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := c.Reload(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("Reload() during a load = %v, want ErrBusy", err)
	}
	if _, err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() during a load should stay a no-op, got %v", err)
	}

	close(src.gate)
	if err := <-done; err != nil {
		t.Fatalf("LoadMore() failed: %v", err)
	}
	items, err := c.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload() after the load failed: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("Reload() returned %d items, want 5", len(items))
	}
	if got := src.callsFor(0); got != 2 {
		t.Fatalf("page 0 fetched %d times, want 2", got)
	}
}

func TestPrefetch_WarmsNextPages(t *testing.T) {
	src := newSource(20)
	c := newCache(t, newStore(t), src, Config{PageSize: 5, Prefetch: 2})
	ctx := context.Background()

	if _, err := c.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial() failed: %v", err)
	}
	if _, err := c.LoadMore(ctx); err != nil {
		t.Fatalf("LoadMore() failed: %v", err)
	}
	items, err := c.LoadMore(ctx)
	if err != nil {
		t.Fatalf("LoadMore() failed: %v", err)
	}
	if len(items) != 15 {
		t.Fatalf("got %d items, want 15", len(items))
	}
	for page := 1; page <= 2; page++ {
		if got := src.callsFor(page); got != 1 {
			t.Fatalf("page %d fetched %d times, want 1", page, got)
		}
	}
}

func TestPrefetch_FailureIsNotCached(t *testing.T) {
	src := newSource(10)
	src.fail[1] = 1
	c := newCache(t, newStore(t), src, Config{PageSize: 5, Prefetch: 1})
	ctx := context.Background()

	_, _ = c.LoadInitial(ctx)
	items, err := c.LoadMore(ctx)
	if err != nil {
		t.Fatalf("LoadMore() failed: %v", err)
	}
	if len(items) != 10 {
		t.Fatalf("got %d items, want 10", len(items))
	}
	if got := src.callsFor(1); got != 2 {
		t.Fatalf("page 1 fetched %d times, want 2 (failed prefetch then retry)", got)
	}
}

func TestLoadMore_FailurePreservesState(t *testing.T) {
	src := newSource(10)
	c := newCache(t, newStore(t), src, Config{PageSize: 5})
	ctx := context.Background()

	before, _ := c.LoadInitial(ctx)
	src.mu.Lock()
	src.fail[1] = 1
	src.mu.Unlock()

	if _, err := c.LoadMore(ctx); err == nil {
		t.Fatal("expected LoadMore() to fail")
	}
	if !slices.Equal(ids(c.Items()), ids(before)) {
		t.Fatalf("state changed after failed load: %v", ids(c.Items()))
	}
	if !c.HasMore() {
		t.Fatal("HasMore should be unchanged after failure")
	}
	if _, err := c.LoadMore(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(c.Items()) != 10 {
		t.Fatalf("got %d items after retry, want 10", len(c.Items()))
	}
}

func TestClose_DiscardsLateResults(t *testing.T) {
	src := newSource(10)
	src.gate = make(chan struct{})
	st := newStore(t)
	c := newCache(t, st, src, Config{UserID: "u1", PageSize: 5})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := c.LoadInitial(ctx)
		errc <- err
	}()
	for !c.Loading() {
		time.Sleep(time.Millisecond)
	}

	_ = c.Close()
	close(src.gate)

	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("late LoadInitial() error = %v, want ErrClosed", err)
	}
	if len(c.Items()) != 0 {
		t.Fatal("late results must not be merged")
	}
	if item, _ := st.Get(ctx, pageKey(0), storage.WithList("u1", "listings")); item != nil {
		t.Fatal("late results must not be cached")
	}
	if _, err := c.LoadMore(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("LoadMore() after Close error = %v, want ErrClosed", err)
	}
}

func TestNew_Validation(t *testing.T) {
	st := newStore(t)
	src := newSource(1)
	if _, err := New(st, Config{}, src.fetch, itemKey); err == nil {
		t.Fatal("expected error without cache key")
	}
	if _, err := New[item](nil, Config{CacheKey: "k"}, src.fetch, itemKey); err == nil {
		t.Fatal("expected error without storage")
	}
	if _, err := New(st, Config{CacheKey: "k"}, nil, itemKey); err == nil {
		t.Fatal("expected error without fetch")
	}
}
