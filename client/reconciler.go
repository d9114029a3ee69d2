package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ggoodman/estate-realtime/chat"
	"github.com/ggoodman/estate-realtime/internal/backoff"
	"github.com/ggoodman/estate-realtime/notify"
	"github.com/ggoodman/estate-realtime/pagecache"
	"github.com/ggoodman/estate-realtime/sessions"
	"github.com/ggoodman/estate-realtime/storage"
)

// busyWait paces reloads that find a view's load still running.
var busyWait = backoff.Policy{Base: 10 * time.Millisecond, Max: 250 * time.Millisecond}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithPageSize sets the page size of history and feed caches.
func WithPageSize(n int) ReconcilerOption {
	return func(r *Reconciler) { r.pageSize = n }
}

// WithCacheTTL sets how long fetched pages stay in the store.
func WithCacheTTL(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.ttl = d }
}

// WithPrefetch sets how many older pages are loaded in the background after
// a fresh fetch.
func WithPrefetch(n int) ReconcilerOption {
	return func(r *Reconciler) { r.prefetch = n }
}

// Reconciler implements sessions.Reconciler over the HTTP API. Message
// history and the notification feed are served from pagecache caches, one
// per conversation and one for the feed, so views paging through history
// share what reconciliation fetched.
type Reconciler struct {
	c        *Client
	store    storage.Storage
	pageSize int
	ttl      time.Duration
	prefetch int

	mu      sync.Mutex
	history map[string]*pagecache.Cache[chat.Message]
	feeds   map[string]*pagecache.Cache[notify.Record]
}

// NewReconciler creates a reconciler that caches pages in store.
func NewReconciler(c *Client, store storage.Storage, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		c:        c,
		store:    store,
		pageSize: pagecache.DefaultPageSize,
		history:  make(map[string]*pagecache.Cache[chat.Message]),
		feeds:    make(map[string]*pagecache.Cache[notify.Record]),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// History returns the cache over one conversation's history. Page 0 is the
// newest page; each later page is older. Within a page messages are
// ascending.
func (r *Reconciler) History(userID, conversationID string) (*pagecache.Cache[chat.Message], error) {
	key := userID + "/" + conversationID
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.history[key]; ok {
		return c, nil
	}
	pager := &cursorPager{c: r.c, conversationID: conversationID, cursors: map[int]time.Time{}}
	c, err := pagecache.New(r.store, pagecache.Config{
		UserID:   userID,
		CacheKey: "messages:" + conversationID,
		PageSize: r.pageSize,
		TTL:      r.ttl,
		Prefetch: r.prefetch,
		Logger:   r.c.log,
	}, pager.fetch, func(m chat.Message) string { return m.ID })
	if err != nil {
		return nil, err
	}
	r.history[key] = c
	return c, nil
}

// Feed returns the cache over userID's notification feed.
func (r *Reconciler) Feed(userID string) (*pagecache.Cache[notify.Record], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.feeds[userID]; ok {
		return c, nil
	}
	c, err := pagecache.NewCounted(r.store, pagecache.Config{
		UserID:   userID,
		CacheKey: "notifications",
		PageSize: r.pageSize,
		TTL:      r.ttl,
		Prefetch: r.prefetch,
		Logger:   r.c.log,
	}, func(ctx context.Context, page, size int) ([]notify.Record, bool, error) {
		p, err := r.c.Notifications(ctx, page, size)
		if err != nil {
			return nil, false, err
		}
		return p.Records, p.HasMore, nil
	}, func(rec notify.Record) string { return rec.ID })
	if err != nil {
		return nil, err
	}
	r.feeds[userID] = c
	return c, nil
}

// LatestMessages drops the cached history and refetches its newest page.
func (r *Reconciler) LatestMessages(ctx context.Context, userID, conversationID string) ([]chat.Message, error) {
	c, err := r.History(userID, conversationID)
	if err != nil {
		return nil, err
	}
	if err := reload(ctx, c); err != nil {
		return nil, err
	}
	msgs := c.Items()
	if len(msgs) > r.pageSize {
		msgs = msgs[:r.pageSize]
	}
	return msgs, nil
}

func (r *Reconciler) LatestNotifications(ctx context.Context, userID string) ([]notify.Record, error) {
	c, err := r.Feed(userID)
	if err != nil {
		return nil, err
	}
	if err := reload(ctx, c); err != nil {
		return nil, err
	}
	return c.Items(), nil
}

// reload refetches c, waiting out a LoadMore or LoadInitial started by a
// view until ctx ends.
func reload[T any](ctx context.Context, c *pagecache.Cache[T]) error {
	return busyWait.Retry(ctx, func(ctx context.Context) error {
		_, err := c.Reload(ctx)
		return err
	}, func(err error) bool { return errors.Is(err, pagecache.ErrBusy) }, nil)
}

func (r *Reconciler) UnreadCount(ctx context.Context, _ string) (int, error) {
	return r.c.UnreadCount(ctx)
}

// Close closes every cache. The store is left open.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, c := range r.history {
		errs = append(errs, c.Close())
	}
	for _, c := range r.feeds {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

var _ sessions.Reconciler = (*Reconciler)(nil)

// cursorPager adapts the cursor-based history endpoint to numbered pages.
// The cursor of page n is the oldest timestamp of page n-1; pages whose
// cursor is not known yet are reached by walking forward from the last one
// that is.
type cursorPager struct {
	c              *Client
	conversationID string

	mu      sync.Mutex
	cursors map[int]time.Time
}

func (p *cursorPager) fetch(ctx context.Context, page, size int) ([]chat.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if page == 0 {
		clear(p.cursors)
	}
	from := page
	for from > 0 {
		if _, ok := p.cursors[from]; ok {
			break
		}
		from--
	}
	for i := from; ; i++ {
		var before *time.Time
		if t, ok := p.cursors[i]; ok {
			before = &t
		}
		res, err := p.c.Messages(ctx, p.conversationID, size, before)
		if err != nil {
			return nil, err
		}
		if len(res.Messages) > 0 {
			p.cursors[i+1] = res.Messages[0].CreatedAt
		}
		if i == page {
			return res.Messages, nil
		}
		if len(res.Messages) < size {
			return nil, nil
		}
	}
}
