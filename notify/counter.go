package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultReconcileInterval bounds how long an incremental counter may drift
// from the store.
const DefaultReconcileInterval = 30 * time.Second

// Counter keeps per-user unread counts updated incrementally as the process
// inserts and reads notifications. A user first seen through Add starts from
// zero; Reconcile replaces the value with a store recount.
type Counter struct {
	store Store

	mu     sync.Mutex
	counts map[string]int
}

// NewCounter creates a counter reconciling against store.
func NewCounter(store Store) *Counter {
	return &Counter{store: store, counts: make(map[string]int)}
}

// Add adjusts userID's count by delta, never below zero.
func (c *Counter) Add(userID string, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[userID] + delta
	if n < 0 {
		n = 0
	}
	c.counts[userID] = n
}

// Set overwrites userID's count.
func (c *Counter) Set(userID string, n int) {
	c.mu.Lock()
	c.counts[userID] = max(n, 0)
	c.mu.Unlock()
}

// Get returns userID's count and whether the user is tracked.
func (c *Counter) Get(userID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[userID]
	return n, ok
}

// Reconcile recounts userID's unread notifications and stores the result.
func (c *Counter) Reconcile(ctx context.Context, userID string) (int, error) {
	n, err := c.store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	c.Set(userID, n)
	return n, nil
}

// ReconcileAll reconciles every tracked user and joins the failures.
func (c *Counter) ReconcileAll(ctx context.Context) error {
	c.mu.Lock()
	users := make([]string, 0, len(c.counts))
	for u := range c.counts {
		users = append(users, u)
	}
	c.mu.Unlock()

	var errs []error
	for _, u := range users {
		if _, err := c.Reconcile(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run reconciles every interval until ctx is done.
func (c *Counter) Run(ctx context.Context, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
				log.Warn("notification.counter.reconcile.fail", slog.String("err", err.Error()))
			}
		}
	}
}
