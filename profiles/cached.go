package profiles

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached fronts a Directory with a size-bounded, expiring LRU. Misses are
// resolved in one batched lookup; IDs the directory does not know are not
// cached so newly registered users appear without waiting for expiry.
type Cached struct {
	next  Directory
	cache *expirable.LRU[string, Profile]
}

// NewCached wraps next with an LRU of at most size entries living ttl each.
func NewCached(next Directory, size int, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, Profile](size, nil, ttl),
	}
}

func (c *Cached) Lookup(ctx context.Context, userIDs ...string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(userIDs))
	var missing []string
	for _, id := range userIDs {
		if p, ok := c.cache.Get(id); ok {
			out[id] = p
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	found, err := c.next.Lookup(ctx, missing...)
	if err != nil {
		return nil, err
	}
	for id, p := range found {
		c.cache.Add(id, p)
		out[id] = p
	}
	return out, nil
}

// Invalidate drops cached entries, e.g. after a profile update event.
func (c *Cached) Invalidate(userIDs ...string) {
	for _, id := range userIDs {
		c.cache.Remove(id)
	}
}

var _ Directory = (*Cached)(nil)
