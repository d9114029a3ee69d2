// Package memory keeps cached list pages in a bounded LRU inside the
// process. It is the default cache backend for single-node deployments and
// tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/estate-realtime/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// sweepEvery is how often expired entries are evicted ahead of lookups.
const sweepEvery = time.Minute

type entryKey struct {
	ns  string
	key string
}

// Storage is an LRU-bounded storage.Storage.
type Storage struct {
	entries *lru.Cache[entryKey, storage.StorageItem]
	cancel  context.CancelFunc
}

// New returns a Storage holding at most maxItems entries, evicting the
// least recently used one when full.
func New(maxItems int) (*Storage, error) {
	entries, err := lru.New[entryKey, storage.StorageItem](maxItems)
	if err != nil {
		return nil, fmt.Errorf("memory storage: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Storage{entries: entries, cancel: cancel}
	go s.sweep(ctx)
	return s, nil
}

func keyOf(o *storage.Options, key string) entryKey {
	return entryKey{ns: storage.NamespacePrefix(o.Namespace), key: key}
}

func (s *Storage) Get(_ context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	k := keyOf(storage.Apply(opts...), key)
	item, ok := s.entries.Get(k)
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.entries.Remove(k)
		return nil, nil
	}
	return &item, nil
}

func (s *Storage) Set(_ context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	item := storage.StorageItem{
		Data:      append([]byte(nil), data...),
		CreatedAt: time.Now(),
	}
	if o.TTL != nil {
		exp := item.CreatedAt.Add(*o.TTL)
		item.ExpiresAt = &exp
	}
	s.entries.Add(keyOf(o, key), item)
	return nil
}

// Delete removes one key when storage.WithKey is given and the whole
// namespace otherwise. A user namespace covers that user's lists.
func (s *Storage) Delete(_ context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.Key != nil {
		s.entries.Remove(keyOf(o, *o.Key))
		return nil
	}
	prefix := storage.NamespacePrefix(o.Namespace)
	for _, k := range s.entries.Keys() {
		if strings.HasPrefix(k.ns, prefix) {
			s.entries.Remove(k)
		}
	}
	return nil
}

// Close stops the sweeper and drops every entry.
func (s *Storage) Close() error {
	s.cancel()
	s.entries.Purge()
	return nil
}

func (s *Storage) sweep(ctx context.Context) {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for _, k := range s.entries.Keys() {
			if item, ok := s.entries.Peek(k); ok && item.IsExpired() {
				s.entries.Remove(k)
			}
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
