// Package redis stores cached list pages in Redis so that every estated
// process serves the same pages.
//
// Each item is a hash holding the payload and its creation time; expiry is
// left to Redis. Every namespace keeps an index set of the keys written
// into it so that a whole namespace can be dropped without SCAN. Keys of a
// list namespace are indexed under the owning user as well.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/estate-realtime/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "estate:pages:"

const (
	fieldData    = "data"
	fieldCreated = "created"
)

// Config configures a Storage.
type Config struct {
	// Client is owned by the caller; Close leaves it open.
	Client    redis.UniversalClient
	KeyPrefix string
}

// Storage implements storage.Storage on Redis hashes.
type Storage struct {
	client redis.UniversalClient
	prefix string
}

// New returns a Storage using cfg.Client.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Storage{client: cfg.Client, prefix: cfg.KeyPrefix}, nil
}

func (s *Storage) itemKey(ns storage.Namespace, key string) string {
	return s.prefix + storage.KeyFor(ns, key)
}

func (s *Storage) indexKey(ns storage.Namespace) string {
	return s.prefix + storage.NamespacePrefix(ns) + "index"
}

// indexes lists the index sets an item of ns is recorded in.
func (s *Storage) indexes(ns storage.Namespace) []string {
	idx := []string{s.indexKey(ns)}
	if l, ok := ns.(storage.ListNamespace); ok {
		idx = append(idx, s.indexKey(storage.UserNamespace{UserID: l.UserID}))
	}
	return idx
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	o := storage.Apply(opts...)
	k := s.itemKey(o.Namespace, key)

	pipe := s.client.Pipeline()
	fields := pipe.HGetAll(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("get %s: %w", k, err)
	}

	h := fields.Val()
	data, ok := h[fieldData]
	if !ok {
		return nil, nil
	}
	item := &storage.StorageItem{Data: []byte(data)}
	if ns, err := strconv.ParseInt(h[fieldCreated], 10, 64); err == nil {
		item.CreatedAt = time.Unix(0, ns)
	}
	if d := ttl.Val(); d > 0 {
		exp := time.Now().Add(d)
		item.ExpiresAt = &exp
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	k := s.itemKey(o.Namespace, key)

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, fieldData, data, fieldCreated, time.Now().UnixNano())
		if o.TTL != nil {
			ttl := *o.TTL
			if ttl < time.Millisecond {
				ttl = time.Millisecond
			}
			pipe.PExpire(ctx, k, ttl)
		}
		// Index entries outlive expired items until the namespace is
		// dropped; deleting a missing key is harmless.
		for _, idx := range s.indexes(o.Namespace) {
			pipe.SAdd(ctx, idx, k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", k, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)

	if o.Key != nil {
		k := s.itemKey(o.Namespace, *o.Key)
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			for _, idx := range s.indexes(o.Namespace) {
				pipe.SRem(ctx, idx, k)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
		return nil
	}

	idx := s.indexKey(o.Namespace)
	keys, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("read index %s: %w", idx, err)
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		// One DEL per key keeps cluster slots apart.
		for _, k := range keys {
			pipe.Del(ctx, k)
		}
		pipe.Del(ctx, idx)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete namespace %s: %w", idx, err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (s *Storage) Close() error { return nil }

var _ storage.Storage = (*Storage)(nil)
