// Package valkey implements storage.Storage on a Valkey server through
// github.com/valkey-io/valkey-go, for deployments that run Valkey instead of
// Redis for the shared page cache.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/estate-realtime/storage"
	"github.com/valkey-io/valkey-go"
)

// Config configures the Valkey storage.
type Config struct {
	// Client is the Valkey client. Required.
	Client valkey.Client
	// KeyPrefix is prepended to every key. Default: "estate:pages:".
	KeyPrefix string
}

// Storage implements storage.Storage using Valkey.
type Storage struct {
	client    valkey.Client
	keyPrefix string
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Valkey-backed storage.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("valkey client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "estate:pages:"
	}
	return &Storage{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

// Dial connects to the Valkey servers at addrs.
func Dial(addrs ...string) (valkey.Client, error) {
	cl, err := valkey.NewClient(valkey.ClientOption{InitAddress: addrs})
	if err != nil {
		return nil, fmt.Errorf("valkey dial: %w", err)
	}
	return cl, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	options := storage.Apply(opts...)
	k := s.keyPrefix + storage.KeyFor(options.Namespace, key)

	raw, err := s.client.Do(ctx, s.client.B().Get().Key(k).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", k, err)
	}

	var item storedItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}
	si := &storage.StorageItem{Data: item.Data, CreatedAt: item.CreatedAt, ExpiresAt: item.ExpiresAt}
	if si.IsExpired() {
		_ = s.client.Do(ctx, s.client.B().Del().Key(k).Build()).Error()
		return nil, nil
	}
	return si, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	k := s.keyPrefix + storage.KeyFor(options.Namespace, key)

	now := time.Now()
	item := storedItem{Data: data, CreatedAt: now}
	args := []string{}
	if options.TTL != nil {
		exp := now.Add(*options.TTL)
		item.ExpiresAt = &exp
		ms := options.TTL.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		args = append(args, "PX", strconv.FormatInt(ms, 10))
	}
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}

	cmd := s.client.B().Arbitrary("SET").Keys(k).Args(append([]string{string(b)}, args...)...).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", k, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	if options.Key != nil {
		k := s.keyPrefix + storage.KeyFor(options.Namespace, *options.Key)
		if err := s.client.Do(ctx, s.client.B().Del().Key(k).Build()).Error(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", k, err)
		}
		return nil
	}

	pattern := s.keyPrefix + storage.NamespacePrefix(options.Namespace) + "*"
	var cursor uint64
	for {
		entry, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
		}
		if len(entry.Elements) > 0 {
			if err := s.client.Do(ctx, s.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

func (s *Storage) Close() error {
	s.client.Close()
	return nil
}

var _ storage.Storage = (*Storage)(nil)
