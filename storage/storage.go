// Package storage is the expiring key/value contract behind the cached list
// pages and resumable session state. Keys live in namespaces: global, one
// per user, and one per cached list of a user. Dropping a namespace drops
// everything under it, so dropping a user also drops that user's lists.
package storage

import (
	"context"
	"time"
)

// Storage is implemented by the memory, redis and valkey backends.
type Storage interface {
	// Get returns nil, nil when key is absent or expired.
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)
	Set(ctx context.Context, key string, data []byte, opts ...Option) error
	// Delete removes the key named by WithKey, or the whole namespace when
	// no key is given.
	Delete(ctx context.Context, opts ...Option) error
	Close() error
}

// StorageItem is a stored value. ExpiresAt is nil for values without TTL.
type StorageItem struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

func (si *StorageItem) IsExpired() bool {
	return si.ExpiresAt != nil && time.Now().After(*si.ExpiresAt)
}

type Option func(*Options)

// Options is the resolved form of a call's Option list. A nil Namespace
// means global.
type Options struct {
	Namespace Namespace
	Key       *string
	TTL       *time.Duration
}

// Apply resolves opts.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Namespace is one of UserNamespace or ListNamespace.
type Namespace interface {
	namespace()
}

type UserNamespace struct {
	UserID string
}

func (UserNamespace) namespace() {}

// ListNamespace holds the pages of one cached list, such as a
// conversation's history, for one user.
type ListNamespace struct {
	UserID string
	List   string
}

func (ListNamespace) namespace() {}

func WithUser(userID string) Option {
	return func(o *Options) { o.Namespace = UserNamespace{UserID: userID} }
}

func WithList(userID, list string) Option {
	return func(o *Options) { o.Namespace = ListNamespace{UserID: userID, List: list} }
}

// WithKey narrows Delete to one key.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// KeyFor flattens a namespaced key. Backends add their own prefix.
func KeyFor(ns Namespace, key string) string {
	return NamespacePrefix(ns) + "key:" + key
}

// NamespacePrefix is shared by every key in ns. A user's prefix is also a
// prefix of each of that user's list prefixes.
func NamespacePrefix(ns Namespace) string {
	switch n := ns.(type) {
	case UserNamespace:
		return "user:" + n.UserID + ":"
	case ListNamespace:
		return "user:" + n.UserID + ":list:" + n.List + ":"
	default:
		return "global:"
	}
}
