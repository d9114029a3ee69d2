// Package storagetest holds the conformance suite every storage.Storage
// backend runs from its own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/estate-realtime/storage"
)

// StorageFactory creates a fresh, empty storage for a test.
type StorageFactory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory StorageFactory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, factory) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory) })
	t.Run("DeleteList", func(t *testing.T) { testDeleteList(t, factory) })
	t.Run("DeleteUserDropsLists", func(t *testing.T) { testDeleteUserDropsLists(t, factory) })
}

func testSetAndGet(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "page:0", []byte(`[1,2,3]`), storage.WithList("u1", "messages:c1")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "page:0", storage.WithList("u1", "messages:c1"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != `[1,2,3]` {
		t.Fatalf("Get() returned wrong data: got %s", string(item.Data))
	}
	if item.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", item.ExpiresAt)
	}
}

func testGetNonExistent(t *testing.T, factory StorageFactory) {
	s := factory(t)
	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testTTL(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := context.Background()
	ttl := 150 * time.Millisecond

	if err := s.Set(ctx, "ttl-key", []byte("ttl-data"), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("Set() with TTL failed: %v", err)
	}

	item, err := s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item before expiration")
	}
	if item.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt to be set")
	}

	time.Sleep(ttl + 100*time.Millisecond)

	item, err = s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Get() after expiration failed: %v", err)
	}
	if item != nil {
		t.Fatal("Get() returned item after expiration")
	}
}

func testNamespaceIsolation(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := context.Background()
	key := "k"

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
	}
	must(s.Set(ctx, key, []byte("global")))
	must(s.Set(ctx, key, []byte("user"), storage.WithUser("u1")))
	must(s.Set(ctx, key, []byte("list-a"), storage.WithList("u1", "a")))
	must(s.Set(ctx, key, []byte("list-b"), storage.WithList("u1", "b")))
	must(s.Set(ctx, key, []byte("other"), storage.WithList("u2", "a")))

	cases := []struct {
		opts []storage.Option
		want string
	}{
		{nil, "global"},
		{[]storage.Option{storage.WithUser("u1")}, "user"},
		{[]storage.Option{storage.WithList("u1", "a")}, "list-a"},
		{[]storage.Option{storage.WithList("u1", "b")}, "list-b"},
		{[]storage.Option{storage.WithList("u2", "a")}, "other"},
	}
	for _, c := range cases {
		item, err := s.Get(ctx, key, c.opts...)
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if item == nil || string(item.Data) != c.want {
			t.Fatalf("expected %q, got %+v", c.want, item)
		}
	}
}

func testDeleteKey(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := context.Background()
	ns := storage.WithList("u1", "feed")

	_ = s.Set(ctx, "page:0", []byte("a"), ns)
	_ = s.Set(ctx, "page:1", []byte("b"), ns)

	if err := s.Delete(ctx, ns, storage.WithKey("page:0")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "page:0", ns); item != nil {
		t.Fatal("page:0 should be deleted")
	}
	if item, _ := s.Get(ctx, "page:1", ns); item == nil {
		t.Fatal("page:1 should remain")
	}
}

func testDeleteList(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "page:0", []byte("a"), storage.WithList("u1", "feed"))
	_ = s.Set(ctx, "page:1", []byte("b"), storage.WithList("u1", "feed"))
	_ = s.Set(ctx, "page:0", []byte("c"), storage.WithList("u1", "feed2"))

	if err := s.Delete(ctx, storage.WithList("u1", "feed")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	for _, k := range []string{"page:0", "page:1"} {
		if item, _ := s.Get(ctx, k, storage.WithList("u1", "feed")); item != nil {
			t.Fatalf("%s should be deleted", k)
		}
	}
	if item, _ := s.Get(ctx, "page:0", storage.WithList("u1", "feed2")); item == nil {
		t.Fatal("sibling list should remain")
	}
}

func testDeleteUserDropsLists(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "page:0", []byte("a"), storage.WithList("u1", "feed"))
	_ = s.Set(ctx, "pref", []byte("b"), storage.WithUser("u1"))
	_ = s.Set(ctx, "page:0", []byte("c"), storage.WithList("u2", "feed"))

	if err := s.Delete(ctx, storage.WithUser("u1")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "page:0", storage.WithList("u1", "feed")); item != nil {
		t.Fatal("u1 list page should be deleted")
	}
	if item, _ := s.Get(ctx, "pref", storage.WithUser("u1")); item != nil {
		t.Fatal("u1 user key should be deleted")
	}
	if item, _ := s.Get(ctx, "page:0", storage.WithList("u2", "feed")); item == nil {
		t.Fatal("u2 data should remain")
	}
}
