package redis

import (
	"context"
	"os"
	"testing"

	"github.com/ggoodman/estate-realtime/storage"
	"github.com/ggoodman/estate-realtime/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	probe := redis.NewClient(&redis.Options{Addr: addr, DB: 2})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		_ = probe.Close()
		t.Skipf("Redis not available: %v", err)
	}
	_ = probe.Close()

	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		client := redis.NewClient(&redis.Options{Addr: addr, DB: 2})
		ctx := context.Background()
		client.FlushDB(ctx)
		s, err := New(Config{Client: client, KeyPrefix: "test:pages:"})
		if err != nil {
			t.Fatalf("Failed to create Redis storage: %v", err)
		}
		t.Cleanup(func() {
			client.FlushDB(context.Background())
			_ = s.Close()
			_ = client.Close()
		})
		return s
	})
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}
