package redis

import (
	"context"
	"os"
	"testing"

	"github.com/ggoodman/estate-realtime/broker"
	"github.com/ggoodman/estate-realtime/broker/brokertest"
	"github.com/redis/go-redis/v9"
)

func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	probe := redis.NewClient(&redis.Options{Addr: addr})
	defer probe.Close()
	if err := probe.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return addr
}

func TestRedisHub(t *testing.T) {
	addr := redisAddr(t)

	brokertest.RunHubTests(t, func(t *testing.T) broker.Hub {
		client := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = client.Close() })
		h, err := New(context.Background(), Config{
			Client:        client,
			ChannelPrefix: "test:" + t.Name() + ":",
		})
		if err != nil {
			t.Fatalf("Failed to create Redis hub: %v", err)
		}
		return h
	})
}

func TestRedisHub_CrossNodeDelivery(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()

	newNode := func() *Hub {
		client := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = client.Close() })
		h, err := New(ctx, Config{Client: client, ChannelPrefix: "test:cross:"})
		if err != nil {
			t.Fatalf("Failed to create Redis hub: %v", err)
		}
		t.Cleanup(func() { _ = h.Close() })
		return h
	}
	a, b := newNode(), newNode()

	topic := broker.UserTopic("u1")
	c := brokertest.NewCollector("remote")
	if err := b.Subscribe(ctx, topic, c); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	ev, _ := broker.NewEvent(broker.EventNotificationCreated, map[string]string{"id": "n1"})
	id, err := a.Publish(ctx, topic, ev)
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	evs := c.WaitFor(t, 1)
	if evs[0].ID != id {
		t.Fatalf("remote node got event %s, want %s", evs[0].ID, id)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}
