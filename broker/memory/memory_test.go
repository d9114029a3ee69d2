package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/estate-realtime/broker"
	"github.com/ggoodman/estate-realtime/broker/brokertest"
)

func TestMemoryHub(t *testing.T) {
	brokertest.RunHubTests(t, func(t *testing.T) broker.Hub {
		return New()
	})
}

func TestHub_SubscriberCount(t *testing.T) {
	h := New()
	defer h.Close()
	ctx := context.Background()
	topic := broker.UserTopic("u1")

	a, b := brokertest.NewCollector("a"), brokertest.NewCollector("b")
	_ = h.Subscribe(ctx, topic, a)
	_ = h.Subscribe(ctx, topic, b)
	if n := h.SubscriberCount(topic); n != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", n)
	}

	_ = h.Unsubscribe(ctx, topic, a)
	_ = h.Unsubscribe(ctx, topic, b)
	if n := h.SubscriberCount(topic); n != 0 {
		t.Fatalf("SubscriberCount() = %d after unsubscribing all, want 0", n)
	}
	if _, ok := h.topics[topic]; ok {
		t.Fatal("empty topic should be removed")
	}
}

func TestHub_PublishAssignsIDAndTimestamp(t *testing.T) {
	h := New()
	defer h.Close()
	topic := broker.ConversationTopic("c1")
	c := brokertest.NewCollector("c")
	_ = h.Subscribe(context.Background(), topic, c)

	id1, _ := h.Publish(context.Background(), topic, broker.Event{Type: broker.EventMessageCreated})
	id2, _ := h.Publish(context.Background(), topic, broker.Event{ID: "external", Type: broker.EventMessageCreated})
	if id1 == "" || id1 == id2 {
		t.Fatalf("unexpected ids %q %q", id1, id2)
	}
	if id2 != "external" {
		t.Fatalf("preassigned id replaced: %q", id2)
	}

	evs := c.WaitFor(t, 2)
	if evs[0].CreatedAt.IsZero() {
		t.Fatal("CreatedAt not assigned")
	}
}

func TestHub_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := New()
	defer h.Close()
	ctx := context.Background()
	topic := broker.ConversationTopic("c1")

	release := make(chan struct{})
	slow := broker.SubscriberFunc{SubscriberID: "slow", Fn: func(context.Context, broker.Event) { <-release }}
	fast := brokertest.NewCollector("fast")
	_ = h.Subscribe(ctx, topic, slow)
	_ = h.Subscribe(ctx, topic, fast)

	for i := 0; i < 10; i++ {
		if _, err := h.Publish(ctx, topic, broker.Event{Type: broker.EventMessageCreated}); err != nil {
			t.Fatalf("Publish() failed: %v", err)
		}
	}
	fast.WaitFor(t, 10)
	close(release)
}

func TestHub_QueueLimitDropsOldest(t *testing.T) {
	h := New(WithQueueLimit(2))
	defer h.Close()
	ctx := context.Background()
	topic := broker.ConversationTopic("c1")

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	var once sync.Once
	sub := broker.SubscriberFunc{
		SubscriberID: "s",
		Fn: func(_ context.Context, ev broker.Event) {
			once.Do(func() {
				close(started)
				<-release
			})
			mu.Lock()
			got = append(got, ev.ID)
			mu.Unlock()
		},
		OnLag: func(_ context.Context, lt broker.Topic, dropped int) {
			mu.Lock()
			got = append(got, fmt.Sprintf("lagged:%s:%d", lt, dropped))
			mu.Unlock()
		},
	}
	_ = h.Subscribe(ctx, topic, sub)

	_, _ = h.Publish(ctx, topic, broker.Event{ID: "e0"})
	<-started
	for _, id := range []string{"e1", "e2", "e3"} {
		_, _ = h.Publish(ctx, topic, broker.Event{ID: id})
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"e0", "lagged:conversation:c1:1", "e2", "e3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestHub_ResyncInvokesListeners(t *testing.T) {
	h := New()
	defer h.Close()

	var calls int
	remove := h.OnResync(func(context.Context) { calls++ })
	h.Resync(context.Background())
	remove()
	h.Resync(context.Background())

	if calls != 1 {
		t.Fatalf("listener called %d times, want 1", calls)
	}
}

func TestHub_PanickingSubscriberKeepsDelivering(t *testing.T) {
	h := New()
	defer h.Close()
	ctx := context.Background()
	topic := broker.ConversationTopic("c1")

	c := brokertest.NewCollector("c")
	var n int
	var mu sync.Mutex
	sub := broker.SubscriberFunc{SubscriberID: "p", Fn: func(ctx context.Context, ev broker.Event) {
		mu.Lock()
		n++
		first := n == 1
		mu.Unlock()
		if first {
			panic("boom")
		}
		c.Deliver(ctx, ev)
	}}
	_ = h.Subscribe(ctx, topic, sub)
	_, _ = h.Publish(ctx, topic, broker.Event{ID: "a"})
	_, _ = h.Publish(ctx, topic, broker.Event{ID: "b"})

	evs := c.WaitFor(t, 1)
	if evs[0].ID != "b" {
		t.Fatalf("got %s, want b", evs[0].ID)
	}
}

func TestHub_Closed(t *testing.T) {
	h := New()
	if err := h.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	topic := broker.UserTopic("u1")
	if _, err := h.Publish(context.Background(), topic, broker.Event{}); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("Publish() error = %v, want ErrClosed", err)
	}
	if err := h.Subscribe(context.Background(), topic, brokertest.NewCollector("x")); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("Subscribe() error = %v, want ErrClosed", err)
	}
}
