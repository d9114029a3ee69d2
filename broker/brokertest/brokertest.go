// Package brokertest holds the conformance suite every broker.Hub
// implementation runs from its own tests.
package brokertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/estate-realtime/broker"
)

// HubFactory creates a fresh hub for a test. The suite closes it.
type HubFactory func(t *testing.T) broker.Hub

const waitTimeout = 5 * time.Second

// RunHubTests runs the complete hub test suite against the provided factory.
func RunHubTests(t *testing.T, factory HubFactory) {
	t.Run("PublishReachesAllSubscribers", func(t *testing.T) { testPublishReachesAllSubscribers(t, factory) })
	t.Run("TopicIsolation", func(t *testing.T) { testTopicIsolation(t, factory) })
	t.Run("PerTopicOrder", func(t *testing.T) { testPerTopicOrder(t, factory) })
	t.Run("NoReplayForLateSubscriber", func(t *testing.T) { testNoReplayForLateSubscriber(t, factory) })
	t.Run("SubscribeTwiceIsNoop", func(t *testing.T) { testSubscribeTwiceIsNoop(t, factory) })
	t.Run("UnsubscribeWaitsForRunningCallback", func(t *testing.T) { testUnsubscribeWaitsForRunningCallback(t, factory) })
	t.Run("UnsubscribeFromOwnCallback", func(t *testing.T) { testUnsubscribeFromOwnCallback(t, factory) })
	t.Run("InvalidTopic", func(t *testing.T) { testInvalidTopic(t, factory) })
	t.Run("ResyncListenerRemoval", func(t *testing.T) { testResyncListenerRemoval(t, factory) })
	t.Run("SlowSubscriberAccountsForEveryEvent", func(t *testing.T) { testSlowSubscriberAccountsForEveryEvent(t, factory) })
}

// Collector is a Subscriber that records every delivered event.
type Collector struct {
	id string

	mu     sync.Mutex
	events []broker.Event
	signal chan struct{}
}

// NewCollector returns an empty collector with the given subscriber ID.
func NewCollector(id string) *Collector {
	return &Collector{id: id, signal: make(chan struct{}, 1)}
}

func (c *Collector) ID() string { return c.id }

func (c *Collector) Deliver(_ context.Context, ev broker.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Events returns a copy of the events received so far.
func (c *Collector) Events() []broker.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.Event(nil), c.events...)
}

// WaitFor blocks until at least n events arrived or the timeout elapses.
func (c *Collector) WaitFor(t *testing.T, n int) []broker.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		if evs := c.Events(); len(evs) >= n {
			return evs
		}
		select {
		case <-c.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(c.Events()))
		}
	}
}

func publish(t *testing.T, h broker.Hub, topic broker.Topic, typ broker.EventType, payload any) string {
	t.Helper()
	ev, err := broker.NewEvent(typ, payload)
	if err != nil {
		t.Fatalf("NewEvent() failed: %v", err)
	}
	id, err := h.Publish(context.Background(), topic, ev)
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if id == "" {
		t.Fatal("Publish() returned empty event id")
	}
	return id
}

func subscribe(t *testing.T, h broker.Hub, topic broker.Topic, sub broker.Subscriber) {
	t.Helper()
	if err := h.Subscribe(context.Background(), topic, sub); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
}

func newHub(t *testing.T, factory HubFactory) broker.Hub {
	h := factory(t)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// settle gives asynchronous backends a moment to drain before asserting that
// something did not happen.
func settle() { time.Sleep(200 * time.Millisecond) }

func testPublishReachesAllSubscribers(t *testing.T, factory HubFactory) {
	h := newHub(t, factory)
	topic := broker.ConversationTopic("c1")
	a, b := NewCollector("a"), NewCollector("b")
	subscribe(t, h, topic, a)
	subscribe(t, h, topic, b)

	id := publish(t, h, topic, broker.EventMessageCreated, map[string]string{"body": "hi"})

	for _, c := range []*Collector{a, b} {
		evs := c.WaitFor(t, 1)
		if evs[0].ID != id {
			t.Fatalf("subscriber %s got event %s, want %s", c.ID(), evs[0].ID, id)
		}
		if evs[0].Topic != topic || evs[0].Type != broker.EventMessageCreated {
			t.Fatalf("unexpected envelope: %+v", evs[0])
		}
		var payload map[string]string
		if err := evs[0].Decode(&payload); err != nil {
			t.Fatalf("Decode() failed: %v", err)
		}
		if payload["body"] != "hi" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	}
}

func testTopicIsolation(t *testing.T, factory HubFactory) {
	h := newHub(t, factory)
	c1, u1 := NewCollector("c1-sub"), NewCollector("u1-sub")
	subscribe(t, h, broker.ConversationTopic("c1"), c1)
	subscribe(t, h, broker.UserTopic("u1"), u1)

	publish(t, h, broker.ConversationTopic("c2"), broker.EventMessageCreated, "x")
	publish(t, h, broker.UserTopic("u1"), broker.EventNotificationCreated, "y")

	u1.WaitFor(t, 1)
	settle()
	if n := len(c1.Events()); n != 0 {
		t.Fatalf("conversation subscriber received %d foreign events", n)
	}
	if n := len(u1.Events()); n != 1 {
		t.Fatalf("user subscriber received %d events, want 1", n)
	}
}

func testPerTopicOrder(t *testing.T, factory HubFactory) {
	h := newHub(t, factory)
	topic := broker.ConversationTopic("ordered")
	c := NewCollector("ordered-sub")
	subscribe(t, h, topic, c)

	const n = 100
	for i := 0; i < n; i++ {
		publish(t, h, topic, broker.EventMessageCreated, i)
	}

	evs := c.WaitFor(t, n)
	for i, ev := range evs {
		var got int
		if err := ev.Decode(&got); err != nil {
			t.Fatalf("Decode() failed: %v", err)
		}
		if got != i {
			t.Fatalf("event %d out of order: got payload %d", i, got)
		}
	}
}

func testNoReplayForLateSubscriber(t *testing.T, factory HubFactory) {
	h := newHub(t, factory)
	topic := broker.UserTopic("late")
	early := NewCollector("early")
	subscribe(t, h, topic, early)

	publish(t, h, topic, broker.EventNotificationCreated, 1)
	early.WaitFor(t, 1)

	late := NewCollector("late")
	subscribe(t, h, topic, late)
	publish(t, h, topic, broker.EventNotificationCreated, 2)

	late.WaitFor(t, 1)
	settle()
	evs := late.Events()
	if len(evs) != 1 {
		t.Fatalf("late subscriber got %d events, want 1", len(evs))
	}
	var got int
	_ = evs[0].Decode(&got)
	if got != 2 {
		t.Fatalf("late subscriber got payload %d, want 2", got)
	}
}

func testSubscribeTwiceIsNoop(t *testing.T, factory HubFactory) {
	h := newHub(t, factory)
	topic := broker.ConversationTopic("dup")
	c := NewCollector("dup-sub")
	subscribe(t, h, topic, c)
	subscribe(t, h, topic, c)

	publish(t, h, topic, broker.EventMessageRead, "r")
	c.WaitFor(t, 1)
	settle()
	if n := len(c.Events()); n != 1 {
		t.Fatalf("got %d deliveries, want 1", n)
	}
}

type blockingSubscriber struct {
	id       string
	started  chan string
	release  chan struct{}
	mu       sync.Mutex
	finished []string
}

func (b *blockingSubscriber) ID() string { return b.id }

func (b *blockingSubscriber) Deliver(_ context.Context, ev broker.Event) {
	b.started <- ev.ID
	<-b.release
	b.mu.Lock()
	b.finished = append(b.finished, ev.ID)
	b.mu.Unlock()
}

func testUnsubscribeWaitsForRunningCallback(t *testing.T, factory HubFactory) {
	h := newHub(t, factory)
	topic := broker.ConversationTopic("barrier")
	sub := &blockingSubscriber{
		id:      "blocker",
		started: make(chan string, 4),
		release: make(chan struct{}),
	}
	subscribe(t, h, topic, sub)

	first := publish(t, h, topic, broker.EventMessageCreated, 1)
	select {
	case id := <-sub.started:
		if id != first {
			t.Fatalf("first callback got %s, want %s", id, first)
		}
	case <-time.After(waitTimeout):
		t.Fatal("callback never started")
	}
	publish(t, h, topic, broker.EventMessageCreated, 2)

	unsubscribed := make(chan struct{})
	go func() {
		_ = h.Unsubscribe(context.Background(), topic, sub)
		close(unsubscribed)
	}()

	select {
	case <-unsubscribed:
		t.Fatal("Unsubscribe() returned while a callback was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(sub.release)
	select {
	case <-unsubscribed:
	case <-time.After(waitTimeout):
		t.Fatal("Unsubscribe() did not return after callback finished")
	}

	publish(t, h, topic, broker.EventMessageCreated, 3)
	settle()

	select {
	case id := <-sub.started:
		t.Fatalf("callback for %s started after Unsubscribe() returned", id)
	default:
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.finished) != 1 || sub.finished[0] != first {
		t.Fatalf("finished callbacks = %v, want only %s", sub.finished, first)
	}
}

func testUnsubscribeFromOwnCallback(t *testing.T, factory HubFactory) {
	h := newHub(t, factory)
	topic := broker.ConversationTopic("self")

	var calls int
	var mu sync.Mutex
	done := make(chan error, 1)
	var sub broker.Subscriber
	sub = broker.SubscriberFunc{
		SubscriberID: "self-sub",
		Fn: func(ctx context.Context, ev broker.Event) {
			mu.Lock()
			calls++
			mu.Unlock()
			done <- h.Unsubscribe(ctx, topic, sub)
		},
	}
	subscribe(t, h, topic, sub)

	publish(t, h, topic, broker.EventMessageCreated, 1)
	publish(t, h, topic, broker.EventMessageCreated, 2)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Unsubscribe() from callback failed: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Unsubscribe() from callback deadlocked")
	}
	settle()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("callback ran %d times, want 1", calls)
	}
}

func testInvalidTopic(t *testing.T, factory HubFactory) {
	h := newHub(t, factory)
	for _, topic := range []broker.Topic{"", "room:1", "user:", "conversation:*"} {
		if _, err := h.Publish(context.Background(), topic, broker.Event{Type: broker.EventMessageCreated}); !errors.Is(err, broker.ErrInvalidTopic) {
			t.Fatalf("Publish(%q) error = %v, want ErrInvalidTopic", topic, err)
		}
		if err := h.Subscribe(context.Background(), topic, NewCollector("x")); !errors.Is(err, broker.ErrInvalidTopic) {
			t.Fatalf("Subscribe(%q) error = %v, want ErrInvalidTopic", topic, err)
		}
	}
}

func testResyncListenerRemoval(t *testing.T, factory HubFactory) {
	h := newHub(t, factory)
	remove := h.OnResync(func(context.Context) {})
	remove()
	remove()
}

// laggingSubscriber stalls on its first event and counts what it later
// receives and what the hub reports as discarded.
type laggingSubscriber struct {
	id      string
	gate    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	got     int
	dropped int
	lagged  int
}

func (l *laggingSubscriber) ID() string { return l.id }

func (l *laggingSubscriber) Deliver(_ context.Context, _ broker.Event) {
	l.once.Do(func() { <-l.gate })
	l.mu.Lock()
	l.got++
	l.mu.Unlock()
}

func (l *laggingSubscriber) Lagged(_ context.Context, _ broker.Topic, dropped int) {
	l.mu.Lock()
	l.dropped += dropped
	l.lagged++
	l.mu.Unlock()
}

func (l *laggingSubscriber) counts() (got, dropped, lagged int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.got, l.dropped, l.lagged
}

// A subscriber that falls behind either receives every event or is told
// how many it lost, so it can re-fetch.
func testSlowSubscriberAccountsForEveryEvent(t *testing.T, factory HubFactory) {
	h := newHub(t, factory)
	topic := broker.ConversationTopic("backlog")
	sub := &laggingSubscriber{id: "slow", gate: make(chan struct{})}
	subscribe(t, h, topic, sub)

	const total = 1100
	for i := 0; i < total; i++ {
		publish(t, h, topic, broker.EventMessageCreated, i)
	}
	close(sub.gate)

	deadline := time.Now().Add(waitTimeout)
	for {
		got, dropped, lagged := sub.counts()
		if got+dropped == total {
			if dropped > 0 && lagged == 0 {
				t.Fatalf("%d events dropped without a Lagged call", dropped)
			}
			return
		}
		if got+dropped > total {
			t.Fatalf("received %d and dropped %d of %d events", got, dropped, total)
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d and was told of %d dropped events out of %d", got, dropped, total)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
