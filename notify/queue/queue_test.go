package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ggoodman/estate-realtime/notify"
	"github.com/ggoodman/estate-realtime/notify/memstore"
	"github.com/hibiken/asynq"
)

func alert(recipients ...string) notify.Event {
	return notify.Event{
		Type:       notify.TypeSystemAlert,
		Recipients: recipients,
		Payload:    notify.SystemAlert{Title: "Maintenance", Body: "Tonight 22:00", Severity: "info"},
		OccurredAt: time.Now().UTC(),
	}
}

func newTestWorker(sink notify.Sink) *Worker {
	// The server is never started in these tests, so the address is unused.
	return NewWorker(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}, sink, WorkerConfig{})
}

func TestHandleDomainEvent_Dispatches(t *testing.T) {
	store := memstore.New()
	w := newTestWorker(notify.NewDispatcher(store))

	payload, _ := json.Marshal(alert("u1", "u2"))
	if err := w.HandleDomainEvent(context.Background(), asynq.NewTask(TaskDomainEvent, payload)); err != nil {
		t.Fatalf("HandleDomainEvent() failed: %v", err)
	}
	for _, u := range []string{"u1", "u2"} {
		if n, _ := store.UnreadCount(context.Background(), u); n != 1 {
			t.Fatalf("%s unread = %d, want 1", u, n)
		}
	}
}

func TestHandleDomainEvent_SkipsRetryForBadInput(t *testing.T) {
	w := newTestWorker(notify.NewDispatcher(memstore.New()))
	ctx := context.Background()

	err := w.HandleDomainEvent(ctx, asynq.NewTask(TaskDomainEvent, []byte(`{not json`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("malformed payload error = %v, want SkipRetry", err)
	}

	payload, _ := json.Marshal(alert())
	err = w.HandleDomainEvent(ctx, asynq.NewTask(TaskDomainEvent, payload))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("event without recipients error = %v, want SkipRetry", err)
	}
}

type failingSink struct{}

func (failingSink) Submit(context.Context, notify.Event) error { return notify.ErrTransient }

func TestHandleDomainEvent_RetriesTransientFailures(t *testing.T) {
	w := newTestWorker(failingSink{})
	payload, _ := json.Marshal(alert("u1"))
	err := w.HandleDomainEvent(context.Background(), asynq.NewTask(TaskDomainEvent, payload))
	if !errors.Is(err, notify.ErrTransient) || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("error = %v, want retryable ErrTransient", err)
	}
}

func TestClient_SubmitRejectsInvalidWithoutEnqueue(t *testing.T) {
	c := NewClient(asynq.RedisClientOpt{Addr: "127.0.0.1:0"})
	defer c.Close()
	if err := c.Submit(context.Background(), alert()); !errors.Is(err, notify.ErrInvalidArgument) {
		t.Fatalf("Submit() error = %v, want ErrInvalidArgument", err)
	}
}

func TestClientWorker_RoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := ParseRedisURL(url)
	if err != nil {
		t.Fatalf("ParseRedisURL() failed: %v", err)
	}

	store := memstore.New()
	w := NewWorker(opt, notify.NewDispatcher(store), WorkerConfig{Concurrency: 1, Queues: map[string]int{"test-notifications": 1}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	c := NewClient(opt, WithQueue("test-notifications"))
	defer c.Close()
	if err := c.Submit(context.Background(), alert("queued-user")); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.UnreadCount(context.Background(), "queued-user"); n == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("queued event was never dispatched")
}
