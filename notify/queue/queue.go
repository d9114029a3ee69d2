// Package queue moves domain events to the notification dispatcher through
// an asynq task queue, so request paths do not wait on notification fan-out.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/estate-realtime/notify"
	"github.com/hibiken/asynq"
)

// TaskDomainEvent is the asynq task type carrying one JSON notify.Event.
const TaskDomainEvent = "notify:domain_event"

// DefaultQueue is the asynq queue notification tasks are enqueued on.
const DefaultQueue = "notifications"

// ParseRedisURL parses a redis:// URL into asynq connection options.
func ParseRedisURL(url string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return opt, nil
}

// Client enqueues domain events. It implements notify.Sink.
type Client struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithQueue overrides DefaultQueue.
func WithQueue(name string) ClientOption {
	return func(c *Client) { c.queue = name }
}

// WithMaxRetry bounds redelivery of failed tasks.
func WithMaxRetry(n int) ClientOption {
	return func(c *Client) { c.maxRetry = n }
}

// NewClient connects to the asynq broker.
func NewClient(opt asynq.RedisConnOpt, opts ...ClientOption) *Client {
	c := &Client{client: asynq.NewClient(opt), queue: DefaultQueue, maxRetry: 5}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit validates ev and enqueues it.
func (c *Client) Submit(ctx context.Context, ev notify.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: encode event: %w", notify.ErrInvalidArgument, err)
	}
	task := asynq.NewTask(TaskDomainEvent, payload)
	if _, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue), asynq.MaxRetry(c.maxRetry)); err != nil {
		return fmt.Errorf("%w: enqueue: %w", notify.ErrTransient, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Concurrency int
	// Queues maps queue names to priority weights. Defaults to DefaultQueue.
	Queues map[string]int
	Logger *slog.Logger
}

// Worker consumes domain-event tasks and hands them to a sink, normally the
// notify.Dispatcher.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	sink   notify.Sink
	log    *slog.Logger
}

// NewWorker creates a worker delivering tasks to sink.
func NewWorker(opt asynq.RedisConnOpt, sink notify.Sink, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = map[string]int{DefaultQueue: 1}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Worker{sink: sink, log: cfg.Logger, mux: asynq.NewServeMux()}
	w.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      cfg.Queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			w.log.Error("notification.task.fail", slog.String("task", task.Type()), slog.String("err", err.Error()))
		}),
	})
	w.mux.HandleFunc(TaskDomainEvent, w.HandleDomainEvent)
	return w
}

// HandleDomainEvent is the asynq handler for TaskDomainEvent. Malformed or
// invalid events are not retried.
func (w *Worker) HandleDomainEvent(ctx context.Context, t *asynq.Task) error {
	var ev notify.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return fmt.Errorf("decode domain event: %v: %w", err, asynq.SkipRetry)
	}
	if err := w.sink.Submit(ctx, ev); err != nil {
		if errors.Is(err, notify.ErrInvalidArgument) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

// Run processes tasks until ctx is canceled, then shuts down gracefully.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("asynq: start worker: %w", err)
	}
	w.log.Info("notification.worker.start")
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}

var _ notify.Sink = (*Client)(nil)
