// Package redis provides a broker.Hub that spans processes. Events are
// published to Redis pub/sub channels and every node relays what it receives
// into a local memory hub for fan-out to its own sessions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/estate-realtime/broker"
	"github.com/ggoodman/estate-realtime/broker/memory"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis hub.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// ChannelPrefix is prepended to every topic to form the pub/sub channel.
	// Defaults to "estate:topic:" if empty.
	ChannelPrefix string
	// Logger receives relay diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Hub implements broker.Hub over Redis pub/sub.
type Hub struct {
	client redis.UniversalClient
	prefix string
	local  *memory.Hub
	log    *slog.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// New creates the hub and blocks until the pattern subscription is confirmed
// by the server.
func New(ctx context.Context, cfg Config) (*Hub, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "estate:topic:"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ps := cfg.Client.PSubscribe(ctx, cfg.ChannelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: psubscribe: %w", broker.ErrTransient, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		client: cfg.Client,
		prefix: cfg.ChannelPrefix,
		local:  memory.New(memory.WithLogger(cfg.Logger)),
		log:    cfg.Logger,
		pubsub: ps,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.relay(runCtx)
	return h, nil
}

func (h *Hub) Subscribe(ctx context.Context, topic broker.Topic, sub broker.Subscriber) error {
	return h.local.Subscribe(ctx, topic, sub)
}

func (h *Hub) Unsubscribe(ctx context.Context, topic broker.Topic, sub broker.Subscriber) error {
	return h.local.Unsubscribe(ctx, topic, sub)
}

// Publish sends the event to Redis. Local subscribers receive it through the
// relay like every other node, which keeps one delivery order per topic.
func (h *Hub) Publish(ctx context.Context, topic broker.Topic, ev broker.Event) (string, error) {
	if !topic.Valid() {
		return "", fmt.Errorf("%w: %q", broker.ErrInvalidTopic, topic)
	}
	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate event id: %w", err)
		}
		ev.ID = id.String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.Topic = topic

	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	if err := h.client.Publish(ctx, h.prefix+string(topic), data).Err(); err != nil {
		return "", fmt.Errorf("%w: publish %s: %w", broker.ErrTransient, topic, err)
	}
	return ev.ID, nil
}

func (h *Hub) OnResync(fn func(ctx context.Context)) func() {
	return h.local.OnResync(fn)
}

// SubscriberCount reports local subscribers of topic.
func (h *Hub) SubscriberCount(topic broker.Topic) int {
	return h.local.SubscriberCount(topic)
}

// Close stops the relay and the local hub. The Redis client is owned by the
// caller and stays open.
func (h *Hub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.cancel()
		err = h.pubsub.Close()
		<-h.done
		err = errors.Join(err, h.local.Close())
	})
	return err
}

// relay pumps pub/sub messages into the local hub. go-redis transparently
// reconnects and re-issues PSUBSCRIBE after a receive error; the resulting
// subscription confirmation marks the point from which events may have been
// lost, so listeners are told to resync.
func (h *Hub) relay(ctx context.Context) {
	defer close(h.done)

	lost := false
	for {
		msg, err := h.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if !lost {
				h.log.Warn("hub.relay.receive.fail", slog.String("err", err.Error()))
			}
			lost = true
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if lost {
				lost = false
				h.log.Info("hub.relay.resubscribed", slog.String("channel", m.Channel))
				h.local.Resync(ctx)
			}
		case *redis.Message:
			h.dispatch(ctx, m)
		case *redis.Pong:
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, m *redis.Message) {
	topic, err := broker.ParseTopic(strings.TrimPrefix(m.Channel, h.prefix))
	if err != nil {
		h.log.Warn("hub.relay.topic.invalid", slog.String("channel", m.Channel))
		return
	}
	var ev broker.Event
	if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
		h.log.Warn("hub.relay.decode.fail", slog.String("channel", m.Channel), slog.String("err", err.Error()))
		return
	}
	if _, err := h.local.Publish(ctx, topic, ev); err != nil && !errors.Is(err, broker.ErrClosed) {
		h.log.Error("hub.relay.publish.fail", slog.String("topic", topic.String()), slog.String("err", err.Error()))
	}
}

var _ broker.Hub = (*Hub)(nil)
