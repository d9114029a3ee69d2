// Package memory provides an in-process implementation of broker.Hub. It is
// the delivery engine for single-node deployments and the local fan-out stage
// of the redis hub.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/estate-realtime/broker"
)

const defaultQueueLimit = 1024

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(h *Hub) { h.log = log }
}

// WithQueueLimit bounds the number of undelivered events buffered per
// subscription. When the bound is hit the oldest pending event is dropped
// and the subscriber, if it implements broker.Lagger, is told how many were
// lost.
func WithQueueLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueLimit = n
		}
	}
}

// Hub implements broker.Hub in memory. Each subscription owns a FIFO queue
// and a delivery goroutine, so a slow subscriber never blocks publishers or
// other subscribers.
type Hub struct {
	mu     sync.RWMutex
	topics map[broker.Topic]*topic
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	eventCounter atomic.Int64
	queueLimit   int
	log          *slog.Logger

	resyncMu   sync.Mutex
	resyncFns  map[int]func(ctx context.Context)
	resyncNext int
}

type topic struct {
	// mu serializes publishers so every subscriber sees one order.
	mu   sync.Mutex
	subs map[string]*subscription
}

type queued struct {
	ev  broker.Event
	gen uint64
}

type subscription struct {
	hub   *Hub
	topic broker.Topic
	sub   broker.Subscriber

	// gen changes on unsubscribe; queued events carrying a stale generation
	// are discarded.
	gen       atomic.Uint64
	deliverMu sync.Mutex

	qmu     sync.Mutex
	queue   []queued
	lagged  int
	wake    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

type deliveringKey struct{}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		topics:     make(map[broker.Topic]*topic),
		ctx:        ctx,
		cancel:     cancel,
		queueLimit: defaultQueueLimit,
		log:        slog.Default(),
		resyncFns:  make(map[int]func(ctx context.Context)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe implements broker.Hub.
func (h *Hub) Subscribe(ctx context.Context, t broker.Topic, sub broker.Subscriber) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.Valid() {
		return fmt.Errorf("%w: %q", broker.ErrInvalidTopic, t)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return broker.ErrClosed
	}

	tp, ok := h.topics[t]
	if !ok {
		tp = &topic{subs: make(map[string]*subscription)}
		h.topics[t] = tp
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if _, exists := tp.subs[sub.ID()]; exists {
		return nil
	}
	s := &subscription{
		hub:   h,
		topic: t,
		sub:   sub,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	tp.subs[sub.ID()] = s
	go s.run()

	h.log.Debug("hub.subscribe", slog.String("topic", t.String()), slog.String("subscriber", sub.ID()))
	return nil
}

// Unsubscribe implements broker.Hub.
func (h *Hub) Unsubscribe(ctx context.Context, t broker.Topic, sub broker.Subscriber) error {
	h.mu.Lock()
	tp, ok := h.topics[t]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	tp.mu.Lock()
	s, ok := tp.subs[sub.ID()]
	if ok {
		delete(tp.subs, sub.ID())
	}
	if len(tp.subs) == 0 {
		delete(h.topics, t)
	}
	tp.mu.Unlock()
	h.mu.Unlock()

	if !ok {
		return nil
	}

	if ctx != nil && ctx.Value(deliveringKey{}) == s {
		// Called from inside this subscription's own callback; deliverMu is
		// already held by this goroutine.
		s.gen.Add(1)
		s.stop()
		return nil
	}

	s.deliverMu.Lock()
	s.gen.Add(1)
	s.deliverMu.Unlock()
	s.stop()

	h.log.Debug("hub.unsubscribe", slog.String("topic", t.String()), slog.String("subscriber", sub.ID()))
	return nil
}

// Publish implements broker.Hub. Events that already carry an ID keep it,
// which lets relays re-publish events that originated on another node.
func (h *Hub) Publish(ctx context.Context, t broker.Topic, ev broker.Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", broker.ErrInvalidTopic, t)
	}
	if ev.ID == "" {
		ev.ID = strconv.FormatInt(h.eventCounter.Add(1), 10)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.Topic = t

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return "", broker.ErrClosed
	}
	tp, ok := h.topics[t]
	if !ok {
		return ev.ID, nil
	}
	tp.mu.Lock()
	for _, s := range tp.subs {
		s.enqueue(ev)
	}
	tp.mu.Unlock()
	return ev.ID, nil
}

// SubscriberCount reports how many subscribers topic t currently has.
func (h *Hub) SubscriberCount(t broker.Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tp, ok := h.topics[t]
	if !ok {
		return 0
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.subs)
}

// OnResync implements broker.Hub.
func (h *Hub) OnResync(fn func(ctx context.Context)) func() {
	h.resyncMu.Lock()
	id := h.resyncNext
	h.resyncNext++
	h.resyncFns[id] = fn
	h.resyncMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.resyncMu.Lock()
			delete(h.resyncFns, id)
			h.resyncMu.Unlock()
		})
	}
}

// Resync invokes every registered resync listener. Relays call it after
// their upstream connection was re-established.
func (h *Hub) Resync(ctx context.Context) {
	h.resyncMu.Lock()
	fns := make([]func(context.Context), 0, len(h.resyncFns))
	for _, fn := range h.resyncFns {
		fns = append(fns, fn)
	}
	h.resyncMu.Unlock()

	h.log.Info("hub.resync", slog.Int("listeners", len(fns)))
	for _, fn := range fns {
		fn(ctx)
	}
}

// Close stops every subscription. Callbacks in flight see their context
// canceled.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	topics := h.topics
	h.topics = make(map[broker.Topic]*topic)
	h.mu.Unlock()

	h.cancel()
	for _, tp := range topics {
		tp.mu.Lock()
		subs := tp.subs
		tp.subs = nil
		tp.mu.Unlock()
		for _, s := range subs {
			s.gen.Add(1)
			s.stop()
		}
	}
	return nil
}

func (s *subscription) enqueue(ev broker.Event) {
	s.qmu.Lock()
	if len(s.queue) >= s.hub.queueLimit {
		dropped := s.queue[0]
		s.queue[0] = queued{}
		s.queue = s.queue[1:]
		s.lagged++
		s.hub.log.Warn("hub.deliver.overflow",
			slog.String("topic", s.topic.String()),
			slog.String("subscriber", s.sub.ID()),
			slog.String("dropped_event", dropped.ev.ID))
	}
	s.queue = append(s.queue, queued{ev: ev, gen: s.gen.Load()})
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.stopped.Do(func() {
		close(s.done)
		s.qmu.Lock()
		s.queue = nil
		s.qmu.Unlock()
	})
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.qmu.Lock()
			if len(s.queue) == 0 {
				s.qmu.Unlock()
				break
			}
			item := s.queue[0]
			s.queue[0] = queued{}
			s.queue = s.queue[1:]
			lagged := s.lagged
			s.lagged = 0
			s.qmu.Unlock()

			s.deliver(item, lagged)

			select {
			case <-s.done:
				return
			default:
			}
		}
	}
}

func (s *subscription) deliver(item queued, lagged int) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if item.gen != s.gen.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.hub.log.Error("hub.deliver.panic",
				slog.String("topic", s.topic.String()),
				slog.String("subscriber", s.sub.ID()),
				slog.Any("panic", r))
		}
	}()

	ctx := context.WithValue(s.hub.ctx, deliveringKey{}, s)
	if l, ok := s.sub.(broker.Lagger); ok && lagged > 0 {
		l.Lagged(ctx, s.topic, lagged)
		if item.gen != s.gen.Load() {
			return
		}
	}
	s.sub.Deliver(ctx, item.ev)
}

var _ broker.Hub = (*Hub)(nil)
