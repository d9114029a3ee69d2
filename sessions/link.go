package sessions

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/estate-realtime/broker"
)

// ErrLinkDown is returned by a Link that is currently disconnected.
var ErrLinkDown = errors.New("sessions: link down")

// Handler receives the events of one subscribed topic. Calls for a topic
// are sequential.
type Handler func(ctx context.Context, ev broker.Event)

// Link is the realtime transport a session subscribes through.
type Link interface {
	Subscribe(ctx context.Context, topic broker.Topic, h Handler) error
	// Unsubscribe stops delivery for topic. Once it returns, no further
	// handler call for topic starts.
	Unsubscribe(ctx context.Context, topic broker.Topic) error
}

// Dropper is implemented by links that can lose their connection. The
// session reconnects and reconciles whenever fn is called.
type Dropper interface {
	OnDrop(fn func()) (remove func())
}

// HubLink subscribes directly to a broker.Hub. Hub resyncs and events the
// hub discarded for this link are reported as drops so that sessions
// reconcile after missing events.
type HubLink struct {
	hub broker.Hub
	id  string

	mu      sync.Mutex
	subs    map[broker.Topic]broker.Subscriber
	drops   map[int]func()
	dropSeq int
}

// NewHubLink returns a link registering on hub as subscriberID.
func NewHubLink(hub broker.Hub, subscriberID string) *HubLink {
	return &HubLink{
		hub:   hub,
		id:    subscriberID,
		subs:  make(map[broker.Topic]broker.Subscriber),
		drops: make(map[int]func()),
	}
}

func (l *HubLink) Subscribe(ctx context.Context, topic broker.Topic, h Handler) error {
	sub := broker.SubscriberFunc{
		SubscriberID: l.id,
		Fn:           h,
		OnLag:        func(context.Context, broker.Topic, int) { l.dropped() },
	}
	if err := l.hub.Subscribe(ctx, topic, sub); err != nil {
		return err
	}
	l.mu.Lock()
	l.subs[topic] = sub
	l.mu.Unlock()
	return nil
}

func (l *HubLink) Unsubscribe(ctx context.Context, topic broker.Topic) error {
	l.mu.Lock()
	sub, ok := l.subs[topic]
	delete(l.subs, topic)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return l.hub.Unsubscribe(ctx, topic, sub)
}

func (l *HubLink) OnDrop(fn func()) func() {
	removeResync := l.hub.OnResync(func(context.Context) { fn() })
	l.mu.Lock()
	id := l.dropSeq
	l.dropSeq++
	l.drops[id] = fn
	l.mu.Unlock()
	return func() {
		removeResync()
		l.mu.Lock()
		delete(l.drops, id)
		l.mu.Unlock()
	}
}

func (l *HubLink) dropped() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.drops))
	for _, fn := range l.drops {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

var (
	_ Link    = (*HubLink)(nil)
	_ Dropper = (*HubLink)(nil)
)
