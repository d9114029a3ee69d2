// Package broker defines the topic-based publish/subscribe hub that fans live
// conversation and notification updates out to connected sessions.
//
// Delivery is at-least-once to every subscriber registered when Publish is
// called, unless the subscriber falls so far behind that the hub has to
// discard queued events; such subscribers are told through Lagger and are
// expected to re-fetch. There is no persistence and no replay: a session that is not
// subscribed when an event is published misses it and must catch up by
// re-fetching. Within one topic events are delivered in publish order; no
// ordering holds across topics.
//
// Unsubscribe is a barrier. Once it returns, no callback for that
// (topic, subscriber) pair will start, and any callback that was running has
// finished. Implementations enforce this with a per-subscription generation
// counter checked under the delivery lock.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed hub.
	ErrClosed = errors.New("broker: hub closed")
	// ErrInvalidTopic is returned for topics that are neither conversation
	// nor user topics.
	ErrInvalidTopic = errors.New("broker: invalid topic")
	// ErrTransient wraps failures of the underlying transport.
	ErrTransient = errors.New("broker: transport unavailable")
)

// Topic is an ephemeral subscription key, either "conversation:{id}" or
// "user:{id}".
type Topic string

// TopicKind distinguishes the two topic families.
type TopicKind string

const (
	KindConversation TopicKind = "conversation"
	KindUser         TopicKind = "user"
)

// ConversationTopic is the topic carrying live updates of one conversation.
func ConversationTopic(conversationID string) Topic {
	return Topic(string(KindConversation) + ":" + conversationID)
}

// UserTopic is the topic carrying a user's notifications and conversation
// list updates.
func UserTopic(userID string) Topic {
	return Topic(string(KindUser) + ":" + userID)
}

// ParseTopic validates s and returns it as a Topic.
func ParseTopic(s string) (Topic, error) {
	t := Topic(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	return t, nil
}

func (t Topic) split() (TopicKind, string) {
	kind, id, ok := strings.Cut(string(t), ":")
	if !ok {
		return "", ""
	}
	return TopicKind(kind), id
}

// Kind reports the topic family.
func (t Topic) Kind() TopicKind {
	k, _ := t.split()
	return k
}

// ID returns the conversation or user id the topic refers to.
func (t Topic) ID() string {
	_, id := t.split()
	return id
}

// Valid reports whether t is a well-formed topic.
func (t Topic) Valid() bool {
	k, id := t.split()
	return (k == KindConversation || k == KindUser) && id != "" && !strings.ContainsAny(id, " *?[]")
}

func (t Topic) String() string { return string(t) }

// EventType names the kind of change an Event carries.
type EventType string

const (
	EventMessageCreated      EventType = "message.created"
	EventMessageDelivered    EventType = "message.delivered"
	EventMessageRead         EventType = "message.read"
	EventMessageDeleted      EventType = "message.deleted"
	EventConversationUpdated EventType = "conversation.updated"
	EventNotificationCreated EventType = "notification.created"
	EventNotificationRead    EventType = "notification.read"
)

// Event is the envelope published on a topic.
type Event struct {
	// ID is assigned by the hub when empty.
	ID        string          `json:"id"`
	Topic     Topic           `json:"topic"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewEvent marshals payload into an Event of the given type.
func NewEvent(typ EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("broker: marshal %s payload: %w", typ, err)
	}
	return Event{Type: typ, Data: data}, nil
}

// Decode unmarshals the event data into ref.
func (e Event) Decode(ref any) error {
	if err := json.Unmarshal(e.Data, ref); err != nil {
		return fmt.Errorf("broker: decode %s event: %w", e.Type, err)
	}
	return nil
}

// Subscriber is the handle of a live session. ID must be stable for the
// lifetime of the session; the hub keys subscriptions by (topic, ID).
type Subscriber interface {
	ID() string
	// Deliver is called on a hub-owned goroutine. Calls for one topic are
	// sequential and in publish order.
	Deliver(ctx context.Context, ev Event)
}

// Lagger is implemented by subscribers that need to know when the hub
// discarded events queued for them. Lagged runs on the delivery goroutine,
// before the next event that survived, and is subject to the same
// Unsubscribe barrier as Deliver.
type Lagger interface {
	Lagged(ctx context.Context, topic Topic, dropped int)
}

// SubscriberFunc adapts a function to the Subscriber interface. OnLag, when
// set, receives Lagged calls.
type SubscriberFunc struct {
	SubscriberID string
	Fn           func(ctx context.Context, ev Event)
	OnLag        func(ctx context.Context, topic Topic, dropped int)
}

func (s SubscriberFunc) ID() string                             { return s.SubscriberID }
func (s SubscriberFunc) Deliver(ctx context.Context, ev Event) { s.Fn(ctx, ev) }

func (s SubscriberFunc) Lagged(ctx context.Context, topic Topic, dropped int) {
	if s.OnLag != nil {
		s.OnLag(ctx, topic, dropped)
	}
}

// Hub is the publish/subscribe contract consumed by the chat service, the
// notification dispatcher and client sessions.
type Hub interface {
	// Subscribe registers sub on topic. Subscribing the same subscriber ID
	// twice to one topic is a no-op.
	Subscribe(ctx context.Context, topic Topic, sub Subscriber) error

	// Unsubscribe removes sub from topic. See the package documentation for
	// the barrier guarantee. Calling it from within sub's own Deliver, with
	// the context passed to Deliver, does not wait for that callback.
	Unsubscribe(ctx context.Context, topic Topic, sub Subscriber) error

	// Publish delivers ev to every current subscriber of topic and returns
	// the event ID.
	Publish(ctx context.Context, topic Topic, ev Event) (eventID string, err error)

	// OnResync registers fn to be called whenever the hub may have missed
	// events (for example after an upstream reconnect). The returned func
	// removes the registration.
	OnResync(fn func(ctx context.Context)) (remove func())

	// Close releases resources and stops all deliveries.
	Close() error
}
