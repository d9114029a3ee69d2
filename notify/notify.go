// Package notify turns marketplace domain events into per-recipient
// notification records, keeps unread counters, and pushes live badge updates
// on each recipient's user topic.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("notify: not found")
	ErrUnauthorized    = errors.New("notify: not the recipient")
	ErrInvalidArgument = errors.New("notify: invalid argument")
	ErrTransient       = errors.New("notify: store unavailable")
)

// Event is a domain event that may produce notifications. Recipients are the
// users interested in it; the actor never notifies themselves.
type Event struct {
	Type       Type
	ActorID    string
	Recipients []string
	Payload    Payload
	OccurredAt time.Time
}

type eventJSON struct {
	Type       Type            `json:"type"`
	ActorID    string          `json:"actorId,omitempty"`
	Recipients []string        `json:"recipients"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		Type:       e.Type,
		ActorID:    e.ActorID,
		Recipients: e.Recipients,
		Payload:    payload,
		OccurredAt: e.OccurredAt,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		Type:       raw.Type,
		ActorID:    raw.ActorID,
		Recipients: raw.Recipients,
		Payload:    payload,
		OccurredAt: raw.OccurredAt,
	}
	return nil
}

// Record is one notification addressed to one user.
type Record struct {
	ID          string
	RecipientID string
	Type        Type
	Payload     Payload
	IsRead      bool
	CreatedAt   time.Time
	ReadAt      *time.Time
}

type recordJSON struct {
	ID          string          `json:"id"`
	RecipientID string          `json:"recipientId"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	IsRead      bool            `json:"isRead"`
	CreatedAt   time.Time       `json:"createdAt"`
	ReadAt      *time.Time      `json:"readAt,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordJSON{
		ID:          r.ID,
		RecipientID: r.RecipientID,
		Type:        r.Type,
		Payload:     payload,
		IsRead:      r.IsRead,
		CreatedAt:   r.CreatedAt,
		ReadAt:      r.ReadAt,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*r = Record{
		ID:          raw.ID,
		RecipientID: raw.RecipientID,
		Type:        raw.Type,
		Payload:     payload,
		IsRead:      raw.IsRead,
		CreatedAt:   raw.CreatedAt,
		ReadAt:      raw.ReadAt,
	}
	return nil
}

// ReadEvent is published on a user topic when notifications become read.
// All is set by MarkAllRead, in which case IDs lists what changed.
type ReadEvent struct {
	RecipientID     string    `json:"recipientId"`
	NotificationIDs []string  `json:"notificationIds"`
	All             bool      `json:"all,omitempty"`
	ReadAt          time.Time `json:"readAt"`
}

// Page is one page of a user's feed, newest first.
type Page struct {
	Records []Record `json:"records"`
	Page    int      `json:"page"`
	Size    int      `json:"size"`
	HasMore bool     `json:"hasMore"`
}

// Store persists notification records.
type Store interface {
	// Insert stores every record or none.
	Insert(ctx context.Context, records []Record) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Record, error)
	// MarkRead reports whether the record changed.
	MarkRead(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkAllRead returns the ids that changed.
	MarkAllRead(ctx context.Context, recipientID string, at time.Time) ([]string, error)
	// List returns up to limit records after offset, newest first, and
	// whether more exist.
	List(ctx context.Context, recipientID string, offset, limit int) ([]Record, bool, error)
	UnreadCount(ctx context.Context, recipientID string) (int, error)
}

// Sink accepts domain events for notification, either synchronously (the
// Dispatcher) or through a queue.
type Sink interface {
	Submit(ctx context.Context, ev Event) error
}

// Validate checks the structural rules every event must satisfy.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown notification type %q", ErrInvalidArgument, e.Type)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidArgument)
	}
	if e.Payload.Type() != e.Type {
		return fmt.Errorf("%w: payload %s does not match event type %s", ErrInvalidArgument, e.Payload.Type(), e.Type)
	}
	if len(e.Recipients) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidArgument)
	}
	if err := validate.Struct(e.Payload); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrInvalidArgument, e.Type, err)
	}
	return nil
}
