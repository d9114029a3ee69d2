package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ggoodman/estate-realtime/broker"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithHub sets the hub used for live updates. Without one, records are
// stored but nothing is pushed.
func WithHub(h broker.Hub) Option {
	return func(d *Dispatcher) { d.hub = h }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher creates notification records from domain events and manages
// their read state.
type Dispatcher struct {
	store   Store
	hub     broker.Hub
	counter *Counter
	log     *slog.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher over store.
func NewDispatcher(store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store: store,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.counter = NewCounter(store)
	return d
}

// Counter exposes the dispatcher's incremental unread counters.
func (d *Dispatcher) Counter() *Counter { return d.counter }

// OnDomainEvent inserts one record per interested recipient and publishes
// each on the recipient's user topic. MessageSent notifies even when the
// recipient is looking at the conversation.
func (d *Dispatcher) OnDomainEvent(ctx context.Context, ev Event) ([]Record, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	now := d.now().UTC().Truncate(time.Microsecond)
	seen := make(map[string]struct{}, len(ev.Recipients))
	records := make([]Record, 0, len(ev.Recipients))
	for _, rcpt := range ev.Recipients {
		if rcpt == "" || rcpt == ev.ActorID {
			continue
		}
		if _, dup := seen[rcpt]; dup {
			continue
		}
		seen[rcpt] = struct{}{}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("notify: generate id: %w", err)
		}
		records = append(records, Record{
			ID:          id.String(),
			RecipientID: rcpt,
			Type:        ev.Type,
			Payload:     ev.Payload,
			CreatedAt:   now,
		})
	}
	if len(records) == 0 {
		return nil, nil
	}

	if err := d.store.Insert(ctx, records); err != nil {
		d.log.Error("notification.insert.fail", slog.String("type", string(ev.Type)), slog.String("err", err.Error()))
		return nil, err
	}

	for _, rec := range records {
		d.counter.Add(rec.RecipientID, 1)
		d.publish(ctx, rec.RecipientID, broker.EventNotificationCreated, rec)
	}
	d.log.Debug("notification.dispatch", slog.String("type", string(ev.Type)), slog.Int("recipients", len(records)))
	return records, nil
}

// Submit implements Sink by dispatching synchronously.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) error {
	_, err := d.OnDomainEvent(ctx, ev)
	return err
}

// MarkRead marks one notification read on behalf of userID.
func (d *Dispatcher) MarkRead(ctx context.Context, notificationID, userID string) error {
	rec, err := d.store.Get(ctx, notificationID)
	if err != nil {
		return err
	}
	if rec.RecipientID != userID {
		return ErrUnauthorized
	}
	if rec.IsRead {
		return nil
	}

	at := d.now().UTC().Truncate(time.Microsecond)
	changed, err := d.store.MarkRead(ctx, notificationID, at)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	d.counter.Add(userID, -1)
	d.publish(ctx, userID, broker.EventNotificationRead, ReadEvent{
		RecipientID:     userID,
		NotificationIDs: []string{notificationID},
		ReadAt:          at,
	})
	return nil
}

// MarkAllRead marks every unread notification of userID and returns how many
// changed.
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	at := d.now().UTC().Truncate(time.Microsecond)
	ids, err := d.store.MarkAllRead(ctx, userID, at)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	d.counter.Set(userID, 0)
	d.publish(ctx, userID, broker.EventNotificationRead, ReadEvent{
		RecipientID:     userID,
		NotificationIDs: ids,
		All:             true,
		ReadAt:          at,
	})
	return len(ids), nil
}

// List returns one page of userID's feed. page is zero-based.
func (d *Dispatcher) List(ctx context.Context, userID string, page, size int) (Page, error) {
	if page < 0 {
		return Page{}, fmt.Errorf("%w: negative page", ErrInvalidArgument)
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	// The store reads one record past the page, so the offset plus one
	// more page must still fit in an int.
	if page > math.MaxInt/size-2 {
		return Page{}, fmt.Errorf("%w: page %d out of range", ErrInvalidArgument, page)
	}
	records, more, err := d.store.List(ctx, userID, page*size, size)
	if err != nil {
		return Page{}, err
	}
	if records == nil {
		records = []Record{}
	}
	return Page{Records: records, Page: page, Size: size, HasMore: more}, nil
}

// UnreadCount recounts userID's unread notifications from the store and
// corrects the incremental counter with the result.
func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int, error) {
	return d.counter.Reconcile(ctx, userID)
}

func (d *Dispatcher) publish(ctx context.Context, userID string, typ broker.EventType, payload any) {
	if d.hub == nil {
		return
	}
	ev, err := broker.NewEvent(typ, payload)
	if err != nil {
		d.log.Error("notification.publish.fail", slog.String("err", err.Error()))
		return
	}
	if _, err := d.hub.Publish(ctx, broker.UserTopic(userID), ev); err != nil && !errors.Is(err, broker.ErrClosed) {
		d.log.Warn("notification.publish.fail",
			slog.String("user", userID),
			slog.String("event", string(typ)),
			slog.String("err", err.Error()))
	}
}

var _ Sink = (*Dispatcher)(nil)
