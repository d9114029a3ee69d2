package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/estate-realtime/broker"
	"github.com/ggoodman/estate-realtime/chat"
	"github.com/ggoodman/estate-realtime/internal/backoff"
	"github.com/ggoodman/estate-realtime/notify"
	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("sessions: session closed")

// Change is an update the session accepted: a live event that was not a
// duplicate, or an item found by reconciliation that had been missed.
type Change struct {
	Event      broker.Event
	Reconciled bool
}

// Session is one client connection's view of the realtime system: the
// topics it follows, a deduplicated timeline per watched conversation, the
// notification feed and the unread counter.
type Session struct {
	id       string
	userID   string
	link     Link
	rec      Reconciler
	log      *slog.Logger
	policy   backoff.Policy
	interval time.Duration
	persist  func(ctx context.Context, s *Session)
	onClose  func(id string)

	closed       atomic.Bool
	reconnecting atomic.Bool
	rerun        atomic.Bool
	startOnce    sync.Once
	life         context.Context
	stop         context.CancelFunc
	wg           sync.WaitGroup
	dropRemove   func()

	mu            sync.Mutex
	topics        map[broker.Topic]struct{}
	timelines     map[string]map[string]chat.Message
	tombstones    map[string]struct{}
	conversations map[string]chat.Conversation
	feed          map[string]notify.Record
	readElsewhere map[string]struct{}
	unread        int
	observers     map[int]func(Change)
	nextObserver  int
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// Connect subscribes to the user's topic and to each conversation, then
// loads their current state and starts periodic unread reconciliation.
func (s *Session) Connect(ctx context.Context, conversationIDs ...string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	topics := []broker.Topic{broker.UserTopic(s.userID)}
	s.mu.Lock()
	for _, id := range conversationIDs {
		topics = append(topics, broker.ConversationTopic(id))
		if s.timelines[id] == nil {
			s.timelines[id] = make(map[string]chat.Message)
		}
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	s.mu.Unlock()

	for _, t := range topics {
		if err := s.subscribe(ctx, t); err != nil {
			return err
		}
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.runUnreadLoop()
	})
	s.save(ctx)
	return s.Reconcile(ctx)
}

// Watch follows a conversation mounted after Connect and loads its latest
// page.
func (s *Session) Watch(ctx context.Context, conversationID string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	topic := broker.ConversationTopic(conversationID)
	if !topic.Valid() {
		return fmt.Errorf("%w: %q", broker.ErrInvalidTopic, conversationID)
	}
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	if s.timelines[conversationID] == nil {
		s.timelines[conversationID] = make(map[string]chat.Message)
	}
	s.mu.Unlock()

	if err := s.subscribe(ctx, topic); err != nil {
		return err
	}
	s.save(ctx)
	msgs, err := s.rec.LatestMessages(ctx, s.userID, conversationID)
	if err != nil {
		// Live events still flow; the next reconcile fills the gap.
		s.log.WarnContext(ctx, "session.watch.fetch.fail", slog.String("conversation", conversationID), slog.String("err", err.Error()))
		return nil
	}
	s.mergeMessages(conversationID, msgs)
	return nil
}

// Unwatch stops following a conversation and drops its timeline.
func (s *Session) Unwatch(ctx context.Context, conversationID string) error {
	topic := broker.ConversationTopic(conversationID)
	s.mu.Lock()
	delete(s.topics, topic)
	delete(s.timelines, conversationID)
	s.mu.Unlock()
	if err := s.link.Unsubscribe(ctx, topic); err != nil {
		return err
	}
	s.save(ctx)
	return nil
}

func (s *Session) subscribe(ctx context.Context, topic broker.Topic) error {
	if err := s.link.Subscribe(ctx, topic, s.handler(topic)); err != nil {
		return err
	}
	// Close may have run while we were subscribing.
	if s.closed.Load() {
		_ = s.link.Unsubscribe(ctx, topic)
		return ErrClosed
	}
	return nil
}

func (s *Session) handler(topic broker.Topic) Handler {
	return func(ctx context.Context, ev broker.Event) {
		if ev.Topic == "" {
			ev.Topic = topic
		}
		s.deliver(ev)
	}
}

// Reconnect resubscribes every active topic, retrying with exponential
// backoff until ctx ends, then reconciles. A call arriving while another
// runs returns at once and makes the running one repeat.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	// A drop reported while a reconnect is running makes that reconnect go
	// around once more instead of being lost.
	s.rerun.Store(true)
	for s.rerun.Load() {
		if !s.reconnecting.CompareAndSwap(false, true) {
			return nil
		}
		var err error
		for err == nil && s.rerun.Swap(false) {
			err = s.reconnectOnce(ctx)
		}
		s.reconnecting.Store(false)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) reconnectOnce(ctx context.Context) error {
	for _, topic := range s.Topics() {
		err := s.policy.Retry(ctx, func(ctx context.Context) error {
			return s.subscribe(ctx, topic)
		}, func(err error) bool {
			return !errors.Is(err, ErrClosed) && !errors.Is(err, broker.ErrInvalidTopic)
		}, func(attempt int, err error, wait time.Duration) {
			s.log.WarnContext(ctx, "session.resubscribe.retry",
				slog.String("session", s.id),
				slog.String("topic", topic.String()),
				slog.Int("attempt", attempt+1),
				slog.Duration("wait", wait),
				slog.String("err", err.Error()))
		})
		if err != nil {
			return err
		}
	}
	s.log.InfoContext(ctx, "session.reconnect.ok", slog.String("session", s.id))
	return s.Reconcile(ctx)
}

// Reconcile re-fetches the latest page of every watched conversation and of
// the notification feed, merges them by ID and resets the unread counter to
// the true count. Partial failures leave the affected state untouched.
func (s *Session) Reconcile(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var errs []error
	for _, cid := range s.Watching() {
		msgs, err := s.rec.LatestMessages(ctx, s.userID, cid)
		if err != nil {
			errs = append(errs, fmt.Errorf("conversation %s: %w", cid, err))
			continue
		}
		s.mergeMessages(cid, msgs)
	}

	if recs, err := s.rec.LatestNotifications(ctx, s.userID); err != nil {
		errs = append(errs, fmt.Errorf("notifications: %w", err))
	} else {
		s.mergeNotifications(recs)
	}

	if err := s.refreshUnread(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unread count: %w", err))
	}

	if s.closed.Load() {
		return ErrClosed
	}
	if err := errors.Join(errs...); err != nil {
		s.log.WarnContext(ctx, "session.reconcile.fail", slog.String("session", s.id), slog.String("err", err.Error()))
		return err
	}
	return nil
}

func (s *Session) refreshUnread(ctx context.Context) error {
	n, err := s.rec.UnreadCount(ctx, s.userID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if !s.closed.Load() {
		s.unread = n
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) runUnreadLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.life.Done():
			return
		case <-t.C:
			if err := s.refreshUnread(s.life); err != nil && s.life.Err() == nil {
				s.log.Warn("session.unread.reconcile.fail", slog.String("session", s.id), slog.String("err", err.Error()))
			}
		}
	}
}

func (s *Session) reconcileEvent(typ broker.EventType, topic broker.Topic, payload any) (broker.Event, bool) {
	ev, err := broker.NewEvent(typ, payload)
	if err != nil {
		s.log.Error("session.reconcile.encode.fail", slog.String("err", err.Error()))
		return broker.Event{}, false
	}
	ev.ID = "reconcile-" + uuid.NewString()
	ev.Topic = topic
	ev.CreatedAt = time.Now().UTC()
	return ev, true
}

func (s *Session) mergeMessages(conversationID string, msgs []chat.Message) {
	topic := broker.ConversationTopic(conversationID)
	var changes []Change
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}
	for _, m := range msgs {
		if !s.mergeMessageLocked(m) {
			continue
		}
		if ev, ok := s.reconcileEvent(broker.EventMessageCreated, topic, m); ok {
			changes = append(changes, Change{Event: ev, Reconciled: true})
		}
	}
	obs := s.observersLocked()
	s.mu.Unlock()
	notifyObservers(obs, changes)
}

func (s *Session) mergeNotifications(recs []notify.Record) {
	topic := broker.UserTopic(s.userID)
	var changes []Change
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}
	for _, r := range recs {
		if r.RecipientID != s.userID {
			continue
		}
		if cur, ok := s.feed[r.ID]; ok {
			if r.IsRead && !cur.IsRead {
				s.feed[r.ID] = r
			}
			continue
		}
		if _, ok := s.readElsewhere[r.ID]; ok {
			r.IsRead = true
		}
		s.feed[r.ID] = r
		if ev, ok := s.reconcileEvent(broker.EventNotificationCreated, topic, r); ok {
			changes = append(changes, Change{Event: ev, Reconciled: true})
		}
	}
	obs := s.observersLocked()
	s.mu.Unlock()
	notifyObservers(obs, changes)
}

// mergeMessageLocked adds m to its timeline and reports whether it was new.
// A known message only ever advances its state.
func (s *Session) mergeMessageLocked(m chat.Message) bool {
	tl := s.timelines[m.ConversationID]
	if tl == nil {
		return false
	}
	if _, gone := s.tombstones[m.ID]; gone {
		return false
	}
	cur, ok := tl[m.ID]
	if !ok {
		tl[m.ID] = m
		return true
	}
	if next, advanced := cur.State.Advance(m.State); advanced {
		cur.State = next
		if m.ReadAt != nil {
			cur.ReadAt = m.ReadAt
		}
		tl[m.ID] = cur
	}
	return false
}

func (s *Session) deliver(ev broker.Event) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	accepted := s.applyLocked(ev)
	var obs []func(Change)
	if accepted {
		obs = s.observersLocked()
	}
	s.mu.Unlock()
	if accepted {
		notifyObservers(obs, []Change{{Event: ev}})
	}
}

// applyLocked merges a live event and reports whether it carried anything
// the session had not already seen.
func (s *Session) applyLocked(ev broker.Event) bool {
	switch ev.Type {
	case broker.EventMessageCreated:
		var m chat.Message
		if !s.decode(ev, &m) {
			return false
		}
		return s.mergeMessageLocked(m)

	case broker.EventMessageRead:
		var re chat.ReadEvent
		if !s.decode(ev, &re) {
			return false
		}
		at := re.ReadAt
		return s.advanceLocked(re.ConversationID, re.MessageIDs, chat.StateRead, &at)

	case broker.EventMessageDelivered:
		var de chat.DeliveredEvent
		if !s.decode(ev, &de) {
			return false
		}
		return s.advanceLocked(de.ConversationID, de.MessageIDs, chat.StateDelivered, nil)

	case broker.EventMessageDeleted:
		var de chat.DeletedEvent
		if !s.decode(ev, &de) {
			return false
		}
		if _, seen := s.tombstones[de.MessageID]; seen {
			return false
		}
		s.tombstones[de.MessageID] = struct{}{}
		if tl := s.timelines[de.ConversationID]; tl != nil {
			delete(tl, de.MessageID)
		}
		return true

	case broker.EventConversationUpdated:
		var c chat.Conversation
		if !s.decode(ev, &c) {
			return false
		}
		if cur, ok := s.conversations[c.ID]; ok && !laterActivity(c, cur) {
			return false
		}
		s.conversations[c.ID] = c
		return true

	case broker.EventNotificationCreated:
		var r notify.Record
		if !s.decode(ev, &r) {
			return false
		}
		if _, ok := s.feed[r.ID]; ok {
			return false
		}
		if _, ok := s.readElsewhere[r.ID]; ok {
			r.IsRead = true
		}
		s.feed[r.ID] = r
		if !r.IsRead {
			s.unread++
		}
		return true

	case broker.EventNotificationRead:
		var re notify.ReadEvent
		if !s.decode(ev, &re) {
			return false
		}
		changed := false
		for _, id := range re.NotificationIDs {
			if r, ok := s.feed[id]; ok {
				if r.IsRead {
					continue
				}
				at := re.ReadAt
				r.IsRead, r.ReadAt = true, &at
				s.feed[id] = r
			} else {
				if _, seen := s.readElsewhere[id]; seen {
					continue
				}
				s.readElsewhere[id] = struct{}{}
			}
			s.unread = max(s.unread-1, 0)
			changed = true
		}
		return changed
	}
	return true
}

// advanceLocked moves known messages forward. Messages outside the loaded
// window count as changes so that the event is still passed on.
func (s *Session) advanceLocked(conversationID string, ids []string, to chat.State, at *time.Time) bool {
	tl := s.timelines[conversationID]
	if tl == nil {
		return false
	}
	changed := false
	for _, id := range ids {
		m, ok := tl[id]
		if !ok {
			if _, gone := s.tombstones[id]; !gone {
				changed = true
			}
			continue
		}
		next, advanced := m.State.Advance(to)
		if !advanced {
			continue
		}
		m.State = next
		if at != nil {
			t := *at
			m.ReadAt = &t
		}
		tl[id] = m
		changed = true
	}
	return changed
}

func laterActivity(c, cur chat.Conversation) bool {
	switch {
	case c.LastMessageAt == nil:
		return false
	case cur.LastMessageAt == nil:
		return true
	}
	return c.LastMessageAt.After(*cur.LastMessageAt)
}

func (s *Session) decode(ev broker.Event, ref any) bool {
	if err := ev.Decode(ref); err != nil {
		s.log.Warn("session.event.decode.fail", slog.String("session", s.id), slog.String("err", err.Error()))
		return false
	}
	return true
}

// OnChange registers fn to observe accepted changes. fn runs on the
// delivering goroutine and must not call Close.
func (s *Session) OnChange(fn func(Change)) (remove func()) {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Session) observersLocked() []func(Change) {
	out := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		out = append(out, fn)
	}
	return out
}

func notifyObservers(obs []func(Change), changes []Change) {
	for _, c := range changes {
		for _, fn := range obs {
			fn(c)
		}
	}
}

// Messages returns a conversation's timeline in (CreatedAt, ID) order.
func (s *Session) Messages(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl := s.timelines[conversationID]
	out := make([]chat.Message, 0, len(tl))
	for _, m := range tl {
		out = append(out, m)
	}
	slices.SortFunc(out, chat.Compare)
	return out
}

// Notifications returns the feed, newest first.
func (s *Session) Notifications() []notify.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Record, 0, len(s.feed))
	for _, r := range s.feed {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b notify.Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out
}

// Unread returns the session's unread notification count.
func (s *Session) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Topics returns the topics the session follows, sorted.
func (s *Session) Topics() []broker.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.Topic, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Watching returns the IDs of watched conversations, sorted.
func (s *Session) Watching() []string {
	var out []string
	for _, t := range s.Topics() {
		if t.Kind() == broker.KindConversation {
			out = append(out, t.ID())
		}
	}
	return out
}

// Close unsubscribes every topic and stops background work. Once it
// returns no handler runs and late reconciliation results are discarded.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.stop()
	if s.dropRemove != nil {
		s.dropRemove()
	}
	var errs []error
	for _, t := range s.Topics() {
		if err := s.link.Unsubscribe(ctx, t); err != nil && !errors.Is(err, broker.ErrClosed) && !errors.Is(err, ErrLinkDown) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", t, err))
		}
	}
	s.wg.Wait()
	if s.onClose != nil {
		s.onClose(s.id)
	}
	s.log.InfoContext(ctx, "session.close", slog.String("session", s.id))
	return errors.Join(errs...)
}

func (s *Session) save(ctx context.Context) {
	if s.persist != nil && !s.closed.Load() {
		s.persist(ctx, s)
	}
}
