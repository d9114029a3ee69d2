package chat

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ggoodman/estate-realtime/broker"
	"github.com/ggoodman/estate-realtime/notify"
	"github.com/ggoodman/estate-realtime/profiles"
	"github.com/google/uuid"
)

const lockStripes = 64

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithHub sets the hub that live updates are published to.
func WithHub(h broker.Hub) Option {
	return func(s *Service) { s.hub = h }
}

// WithNotifier sets where MessageSent domain events go, usually a
// notify.Dispatcher or an asynq queue client.
func WithNotifier(sink notify.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithDirectory sets the profile directory used by ListForUser.
func WithDirectory(d profiles.Directory) Option {
	return func(s *Service) { s.dir = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the conversation and message API. Every operation takes the
// acting user explicitly.
type Service struct {
	store Store
	hub   broker.Hub
	sink  notify.Sink
	dir   profiles.Directory
	log   *slog.Logger
	now   func() time.Time

	// Held from store commit through publish so that events on a
	// conversation topic leave in commit order.
	locks [lockStripes]sync.Mutex
}

// NewService creates a service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		dir:   profiles.NewMemory(),
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) lock(conversationID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// GetOrCreate returns the conversation between actorID and counterpartID,
// creating it on first use. An existing conversation is returned unchanged
// even when propertyID differs from the one it was created with.
func (s *Service) GetOrCreate(ctx context.Context, actorID, counterpartID string, propertyID *string) (Conversation, error) {
	if actorID == "" || counterpartID == "" {
		return Conversation{}, fmt.Errorf("%w: both participants are required", ErrInvalidArgument)
	}
	if actorID == counterpartID {
		return Conversation{}, fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidArgument)
	}
	if propertyID != nil && *propertyID == "" {
		propertyID = nil
	}
	a, b := CanonicalPair(actorID, counterpartID)
	conv, created, err := s.store.GetOrCreateConversation(ctx, Conversation{
		ID:           uuid.Must(uuid.NewV7()).String(),
		ParticipantA: a,
		ParticipantB: b,
		PropertyID:   propertyID,
		CreatedAt:    s.timestamp(),
	})
	if err != nil {
		s.log.Error("conversation.create.fail", slog.String("err", err.Error()))
		return Conversation{}, err
	}
	if created {
		s.log.Info("conversation.create.ok", slog.String("conversation", conv.ID))
		s.publishConversation(ctx, conv)
	}
	return conv, nil
}

// Get returns a conversation actorID participates in.
func (s *Service) Get(ctx context.Context, actorID, conversationID string) (Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !conv.HasParticipant(actorID) {
		return Conversation{}, ErrUnauthorized
	}
	return conv, nil
}

// ListForUser returns userID's conversations, most recently active first,
// each joined with the counterpart's profile. When the directory is
// unavailable the views carry placeholder profiles.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]ConversationView, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidArgument)
	}
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.Counterpart(userID))
	}
	found, err := s.dir.Lookup(ctx, ids...)
	if err != nil {
		s.log.Warn("conversation.profiles.fail", slog.String("user", userID), slog.String("err", err.Error()))
		found = nil
	}
	views := make([]ConversationView, len(convs))
	for i, c := range convs {
		other := c.Counterpart(userID)
		p, ok := found[other]
		if !ok {
			p = profiles.Placeholder(other)
		}
		views[i] = ConversationView{Conversation: c, Counterpart: p}
	}
	return views, nil
}

// Append adds a message to a conversation in StateSent. The message and the
// conversation's last-message fields are committed together, then the
// message is published on the conversation topic and a MessageSent
// notification is raised for the counterpart.
func (s *Service) Append(ctx context.Context, in SendInput) (Message, error) {
	if in.ConversationID == "" || in.SenderID == "" {
		return Message{}, fmt.Errorf("%w: conversation and sender are required", ErrInvalidArgument)
	}
	if in.AttachmentURL != nil && *in.AttachmentURL == "" {
		in.AttachmentURL = nil
	}
	if strings.TrimSpace(in.Content) == "" && in.AttachmentURL == nil {
		return Message{}, fmt.Errorf("%w: message is empty", ErrInvalidArgument)
	}
	if utf8.RuneCountInString(in.Content) > MaxContentRunes {
		return Message{}, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidArgument, MaxContentRunes)
	}

	unlock := s.lock(in.ConversationID)
	conv, err := s.Get(ctx, in.SenderID, in.ConversationID)
	if err != nil {
		unlock()
		return Message{}, err
	}
	msg, conv, err := s.store.AppendMessage(ctx, Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		AttachmentURL:  in.AttachmentURL,
		State:          StateSent,
		CreatedAt:      s.timestamp(),
	}, Preview(in.Content, in.AttachmentURL != nil))
	if err != nil {
		unlock()
		s.log.Error("message.append.fail", slog.String("conversation", in.ConversationID), slog.String("err", err.Error()))
		return Message{}, err
	}
	s.publish(ctx, broker.ConversationTopic(conv.ID), broker.EventMessageCreated, msg)
	s.publishConversation(ctx, conv)
	unlock()

	s.notifyMessage(ctx, conv, msg)
	return msg, nil
}

func (s *Service) notifyMessage(ctx context.Context, conv Conversation, msg Message) {
	if s.sink == nil {
		return
	}
	err := s.sink.Submit(ctx, notify.Event{
		Type:       notify.TypeMessageSent,
		ActorID:    msg.SenderID,
		Recipients: []string{conv.Counterpart(msg.SenderID)},
		Payload: notify.MessageSent{
			ConversationID: conv.ID,
			MessageID:      msg.ID,
			SenderID:       msg.SenderID,
			Preview:        conv.LastMessagePreview,
		},
		OccurredAt: msg.CreatedAt,
	})
	if err != nil {
		s.log.Warn("message.notify.fail", slog.String("message", msg.ID), slog.String("err", err.Error()))
	}
}

// FetchPage returns up to limit messages strictly older than before, or the
// newest page when before is nil, in ascending order. The cursor for the
// next older page is the CreatedAt of the first message returned.
func (s *Service) FetchPage(ctx context.Context, actorID, conversationID string, limit int, before *time.Time) ([]Message, error) {
	switch {
	case limit < 0:
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidArgument)
	case limit == 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	if _, err := s.Get(ctx, actorID, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, limit, before)
}

// MarkRead marks every message readerID received in the conversation as
// read and returns how many changed. Nothing is published when nothing
// changed, so repeated calls are silent.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	unlock := s.lock(conversationID)
	defer unlock()
	if _, err := s.Get(ctx, readerID, conversationID); err != nil {
		return 0, err
	}
	at := s.timestamp()
	ids, err := s.store.MarkRead(ctx, conversationID, readerID, at)
	if err != nil {
		s.log.Error("message.read.fail", slog.String("conversation", conversationID), slog.String("err", err.Error()))
		return 0, err
	}
	if len(ids) > 0 {
		s.publish(ctx, broker.ConversationTopic(conversationID), broker.EventMessageRead, ReadEvent{
			ConversationID: conversationID,
			ReaderID:       readerID,
			MessageIDs:     ids,
			ReadAt:         at,
		})
	}
	return len(ids), nil
}

// MarkDelivered records that recipientID's session has received the
// conversation's pending messages.
func (s *Service) MarkDelivered(ctx context.Context, conversationID, recipientID string) (int, error) {
	unlock := s.lock(conversationID)
	defer unlock()
	if _, err := s.Get(ctx, recipientID, conversationID); err != nil {
		return 0, err
	}
	ids, err := s.store.MarkDelivered(ctx, conversationID, recipientID)
	if err != nil {
		s.log.Error("message.deliver.fail", slog.String("conversation", conversationID), slog.String("err", err.Error()))
		return 0, err
	}
	if len(ids) > 0 {
		s.publish(ctx, broker.ConversationTopic(conversationID), broker.EventMessageDelivered, DeliveredEvent{
			ConversationID: conversationID,
			RecipientID:    recipientID,
			MessageIDs:     ids,
		})
	}
	return len(ids), nil
}

// DeleteMessage hard-deletes a message. Only its sender may delete it.
// Notifications already raised for the message are left in place.
func (s *Service) DeleteMessage(ctx context.Context, actorID, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != actorID {
		return ErrUnauthorized
	}
	unlock := s.lock(msg.ConversationID)
	defer unlock()
	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Error("message.delete.fail", slog.String("message", messageID), slog.String("err", err.Error()))
		}
		return err
	}
	s.publish(ctx, broker.ConversationTopic(msg.ConversationID), broker.EventMessageDeleted, DeletedEvent{
		ConversationID: msg.ConversationID,
		MessageID:      messageID,
	})
	return nil
}

func (s *Service) publishConversation(ctx context.Context, conv Conversation) {
	s.publish(ctx, broker.UserTopic(conv.ParticipantA), broker.EventConversationUpdated, conv)
	s.publish(ctx, broker.UserTopic(conv.ParticipantB), broker.EventConversationUpdated, conv)
}

func (s *Service) publish(ctx context.Context, topic broker.Topic, typ broker.EventType, payload any) {
	if s.hub == nil {
		return
	}
	ev, err := broker.NewEvent(typ, payload)
	if err != nil {
		s.log.Error("chat.publish.fail", slog.String("err", err.Error()))
		return
	}
	if _, err := s.hub.Publish(ctx, topic, ev); err != nil && !errors.Is(err, broker.ErrClosed) {
		s.log.Warn("chat.publish.fail",
			slog.String("topic", topic.String()),
			slog.String("event", string(typ)),
			slog.String("err", err.Error()))
	}
}
