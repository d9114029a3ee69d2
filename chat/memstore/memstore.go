// Package memstore is an in-memory chat.Store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/estate-realtime/chat"
)

type pair struct{ a, b string }

// Store implements chat.Store in memory. A single mutex makes every
// operation atomic.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	byPair        map[pair]string
	messages      map[string]chat.Message
	// Message IDs per conversation in (CreatedAt, ID) order.
	logs map[string][]string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		conversations: make(map[string]chat.Conversation),
		byPair:        make(map[pair]string),
		messages:      make(map[string]chat.Message),
		logs:          make(map[string][]string),
	}
}

func (s *Store) GetOrCreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, false, err
	}
	a, b := chat.CanonicalPair(c.ParticipantA, c.ParticipantB)
	c.ParticipantA, c.ParticipantB = a, b

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPair[pair{a, b}]; ok {
		return s.conversations[id], false, nil
	}
	if _, dup := s.conversations[c.ID]; dup {
		return chat.Conversation{}, false, fmt.Errorf("%w: duplicate conversation id %s", chat.ErrInvalidArgument, c.ID)
	}
	s.conversations[c.ID] = c
	s.byPair[pair{a, b}] = c.ID
	return c, true, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []chat.Conversation
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(x, y chat.Conversation) int {
		switch {
		case x.LastMessageAt != nil && y.LastMessageAt != nil:
			if c := y.LastMessageAt.Compare(*x.LastMessageAt); c != 0 {
				return c
			}
		case x.LastMessageAt != nil:
			return -1
		case y.LastMessageAt != nil:
			return 1
		}
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(y.ID, x.ID)
	})
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, m chat.Message, preview string) (chat.Message, chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, chat.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return chat.Message{}, chat.Conversation{}, chat.ErrNotFound
	}
	if _, dup := s.messages[m.ID]; dup {
		return chat.Message{}, chat.Conversation{}, fmt.Errorf("%w: duplicate message id %s", chat.ErrInvalidArgument, m.ID)
	}
	if c.LastMessageAt != nil && !m.CreatedAt.After(*c.LastMessageAt) {
		m.CreatedAt = c.LastMessageAt.Add(time.Microsecond)
	}
	at := m.CreatedAt
	c.LastMessageAt = &at
	c.LastMessagePreview = preview

	s.messages[m.ID] = m
	s.logs[c.ID] = append(s.logs[c.ID], m.ID)
	s.conversations[c.ID] = c
	return m, c, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, chat.ErrNotFound
	}
	log := s.logs[conversationID]
	end := len(log)
	if before != nil {
		end, _ = slices.BinarySearchFunc(log, *before, func(id string, t time.Time) int {
			return s.messages[id].CreatedAt.Compare(t)
		})
	}
	start := max(end-limit, 0)
	out := make([]chat.Message, 0, end-start)
	for _, id := range log[start:end] {
		out = append(out, s.messages[id])
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	return m, nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, error) {
	return s.advance(ctx, conversationID, readerID, chat.StateRead, &at)
}

func (s *Store) MarkDelivered(ctx context.Context, conversationID, recipientID string) ([]string, error) {
	return s.advance(ctx, conversationID, recipientID, chat.StateDelivered, nil)
}

func (s *Store) advance(ctx context.Context, conversationID, userID string, to chat.State, at *time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, chat.ErrNotFound
	}
	var changed []string
	for _, id := range s.logs[conversationID] {
		m := s.messages[id]
		if m.SenderID == userID {
			continue
		}
		next, ok := m.State.Advance(to)
		if !ok {
			continue
		}
		m.State = next
		if at != nil {
			t := *at
			m.ReadAt = &t
		}
		s.messages[id] = m
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return chat.ErrNotFound
	}
	delete(s.messages, id)
	s.logs[m.ConversationID] = slices.DeleteFunc(s.logs[m.ConversationID], func(x string) bool { return x == id })
	return nil
}

var _ chat.Store = (*Store)(nil)
