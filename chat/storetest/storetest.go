// Package storetest holds the conformance suite for chat.Store backends.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/estate-realtime/chat"
	"github.com/google/uuid"
)

// StoreFactory creates a fresh, empty store for a test.
type StoreFactory func(t *testing.T) chat.Store

// RunStoreTests runs the complete chat store suite against factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("GetOrCreateConcurrent", func(t *testing.T) { testGetOrCreateConcurrent(t, factory) })
	t.Run("GetOrCreateKeepsFirstProperty", func(t *testing.T) { testGetOrCreateKeepsFirstProperty(t, factory) })
	t.Run("MissingRows", func(t *testing.T) { testMissingRows(t, factory) })
	t.Run("AppendUpdatesConversation", func(t *testing.T) { testAppendUpdatesConversation(t, factory) })
	t.Run("AppendOrdersByCreatedAtAndID", func(t *testing.T) { testAppendOrder(t, factory) })
	t.Run("ListMessagesBackward", func(t *testing.T) { testListMessagesBackward(t, factory) })
	t.Run("MarkReadIsIdempotent", func(t *testing.T) { testMarkReadIsIdempotent(t, factory) })
	t.Run("StatesOnlyMoveForward", func(t *testing.T) { testStatesOnlyMoveForward(t, factory) })
	t.Run("DeleteMessage", func(t *testing.T) { testDeleteMessage(t, factory) })
	t.Run("ListConversationsByActivity", func(t *testing.T) { testListConversations(t, factory) })
}

func newID() string { return uuid.Must(uuid.NewV7()).String() }

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// NewConversation builds an uncommitted conversation between a and b.
func NewConversation(a, b string) chat.Conversation {
	a, b = chat.CanonicalPair(a, b)
	return chat.Conversation{ID: newID(), ParticipantA: a, ParticipantB: b, CreatedAt: now()}
}

// NewMessage builds an uncommitted message in StateSent.
func NewMessage(conversationID, sender, content string, at time.Time) chat.Message {
	return chat.Message{
		ID:             newID(),
		ConversationID: conversationID,
		SenderID:       sender,
		Content:        content,
		State:          chat.StateSent,
		CreatedAt:      at,
	}
}

func mustConversation(t *testing.T, s chat.Store, a, b string) chat.Conversation {
	t.Helper()
	c, _, err := s.GetOrCreateConversation(context.Background(), NewConversation(a, b))
	if err != nil {
		t.Fatalf("GetOrCreateConversation() failed: %v", err)
	}
	return c
}

func mustAppend(t *testing.T, s chat.Store, m chat.Message) chat.Message {
	t.Helper()
	got, _, err := s.AppendMessage(context.Background(), m, chat.Preview(m.Content, false))
	if err != nil {
		t.Fatalf("AppendMessage() failed: %v", err)
	}
	return got
}

func testGetOrCreateConcurrent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	const n = 32

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]struct{})
		created int
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewConversation("alice", "bob")
			if i%2 == 1 {
				// Callers may name the pair in either order.
				c.ParticipantA, c.ParticipantB = c.ParticipantB, c.ParticipantA
			}
			got, ok, err := s.GetOrCreateConversation(context.Background(), c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[got.ID] = struct{}{}
			if ok {
				created++
			}
		}(i)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("GetOrCreateConversation() failed: %v", errors.Join(errs...))
	}
	if len(ids) != 1 {
		t.Fatalf("%d concurrent callers saw %d conversation ids, want 1", n, len(ids))
	}
	if created != 1 {
		t.Fatalf("created reported %d times, want 1", created)
	}
}

func testGetOrCreateKeepsFirstProperty(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	p1, p2 := "property-1", "property-2"

	first := NewConversation("alice", "bob")
	first.PropertyID = &p1
	c1, created, err := s.GetOrCreateConversation(ctx, first)
	if err != nil || !created {
		t.Fatalf("first GetOrCreateConversation() = created %v, %v", created, err)
	}

	second := NewConversation("bob", "alice")
	second.PropertyID = &p2
	c2, created, err := s.GetOrCreateConversation(ctx, second)
	if err != nil || created {
		t.Fatalf("second GetOrCreateConversation() = created %v, %v", created, err)
	}
	if c2.ID != c1.ID {
		t.Fatalf("second call returned %s, want %s", c2.ID, c1.ID)
	}
	if c2.PropertyID == nil || *c2.PropertyID != p1 {
		t.Fatalf("property context changed to %v", c2.PropertyID)
	}
	if c2.ParticipantA != "alice" || c2.ParticipantB != "bob" {
		t.Fatalf("participants not canonical: %s, %s", c2.ParticipantA, c2.ParticipantB)
	}
}

func testMissingRows(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	missing := newID()

	if _, err := s.GetConversation(ctx, missing); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("GetConversation() error = %v, want ErrNotFound", err)
	}
	if _, _, err := s.AppendMessage(ctx, NewMessage(missing, "alice", "hi", now()), "hi"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("AppendMessage() error = %v, want ErrNotFound", err)
	}
	if _, err := s.ListMessages(ctx, missing, 10, nil); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("ListMessages() error = %v, want ErrNotFound", err)
	}
	if _, err := s.MarkRead(ctx, missing, "alice", now()); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("MarkRead() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetMessage(ctx, missing); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("GetMessage() error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteMessage(ctx, missing); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("DeleteMessage() error = %v, want ErrNotFound", err)
	}
}

func testAppendUpdatesConversation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := mustConversation(t, s, "alice", "bob")

	msg, conv, err := s.AppendMessage(ctx, NewMessage(c.ID, "alice", "Is the flat still available?", now()), "Is the flat still available?")
	if err != nil {
		t.Fatalf("AppendMessage() failed: %v", err)
	}
	if conv.LastMessageAt == nil || !conv.LastMessageAt.Equal(msg.CreatedAt) {
		t.Fatalf("LastMessageAt = %v, want %v", conv.LastMessageAt, msg.CreatedAt)
	}
	if conv.LastMessagePreview != "Is the flat still available?" {
		t.Fatalf("LastMessagePreview = %q", conv.LastMessagePreview)
	}

	stored, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation() failed: %v", err)
	}
	if stored.LastMessageAt == nil || !stored.LastMessageAt.Equal(msg.CreatedAt) || stored.LastMessagePreview != conv.LastMessagePreview {
		t.Fatalf("stored conversation not updated: %+v", stored)
	}
	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage() failed: %v", err)
	}
	if got.State != chat.StateSent || got.Content != msg.Content || got.ReadAt != nil {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func testAppendOrder(t *testing.T, factory StoreFactory) {
	s := factory(t)
	c := mustConversation(t, s, "alice", "bob")

	// Every message carries the same wall-clock reading; the store must still
	// keep append order.
	at := now()
	var appended []chat.Message
	for i := 0; i < 20; i++ {
		sender := "alice"
		if i%3 == 0 {
			sender = "bob"
		}
		appended = append(appended, mustAppend(t, s, NewMessage(c.ID, sender, "m", at)))
	}

	got, err := s.ListMessages(context.Background(), c.ID, 100, nil)
	if err != nil {
		t.Fatalf("ListMessages() failed: %v", err)
	}
	if len(got) != len(appended) {
		t.Fatalf("got %d messages, want %d", len(got), len(appended))
	}
	for i := range got {
		if got[i].ID != appended[i].ID {
			t.Fatalf("message %d = %s, want %s", i, got[i].ID, appended[i].ID)
		}
		if i > 0 && !chat.Less(got[i-1], got[i]) {
			t.Fatalf("messages %d and %d not strictly increasing", i-1, i)
		}
	}
}

func testListMessagesBackward(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := mustConversation(t, s, "alice", "bob")
	base := now().Add(-time.Hour)
	var all []chat.Message
	for i := 0; i < 7; i++ {
		all = append(all, mustAppend(t, s, NewMessage(c.ID, "alice", "m", base.Add(time.Duration(i)*time.Second))))
	}

	newest, err := s.ListMessages(ctx, c.ID, 3, nil)
	if err != nil {
		t.Fatalf("ListMessages() failed: %v", err)
	}
	if len(newest) != 3 || newest[0].ID != all[4].ID || newest[2].ID != all[6].ID {
		t.Fatalf("newest page = %v", ids(newest))
	}

	cursor := newest[0].CreatedAt
	older, err := s.ListMessages(ctx, c.ID, 3, &cursor)
	if err != nil {
		t.Fatalf("ListMessages(before) failed: %v", err)
	}
	if len(older) != 3 || older[0].ID != all[1].ID || older[2].ID != all[3].ID {
		t.Fatalf("older page = %v", ids(older))
	}

	cursor = older[0].CreatedAt
	oldest, _ := s.ListMessages(ctx, c.ID, 3, &cursor)
	if len(oldest) != 1 || oldest[0].ID != all[0].ID {
		t.Fatalf("oldest page = %v", ids(oldest))
	}

	cursor = oldest[0].CreatedAt
	empty, err := s.ListMessages(ctx, c.ID, 3, &cursor)
	if err != nil || len(empty) != 0 {
		t.Fatalf("past-the-start page = %v, %v", ids(empty), err)
	}
}

func ids(ms []chat.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func testMarkReadIsIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := mustConversation(t, s, "alice", "bob")
	fromAlice := []chat.Message{
		mustAppend(t, s, NewMessage(c.ID, "alice", "one", now())),
		mustAppend(t, s, NewMessage(c.ID, "alice", "two", now())),
	}
	fromBob := mustAppend(t, s, NewMessage(c.ID, "bob", "three", now()))

	at := now()
	changed, err := s.MarkRead(ctx, c.ID, "bob", at)
	if err != nil {
		t.Fatalf("MarkRead() failed: %v", err)
	}
	if len(changed) != 2 || changed[0] != fromAlice[0].ID || changed[1] != fromAlice[1].ID {
		t.Fatalf("MarkRead() changed %v, want alice's two messages", changed)
	}
	changed, err = s.MarkRead(ctx, c.ID, "bob", at.Add(time.Minute))
	if err != nil || len(changed) != 0 {
		t.Fatalf("second MarkRead() = %v, %v; want nothing changed", changed, err)
	}

	for _, m := range fromAlice {
		got, _ := s.GetMessage(ctx, m.ID)
		if got.State != chat.StateRead || got.ReadAt == nil || !got.ReadAt.Equal(at) {
			t.Fatalf("message %s = %s read at %v, want read at %v", m.ID, got.State, got.ReadAt, at)
		}
	}
	own, _ := s.GetMessage(ctx, fromBob.ID)
	if own.State != chat.StateSent {
		t.Fatalf("reader's own message state = %s, want sent", own.State)
	}
}

func testStatesOnlyMoveForward(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := mustConversation(t, s, "alice", "bob")
	first := mustAppend(t, s, NewMessage(c.ID, "alice", "one", now()))

	changed, err := s.MarkDelivered(ctx, c.ID, "bob")
	if err != nil || len(changed) != 1 {
		t.Fatalf("MarkDelivered() = %v, %v", changed, err)
	}
	if got, _ := s.GetMessage(ctx, first.ID); got.State != chat.StateDelivered {
		t.Fatalf("state = %s, want delivered", got.State)
	}

	if _, err := s.MarkRead(ctx, c.ID, "bob", now()); err != nil {
		t.Fatalf("MarkRead() failed: %v", err)
	}
	changed, err = s.MarkDelivered(ctx, c.ID, "bob")
	if err != nil || len(changed) != 0 {
		t.Fatalf("MarkDelivered() after read = %v, %v; want nothing changed", changed, err)
	}
	if got, _ := s.GetMessage(ctx, first.ID); got.State != chat.StateRead {
		t.Fatalf("state regressed to %s", got.State)
	}
}

func testDeleteMessage(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := mustConversation(t, s, "alice", "bob")
	keep := mustAppend(t, s, NewMessage(c.ID, "alice", "keep", now()))
	drop := mustAppend(t, s, NewMessage(c.ID, "alice", "drop", now()))

	if err := s.DeleteMessage(ctx, drop.ID); err != nil {
		t.Fatalf("DeleteMessage() failed: %v", err)
	}
	if _, err := s.GetMessage(ctx, drop.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("GetMessage() after delete error = %v", err)
	}
	got, _ := s.ListMessages(ctx, c.ID, 10, nil)
	if len(got) != 1 || got[0].ID != keep.ID {
		t.Fatalf("remaining messages = %v", ids(got))
	}
	if err := s.DeleteMessage(ctx, drop.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("second DeleteMessage() error = %v, want ErrNotFound", err)
	}
}

func testListConversations(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	quiet := mustConversation(t, s, "alice", "carol")
	older := mustConversation(t, s, "alice", "bob")
	newer := mustConversation(t, s, "dave", "alice")
	mustConversation(t, s, "bob", "carol")

	base := now().Add(-time.Minute)
	mustAppend(t, s, NewMessage(older.ID, "bob", "first", base))
	mustAppend(t, s, NewMessage(newer.ID, "dave", "second", base.Add(time.Second)))

	got, err := s.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatalf("ListConversations() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d conversations, want 3", len(got))
	}
	want := []string{newer.ID, older.ID, quiet.ID}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("conversation %d = %s, want %s", i, got[i].ID, want[i])
		}
	}
}
