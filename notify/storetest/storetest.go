// Package storetest holds the conformance suite for notify.Store backends.
package storetest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ggoodman/estate-realtime/notify"
	"github.com/google/uuid"
)

// StoreFactory creates a fresh, empty store for a test.
type StoreFactory func(t *testing.T) notify.Store

// RunStoreTests runs the complete notify store suite against factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("MarkReadIsIdempotent", func(t *testing.T) { testMarkReadIsIdempotent(t, factory) })
	t.Run("MarkAllRead", func(t *testing.T) { testMarkAllRead(t, factory) })
	t.Run("ListNewestFirst", func(t *testing.T) { testListNewestFirst(t, factory) })
	t.Run("UnreadCountPerUser", func(t *testing.T) { testUnreadCountPerUser(t, factory) })
	t.Run("ListRejectsNegativeOffset", func(t *testing.T) { testListRejectsNegativeOffset(t, factory) })
}

// NewRecord builds an unread MessageSent record for recipient.
func NewRecord(recipient string, at time.Time) notify.Record {
	id := uuid.Must(uuid.NewV7()).String()
	return notify.Record{
		ID:          id,
		RecipientID: recipient,
		Type:        notify.TypeMessageSent,
		Payload: notify.MessageSent{
			ConversationID: "c-" + recipient,
			MessageID:      "m-" + id,
			SenderID:       "sender",
			Preview:        "hello",
		},
		CreatedAt: at.UTC().Truncate(time.Microsecond),
	}
}

func seed(t *testing.T, s notify.Store, recipient string, n int) []notify.Record {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	recs := make([]notify.Record, n)
	for i := range recs {
		recs[i] = NewRecord(recipient, base.Add(time.Duration(i)*time.Second))
	}
	if err := s.Insert(context.Background(), recs); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	return recs
}

func testInsertAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	recs := seed(t, s, "u1", 1)

	got, err := s.Get(context.Background(), recs[0].ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.RecipientID != "u1" || got.Type != notify.TypeMessageSent || got.IsRead {
		t.Fatalf("unexpected record: %+v", got)
	}
	p, ok := got.Payload.(notify.MessageSent)
	if !ok {
		t.Fatalf("payload type %T, want notify.MessageSent", got.Payload)
	}
	if p != recs[0].Payload {
		t.Fatalf("payload = %+v, want %+v", p, recs[0].Payload)
	}
	if !got.CreatedAt.Equal(recs[0].CreatedAt) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, recs[0].CreatedAt)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	_, err := s.Get(context.Background(), uuid.Must(uuid.NewV7()).String())
	if !errors.Is(err, notify.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	_, err = s.MarkRead(context.Background(), uuid.Must(uuid.NewV7()).String(), time.Now())
	if !errors.Is(err, notify.ErrNotFound) {
		t.Fatalf("MarkRead() error = %v, want ErrNotFound", err)
	}
}

func testMarkReadIsIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	recs := seed(t, s, "u1", 1)
	at := time.Now().UTC().Truncate(time.Microsecond)

	changed, err := s.MarkRead(ctx, recs[0].ID, at)
	if err != nil || !changed {
		t.Fatalf("first MarkRead() = %v, %v; want true, nil", changed, err)
	}
	changed, err = s.MarkRead(ctx, recs[0].ID, at.Add(time.Minute))
	if err != nil || changed {
		t.Fatalf("second MarkRead() = %v, %v; want false, nil", changed, err)
	}
	got, _ := s.Get(ctx, recs[0].ID)
	if !got.IsRead || got.ReadAt == nil || !got.ReadAt.Equal(at) {
		t.Fatalf("read state not kept from first call: %+v", got)
	}
}

func testMarkAllRead(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	recs := seed(t, s, "u1", 3)
	seed(t, s, "u2", 2)
	_, _ = s.MarkRead(ctx, recs[0].ID, time.Now())

	ids, err := s.MarkAllRead(ctx, "u1", time.Now())
	if err != nil {
		t.Fatalf("MarkAllRead() failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("MarkAllRead() changed %d, want 2", len(ids))
	}
	ids, _ = s.MarkAllRead(ctx, "u1", time.Now())
	if len(ids) != 0 {
		t.Fatalf("second MarkAllRead() changed %d, want 0", len(ids))
	}
	if n, _ := s.UnreadCount(ctx, "u2"); n != 2 {
		t.Fatalf("other user's unread = %d, want 2", n)
	}
}

func testListNewestFirst(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	recs := seed(t, s, "u1", 5)

	page, more, err := s.List(ctx, "u1", 0, 2)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if !more || len(page) != 2 {
		t.Fatalf("first page len=%d more=%v", len(page), more)
	}
	if page[0].ID != recs[4].ID || page[1].ID != recs[3].ID {
		t.Fatalf("first page not newest first: %s %s", page[0].ID, page[1].ID)
	}

	page, more, _ = s.List(ctx, "u1", 4, 2)
	if more || len(page) != 1 || page[0].ID != recs[0].ID {
		t.Fatalf("last page len=%d more=%v", len(page), more)
	}

	page, more, _ = s.List(ctx, "u1", 10, 2)
	if more || len(page) != 0 {
		t.Fatalf("past-the-end page len=%d more=%v", len(page), more)
	}
}

func testUnreadCountPerUser(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	const k, j = 7, 3
	recs := seed(t, s, "u1", k)
	for i := 0; i < j; i++ {
		if _, err := s.MarkRead(ctx, recs[i].ID, time.Now()); err != nil {
			t.Fatalf("MarkRead() failed: %v", err)
		}
	}
	n, err := s.UnreadCount(ctx, "u1")
	if err != nil {
		t.Fatalf("UnreadCount() failed: %v", err)
	}
	if n != k-j {
		t.Fatalf("UnreadCount() = %d, want %d", n, k-j)
	}
	if n, _ := s.UnreadCount(ctx, "nobody"); n != 0 {
		t.Fatalf("unknown user unread = %d", n)
	}
}

func testListRejectsNegativeOffset(t *testing.T, factory StoreFactory) {
	s := factory(t)
	seed(t, s, "u", 3)
	for _, offset := range []int{-1, math.MinInt} {
		if _, _, err := s.List(context.Background(), "u", offset, 2); !errors.Is(err, notify.ErrInvalidArgument) {
			t.Fatalf("List(offset=%d) error = %v, want ErrInvalidArgument", offset, err)
		}
	}
	recs, more, err := s.List(context.Background(), "u", math.MaxInt-1, 2)
	if err != nil || len(recs) != 0 || more {
		t.Fatalf("List(huge offset) = %d records, more=%v, err=%v", len(recs), more, err)
	}
}
