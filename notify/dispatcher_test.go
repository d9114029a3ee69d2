package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ggoodman/estate-realtime/broker"
	"github.com/ggoodman/estate-realtime/broker/brokertest"
	"github.com/ggoodman/estate-realtime/broker/memory"
	"github.com/ggoodman/estate-realtime/notify"
	"github.com/ggoodman/estate-realtime/notify/memstore"
)

func newDispatcher(t *testing.T) (*notify.Dispatcher, *memory.Hub) {
	t.Helper()
	hub := memory.New()
	t.Cleanup(func() { _ = hub.Close() })
	return notify.NewDispatcher(memstore.New(), notify.WithHub(hub)), hub
}

func messageSent(actor string, recipients ...string) notify.Event {
	return notify.Event{
		Type:       notify.TypeMessageSent,
		ActorID:    actor,
		Recipients: recipients,
		Payload: notify.MessageSent{
			ConversationID: "c1",
			MessageID:      "m1",
			SenderID:       actor,
			Preview:        "Hello",
		},
		OccurredAt: time.Now(),
	}
}

func TestOnDomainEvent_CreatesOneRecordPerRecipient(t *testing.T) {
	d, hub := newDispatcher(t)
	ctx := context.Background()

	inbox := brokertest.NewCollector("b-session")
	if err := hub.Subscribe(ctx, broker.UserTopic("b"), inbox); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	recs, err := d.OnDomainEvent(ctx, messageSent("a", "b", "a", "b", "c"))
	if err != nil {
		t.Fatalf("OnDomainEvent() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2 (actor dropped, duplicates merged)", len(recs))
	}
	for _, r := range recs {
		if r.RecipientID == "a" {
			t.Fatal("actor must not notify themselves")
		}
	}

	evs := inbox.WaitFor(t, 1)
	if evs[0].Type != broker.EventNotificationCreated {
		t.Fatalf("event type = %s", evs[0].Type)
	}
	var got notify.Record
	if err := evs[0].Decode(&got); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if got.RecipientID != "b" {
		t.Fatalf("published record for %s, want b", got.RecipientID)
	}
	if p, ok := got.Payload.(notify.MessageSent); !ok || p.Preview != "Hello" {
		t.Fatalf("payload = %#v", got.Payload)
	}
}

func TestOnDomainEvent_RejectsInvalidEvents(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	mismatched := messageSent("a", "b")
	mismatched.Type = notify.TypeSystemAlert

	noRecipients := messageSent("a")

	badPrice := notify.Event{
		Type:       notify.TypePriceDropped,
		Recipients: []string{"b"},
		Payload:    notify.PriceDropped{PropertyID: "p1", OldPrice: 100, NewPrice: 200, Currency: "EUR"},
	}

	unknown := messageSent("a", "b")
	unknown.Type = "listing_sold"

	for name, ev := range map[string]notify.Event{
		"mismatched":   mismatched,
		"noRecipients": noRecipients,
		"badPrice":     badPrice,
		"unknown":      unknown,
	} {
		if _, err := d.OnDomainEvent(ctx, ev); !errors.Is(err, notify.ErrInvalidArgument) {
			t.Fatalf("%s: error = %v, want ErrInvalidArgument", name, err)
		}
	}
}

func TestMarkRead_ChecksRecipientAndPublishesOnce(t *testing.T) {
	d, hub := newDispatcher(t)
	ctx := context.Background()
	recs, _ := d.OnDomainEvent(ctx, messageSent("a", "b"))
	id := recs[0].ID

	if err := d.MarkRead(ctx, id, "mallory"); !errors.Is(err, notify.ErrUnauthorized) {
		t.Fatalf("MarkRead() by stranger error = %v, want ErrUnauthorized", err)
	}
	if err := d.MarkRead(ctx, "missing", "b"); !errors.Is(err, notify.ErrNotFound) {
		t.Fatalf("MarkRead() missing error = %v, want ErrNotFound", err)
	}

	inbox := brokertest.NewCollector("b-session")
	_ = hub.Subscribe(ctx, broker.UserTopic("b"), inbox)

	for i := 0; i < 2; i++ {
		if err := d.MarkRead(ctx, id, "b"); err != nil {
			t.Fatalf("MarkRead() #%d failed: %v", i, err)
		}
	}
	evs := inbox.WaitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	if n := len(inbox.Events()); n != 1 {
		t.Fatalf("published %d read events, want 1", n)
	}
	var re notify.ReadEvent
	_ = evs[0].Decode(&re)
	if len(re.NotificationIDs) != 1 || re.NotificationIDs[0] != id || re.All {
		t.Fatalf("unexpected read event: %+v", re)
	}
}

func TestUnreadCount_IncrementalMatchesRecount(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()
	const k, j = 6, 4

	var ids []string
	for i := 0; i < k; i++ {
		recs, err := d.OnDomainEvent(ctx, messageSent("a", "u"))
		if err != nil {
			t.Fatalf("OnDomainEvent() failed: %v", err)
		}
		ids = append(ids, recs[0].ID)
	}
	for i := 0; i < j; i++ {
		if err := d.MarkRead(ctx, ids[i], "u"); err != nil {
			t.Fatalf("MarkRead() failed: %v", err)
		}
	}

	incremental, ok := d.Counter().Get("u")
	if !ok || incremental != k-j {
		t.Fatalf("incremental counter = %d (tracked=%v), want %d", incremental, ok, k-j)
	}
	recount, err := d.UnreadCount(ctx, "u")
	if err != nil {
		t.Fatalf("UnreadCount() failed: %v", err)
	}
	if recount != k-j {
		t.Fatalf("recount = %d, want %d", recount, k-j)
	}
}

func TestCounter_ReconcileCorrectsDrift(t *testing.T) {
	store := memstore.New()
	d := notify.NewDispatcher(store)
	ctx := context.Background()

	_, _ = d.OnDomainEvent(ctx, messageSent("a", "u"))
	d.Counter().Add("u", 5)
	if n, _ := d.Counter().Get("u"); n != 6 {
		t.Fatalf("counter = %d, want drifted 6", n)
	}
	if err := d.Counter().ReconcileAll(ctx); err != nil {
		t.Fatalf("ReconcileAll() failed: %v", err)
	}
	if n, _ := d.Counter().Get("u"); n != 1 {
		t.Fatalf("counter after reconcile = %d, want 1", n)
	}

	d.Counter().Add("u", -10)
	if n, _ := d.Counter().Get("u"); n != 0 {
		t.Fatalf("counter must not go negative, got %d", n)
	}
}

func TestMarkAllRead(t *testing.T) {
	d, hub := newDispatcher(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = d.OnDomainEvent(ctx, messageSent("a", "u"))
	}

	inbox := brokertest.NewCollector("u-session")
	_ = hub.Subscribe(ctx, broker.UserTopic("u"), inbox)

	n, err := d.MarkAllRead(ctx, "u")
	if err != nil || n != 3 {
		t.Fatalf("MarkAllRead() = %d, %v; want 3, nil", n, err)
	}
	n, _ = d.MarkAllRead(ctx, "u")
	if n != 0 {
		t.Fatalf("second MarkAllRead() = %d, want 0", n)
	}

	evs := inbox.WaitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	if len(inbox.Events()) != 1 {
		t.Fatalf("published %d events, want 1", len(inbox.Events()))
	}
	var re notify.ReadEvent
	_ = evs[0].Decode(&re)
	if !re.All || len(re.NotificationIDs) != 3 {
		t.Fatalf("unexpected read event: %+v", re)
	}
	if c, _ := d.Counter().Get("u"); c != 0 {
		t.Fatalf("counter = %d, want 0", c)
	}
}

func TestList_PagesNewestFirst(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	d := notify.NewDispatcher(memstore.New(), notify.WithClock(func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * time.Second)
	}))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = d.OnDomainEvent(ctx, messageSent("a", "u"))
	}

	page, err := d.List(ctx, "u", 0, 2)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(page.Records) != 2 || !page.HasMore {
		t.Fatalf("page 0: %d records, hasMore=%v", len(page.Records), page.HasMore)
	}
	if !page.Records[0].CreatedAt.After(page.Records[1].CreatedAt) {
		t.Fatal("records not newest first")
	}
	page, _ = d.List(ctx, "u", 2, 2)
	if len(page.Records) != 1 || page.HasMore {
		t.Fatalf("page 2: %d records, hasMore=%v", len(page.Records), page.HasMore)
	}
	if _, err := d.List(ctx, "u", -1, 2); !errors.Is(err, notify.ErrInvalidArgument) {
		t.Fatalf("negative page error = %v", err)
	}
	for _, p := range []int{math.MaxInt/20 + 1, math.MaxInt} {
		if _, err := d.List(ctx, "u", p, 20); !errors.Is(err, notify.ErrInvalidArgument) {
			t.Fatalf("List(page=%d) error = %v, want ErrInvalidArgument", p, err)
		}
	}
}

func TestEventJSON_RejectsMismatchedPayload(t *testing.T) {
	raw := `{"type":"price_dropped","recipients":["u"],"payload":{"propertyId":"p1","oldPrice":200,"newPrice":150,"currency":"EUR"}}`
	var ev notify.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if p, ok := ev.Payload.(notify.PriceDropped); !ok || p.NewPrice != 150 {
		t.Fatalf("payload = %#v", ev.Payload)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	bad := `{"type":"open_house","recipients":["u"],"payload":{}}`
	if err := json.Unmarshal([]byte(bad), &ev); !errors.Is(err, notify.ErrInvalidArgument) {
		t.Fatalf("unknown type error = %v, want ErrInvalidArgument", err)
	}
}

func TestSchemas_CoverEveryType(t *testing.T) {
	schemas := notify.Schemas()
	for _, typ := range notify.Types() {
		s, ok := schemas[typ]
		if !ok {
			t.Fatalf("missing schema for %s", typ)
		}
		if s.Type != "object" {
			t.Fatalf("%s schema type = %q, want object", typ, s.Type)
		}
	}
	sev, ok := schemas[notify.TypeSystemAlert].Properties.Get("severity")
	if !ok || len(sev.Enum) != 3 {
		t.Fatalf("severity enum not reflected: %+v", sev)
	}
}
