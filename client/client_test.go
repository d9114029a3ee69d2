package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/estate-realtime/auth"
	"github.com/ggoodman/estate-realtime/broker"
	"github.com/ggoodman/estate-realtime/broker/memory"
	"github.com/ggoodman/estate-realtime/chat"
	chatmem "github.com/ggoodman/estate-realtime/chat/memstore"
	"github.com/ggoodman/estate-realtime/httpapi"
	"github.com/ggoodman/estate-realtime/internal/backoff"
	"github.com/ggoodman/estate-realtime/notify"
	"github.com/ggoodman/estate-realtime/pagecache"
	notifymem "github.com/ggoodman/estate-realtime/notify/memstore"
	"github.com/ggoodman/estate-realtime/sessions"
	storagemem "github.com/ggoodman/estate-realtime/storage/memory"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

var fast = backoff.Policy{Base: time.Millisecond, Max: 10 * time.Millisecond}

type server struct {
	url  string
	chat *chat.Service
}

func newServer(t *testing.T) *server {
	t.Helper()
	hub := memory.New()
	dispatcher := notify.NewDispatcher(notifymem.New(), notify.WithHub(hub))

	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := chat.NewService(chatmem.New(), chat.WithHub(hub), chat.WithNotifier(dispatcher), chat.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}))

	resume, err := storagemem.New(100)
	if err != nil {
		t.Fatal(err)
	}
	manager := sessions.NewManager(sessions.ServiceReconciler{Chat: svc, Notify: dispatcher}, sessions.WithResumeStore(resume, time.Minute))
	authn, err := auth.NewHMAC("estated", "estate-api", secret)
	if err != nil {
		t.Fatal(err)
	}
	h, err := httpapi.New(httpapi.Config{Chat: svc, Notifications: dispatcher, Hub: hub, Sessions: manager, Auth: authn})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		_ = manager.Close(context.Background())
		_ = hub.Close()
	})
	return &server{url: srv.URL, chat: svc}
}

func (s *server) client(t *testing.T, user string) *Client {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "estated",
		"aud": "estate-api",
		"sub": user,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(s.url, StaticToken(tok))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func contents(ms []chat.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Content
	}
	return out
}

func TestNewRejectsNonHTTPBase(t *testing.T) {
	if _, err := New("ftp://example.com", nil); err == nil {
		t.Fatal("expected error for ftp base url")
	}
}

func TestClientAPI(t *testing.T) {
	ctx := context.Background()
	s := newServer(t)
	alice, bob, mallory := s.client(t, "alice"), s.client(t, "bob"), s.client(t, "mallory")

	prop := "prop-7"
	conv, err := alice.CreateConversation(ctx, "bob", &prop)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.PropertyID == nil || *conv.PropertyID != prop {
		t.Fatalf("property = %v", conv.PropertyID)
	}
	attachment := "https://cdn.example.com/plan.pdf"
	if _, err := alice.Send(ctx, conv.ID, "", &attachment); err != nil {
		t.Fatalf("Send attachment: %v", err)
	}
	msg, err := alice.Send(ctx, conv.ID, "viewing on friday?", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	views, err := bob.Conversations(ctx)
	if err != nil || len(views) != 1 || views[0].LastMessagePreview != "viewing on friday?" {
		t.Fatalf("Conversations = %+v, %v", views, err)
	}
	page, err := bob.Messages(ctx, conv.ID, 10, nil)
	if err != nil || len(page.Messages) != 2 || page.HasMore {
		t.Fatalf("Messages = %+v, %v", page, err)
	}
	if n, err := bob.UnreadCount(ctx); err != nil || n != 2 {
		t.Fatalf("UnreadCount = %d, %v", n, err)
	}
	if n, err := bob.MarkConversationRead(ctx, conv.ID); err != nil || n != 2 {
		t.Fatalf("MarkConversationRead = %d, %v", n, err)
	}

	feed, err := bob.Notifications(ctx, 0, 1)
	if err != nil || len(feed.Records) != 1 || !feed.HasMore {
		t.Fatalf("Notifications = %+v, %v", feed, err)
	}
	if err := bob.MarkNotificationRead(ctx, feed.Records[0].ID); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	if n, err := bob.MarkAllNotificationsRead(ctx); err != nil || n != 1 {
		t.Fatalf("MarkAllNotificationsRead = %d, %v", n, err)
	}

	if _, err := mallory.Messages(ctx, conv.ID, 0, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider Messages err = %v, want ErrForbidden", err)
	}
	if err := bob.DeleteMessage(ctx, msg.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("bob deleting alice's message err = %v", err)
	}
	if err := alice.DeleteMessage(ctx, msg.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := alice.DeleteMessage(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteMessage err = %v, want ErrNotFound", err)
	}
	if _, err := alice.CreateConversation(ctx, "alice", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("self conversation err = %v", err)
	}

	err = alice.Submit(ctx, notify.Event{
		Type:       notify.TypeInquiryCreated,
		Recipients: []string{"bob"},
		Payload:    notify.InquiryCreated{InquiryID: "inq-1", PropertyID: prop, InquirerID: "alice", Message: "is parking included?"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n, err := bob.UnreadCount(ctx); err != nil || n != 1 {
		t.Fatalf("UnreadCount after Submit = %d, %v", n, err)
	}
}

func TestHistoryWalksCursorPages(t *testing.T) {
	ctx := context.Background()
	s := newServer(t)
	alice, bob := s.client(t, "alice"), s.client(t, "bob")
	conv, err := alice.CreateConversation(ctx, "bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if _, err := alice.Send(ctx, conv.ID, c, nil); err != nil {
			t.Fatal(err)
		}
	}

	store, err := storagemem.New(100)
	if err != nil {
		t.Fatal(err)
	}
	rec := NewReconciler(bob, store, WithPageSize(2))
	t.Cleanup(func() { _ = rec.Close() })
	history, err := rec.History("bob", conv.ID)
	if err != nil {
		t.Fatal(err)
	}

	items, err := history.LoadInitial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := contents(items); !slices.Equal(got, []string{"m4", "m5"}) {
		t.Fatalf("page 0 = %v", got)
	}
	for history.HasMore() {
		if _, err := history.LoadMore(ctx); err != nil {
			t.Fatal(err)
		}
	}
	got := contents(history.Items())
	if !slices.Equal(got, []string{"m4", "m5", "m2", "m3", "m1"}) {
		t.Fatalf("history = %v", got)
	}

	latest, err := rec.LatestMessages(ctx, "bob", conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := contents(latest); !slices.Equal(got, []string{"m4", "m5"}) {
		t.Fatalf("latest = %v", got)
	}
}

// A reconcile that lands while a view is paging must wait for the page and
// then refetch, not return the stale list.
func TestReloadWaitsForRunningLoad(t *testing.T) {
	ctx := context.Background()
	store, err := storagemem.New(100)
	if err != nil {
		t.Fatal(err)
	}
	gate := make(chan struct{})
	var fetches atomic.Int32
	c, err := pagecache.New(store, pagecache.Config{CacheKey: "messages:c1", PageSize: 2},
		func(ctx context.Context, page, size int) ([]string, error) {
			if fetches.Add(1) == 1 {
				<-gate
			}
			return []string{"m" + string(rune('0'+fetches.Load()))}, nil
		}, func(s string) string { return s })
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	paging := make(chan error, 1)
	go func() {
		_, err := c.LoadMore(ctx)
		paging <- err
	}()
	eventually(t, "view load to start", c.Loading)

	reloaded := make(chan error, 1)
	go func() { reloaded <- reload(ctx, c) }()
	select {
	case err := <-reloaded:
		t.Fatalf("reload returned %v while the view load was running", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	if err := <-paging; err != nil {
		t.Fatal(err)
	}
	if err := <-reloaded; err != nil {
		t.Fatalf("reload() = %v", err)
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("fetched %d times, want 2", got)
	}
	if got := c.Items(); !slices.Equal(got, []string{"m2"}) {
		t.Fatalf("items = %v, want the refetched page", got)
	}

	busy := make(chan struct{})
	t.Cleanup(func() { close(busy) })
	blocked, err := pagecache.New(store, pagecache.Config{CacheKey: "messages:c2"},
		func(ctx context.Context, page, size int) ([]string, error) {
			<-busy
			return nil, nil
		}, func(s string) string { return s })
	if err != nil {
		t.Fatal(err)
	}
	go func() { _, _ = blocked.LoadInitial(ctx) }()
	eventually(t, "blocked load to start", blocked.Loading)
	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := reload(short, blocked); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("reload() on a stuck cache = %v, want deadline exceeded", err)
	}
}

// The cursor for a page that was never fetched is found by walking from the
// last known one.
func TestCursorPagerJumpsAhead(t *testing.T) {
	ctx := context.Background()
	s := newServer(t)
	alice := s.client(t, "alice")
	conv, err := alice.CreateConversation(ctx, "bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if _, err := alice.Send(ctx, conv.ID, c, nil); err != nil {
			t.Fatal(err)
		}
	}
	p := &cursorPager{c: alice, conversationID: conv.ID, cursors: map[int]time.Time{}}
	msgs, err := p.fetch(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := contents(msgs); !slices.Equal(got, []string{"m1"}) {
		t.Fatalf("page 2 = %v", got)
	}
	msgs, err = p.fetch(ctx, 5, 2)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("page past the end = %v, %v", contents(msgs), err)
	}
}

func TestSessionOverWebsocket(t *testing.T) {
	ctx := context.Background()
	s := newServer(t)
	alice, bob := s.client(t, "alice"), s.client(t, "bob")
	conv, err := alice.CreateConversation(ctx, "bob", nil)
	if err != nil {
		t.Fatal(err)
	}

	link, err := bob.DialLink(ctx, WithRedialBackoff(fast))
	if err != nil {
		t.Fatalf("DialLink: %v", err)
	}
	store, err := storagemem.New(100)
	if err != nil {
		t.Fatal(err)
	}
	rec := NewReconciler(bob, store)
	manager := sessions.NewManager(rec, sessions.WithBackoff(fast))
	t.Cleanup(func() {
		_ = manager.Close(ctx)
		_ = link.Close()
		_ = rec.Close()
	})

	sess := manager.Open(ctx, "bob", link)
	if err := sess.Connect(ctx, conv.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := alice.Send(ctx, conv.ID, "hi", nil); err != nil {
		t.Fatal(err)
	}
	eventually(t, "live message", func() bool { return slices.Equal(contents(sess.Messages(conv.ID)), []string{"hi"}) })
	eventually(t, "unread raised", func() bool { return sess.Unread() == 1 })
	eventually(t, "hello", func() bool { return link.SessionID() != "" })
	serverSession := link.SessionID()

	conn, err := link.current()
	if err != nil {
		t.Fatal(err)
	}
	conn.Close(websocket.CloseGoingAway, "test drop")
	if _, err := alice.Send(ctx, conv.ID, "while away", nil); err != nil {
		t.Fatal(err)
	}

	eventually(t, "missed message merged", func() bool {
		return slices.Equal(contents(sess.Messages(conv.ID)), []string{"hi", "while away"})
	})
	eventually(t, "unread reconciled", func() bool { return sess.Unread() == 2 })
	eventually(t, "redial", func() bool {
		_, err := link.current()
		return err == nil
	})
	if got := link.SessionID(); got != serverSession {
		t.Fatalf("server session after redial = %s, want %s", got, serverSession)
	}

	if _, err := alice.Send(ctx, conv.ID, "back", nil); err != nil {
		t.Fatal(err)
	}
	eventually(t, "live after redial", func() bool {
		return slices.Equal(contents(sess.Messages(conv.ID)), []string{"hi", "while away", "back"})
	})
}

func TestLinkRejectsForeignConversation(t *testing.T) {
	ctx := context.Background()
	s := newServer(t)
	alice, mallory := s.client(t, "alice"), s.client(t, "mallory")
	conv, err := alice.CreateConversation(ctx, "bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	link, err := mallory.DialLink(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = link.Close() })

	err = link.Subscribe(ctx, broker.ConversationTopic(conv.ID), func(context.Context, broker.Event) {})
	if !errors.Is(err, chat.ErrUnauthorized) {
		t.Fatalf("Subscribe err = %v, want chat.ErrUnauthorized", err)
	}
	if err := link.Subscribe(ctx, broker.Topic("bogus"), func(context.Context, broker.Event) {}); err == nil {
		t.Fatal("expected invalid topic error")
	}

	_ = link.Close()
	if err := link.Subscribe(ctx, broker.ConversationTopic(conv.ID), func(context.Context, broker.Event) {}); !errors.Is(err, sessions.ErrClosed) {
		t.Fatalf("Subscribe after Close err = %v", err)
	}
}
