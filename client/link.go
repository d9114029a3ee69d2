package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/estate-realtime/broker"
	"github.com/ggoodman/estate-realtime/chat"
	"github.com/ggoodman/estate-realtime/internal/backoff"
	"github.com/ggoodman/estate-realtime/internal/wsconn"
	"github.com/ggoodman/estate-realtime/sessions"
	"github.com/gorilla/websocket"
)

// LinkOption configures a WSLink.
type LinkOption func(*WSLink)

// WithRedialBackoff sets the policy used to redial after a drop.
func WithRedialBackoff(p backoff.Policy) LinkOption {
	return func(l *WSLink) { l.policy = p }
}

// WithAckTimeout bounds how long Subscribe and Unsubscribe wait for the
// server's answer. Defaults to 10s.
func WithAckTimeout(d time.Duration) LinkOption {
	return func(l *WSLink) { l.ackTimeout = d }
}

// WSLink is a sessions.Link over the gateway websocket. When the socket
// drops, registered drop callbacks fire and the link redials in the
// background, resuming the server-side session it was attached to.
// Subscriptions are not replayed by the link itself: sessions.Session
// resubscribes on drop.
type WSLink struct {
	c          *Client
	log        *slog.Logger
	policy     backoff.Policy
	ackTimeout time.Duration

	life context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu        sync.Mutex
	conn      *wsconn.Conn
	sessionID string
	pending   map[string]chan error
	drops     map[int]func()
	nextDrop  int
	redialing bool

	// dispatchMu is held while a handler runs so that Unsubscribe can wait
	// out an in-flight call.
	dispatchMu sync.Mutex
	handlers   map[broker.Topic]sessions.Handler

	refs atomic.Uint64
}

// DialLink connects to the gateway.
func (c *Client) DialLink(ctx context.Context, opts ...LinkOption) (*WSLink, error) {
	life, stop := context.WithCancel(context.Background())
	l := &WSLink{
		c:          c,
		log:        c.log,
		policy:     backoff.Default,
		ackTimeout: 10 * time.Second,
		life:       life,
		stop:       stop,
		pending:    make(map[string]chan error),
		drops:      make(map[int]func()),
		handlers:   make(map[broker.Topic]sessions.Handler),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.dial(ctx); err != nil {
		stop()
		return nil, err
	}
	return l, nil
}

// SessionID is the server-side session this link is attached to, known once
// the server's hello arrived.
func (l *WSLink) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

func (l *WSLink) gatewayURL(resume string) string {
	u := *l.c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = l.c.base.Path + "/v1/ws"
	u.RawPath = ""
	q := url.Values{}
	if resume != "" {
		q.Set("resume", resume)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (l *WSLink) dial(ctx context.Context) error {
	header := http.Header{}
	if l.c.tokens != nil {
		tok, err := l.c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("client: token: %w", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, err := wsconn.Dial(ctx, l.gatewayURL(l.SessionID()), header)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.life.Err() != nil {
		l.mu.Unlock()
		conn.Close(websocket.CloseNormalClosure, "")
		return sessions.ErrClosed
	}
	l.conn = conn
	l.redialing = false
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.readLoop(conn)
	}()
	return nil
}

func (l *WSLink) readLoop(conn *wsconn.Conn) {
	for {
		var f wsconn.ServerFrame
		if err := conn.Read(&f); err != nil {
			select {
			case <-conn.Done():
				l.down(conn, err)
				return
			default:
				l.log.Warn("link.frame.invalid", slog.String("err", err.Error()))
				continue
			}
		}
		switch f.Op {
		case wsconn.OpHello:
			l.mu.Lock()
			l.sessionID = f.SessionID
			l.mu.Unlock()
		case wsconn.OpEvent:
			if f.Event != nil {
				l.dispatch(*f.Event)
			}
		case wsconn.OpAck:
			l.resolve(f.Ref, nil)
		case wsconn.OpError:
			if f.Ref != "" {
				l.resolve(f.Ref, frameError(f.Error))
			} else {
				l.log.Warn("link.server.error", slog.String("err", f.Error))
			}
		}
	}
}

func (l *WSLink) dispatch(ev broker.Event) {
	l.dispatchMu.Lock()
	defer l.dispatchMu.Unlock()
	if h, ok := l.handlers[ev.Topic]; ok {
		h(l.life, ev)
	}
}

func (l *WSLink) resolve(ref string, err error) {
	l.mu.Lock()
	ch, ok := l.pending[ref]
	delete(l.pending, ref)
	l.mu.Unlock()
	if ok {
		ch <- err
	}
}

// down handles the loss of conn: pending requests fail, drop callbacks
// fire and a redial starts.
func (l *WSLink) down(conn *wsconn.Conn, cause error) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	for ref, ch := range l.pending {
		delete(l.pending, ref)
		ch <- sessions.ErrLinkDown
	}
	drops := make([]func(), 0, len(l.drops))
	for _, fn := range l.drops {
		drops = append(drops, fn)
	}
	closing := l.life.Err() != nil
	startRedial := !closing && !l.redialing
	if startRedial {
		l.redialing = true
	}
	l.mu.Unlock()

	if closing {
		return
	}
	l.log.Warn("link.drop", slog.String("err", cause.Error()))
	for _, fn := range drops {
		fn()
	}
	if startRedial {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.redial()
		}()
	}
}

func (l *WSLink) redial() {
	err := l.policy.Retry(l.life, l.dial, func(err error) bool {
		return !errors.Is(err, sessions.ErrClosed)
	}, func(attempt int, err error, wait time.Duration) {
		l.log.Warn("link.redial.retry", slog.Int("attempt", attempt+1), slog.Duration("wait", wait), slog.String("err", err.Error()))
	})
	if err == nil {
		l.log.Info("link.redial.ok", slog.String("session", l.SessionID()))
	}
}

func (l *WSLink) current() (*wsconn.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.life.Err() != nil {
		return nil, sessions.ErrClosed
	}
	if l.conn == nil {
		return nil, sessions.ErrLinkDown
	}
	return l.conn, nil
}

// request sends a frame and waits for its ack or error.
func (l *WSLink) request(ctx context.Context, op wsconn.Op, conversationID string) error {
	conn, err := l.current()
	if err != nil {
		return err
	}
	ref := strconv.FormatUint(l.refs.Add(1), 10)
	ch := make(chan error, 1)
	l.mu.Lock()
	l.pending[ref] = ch
	l.mu.Unlock()
	forget := func() {
		l.mu.Lock()
		delete(l.pending, ref)
		l.mu.Unlock()
	}

	if err := conn.Send(wsconn.ClientFrame{Op: op, ConversationID: conversationID, Ref: ref}); err != nil {
		forget()
		return fmt.Errorf("%w: %w", sessions.ErrLinkDown, err)
	}
	t := time.NewTimer(l.ackTimeout)
	defer t.Stop()
	select {
	case err := <-ch:
		return err
	case <-t.C:
		forget()
		return fmt.Errorf("%w: no answer to %s", sessions.ErrLinkDown, op)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// Subscribe registers h for topic. The gateway streams the caller's user
// topic unconditionally, so only conversation topics are requested from
// the server.
func (l *WSLink) Subscribe(ctx context.Context, topic broker.Topic, h sessions.Handler) error {
	if !topic.Valid() {
		return fmt.Errorf("%w: %q", broker.ErrInvalidTopic, topic)
	}
	if _, err := l.current(); err != nil {
		return err
	}
	l.dispatchMu.Lock()
	l.handlers[topic] = h
	l.dispatchMu.Unlock()

	if topic.Kind() != broker.KindConversation {
		return nil
	}
	if err := l.request(ctx, wsconn.OpSubscribe, topic.ID()); err != nil {
		l.dispatchMu.Lock()
		delete(l.handlers, topic)
		l.dispatchMu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe drops topic's handler. A link that is down has nothing to
// unsubscribe on the server.
func (l *WSLink) Unsubscribe(ctx context.Context, topic broker.Topic) error {
	l.dispatchMu.Lock()
	_, ok := l.handlers[topic]
	delete(l.handlers, topic)
	l.dispatchMu.Unlock()
	if !ok || topic.Kind() != broker.KindConversation {
		return nil
	}
	err := l.request(ctx, wsconn.OpUnsubscribe, topic.ID())
	if errors.Is(err, sessions.ErrLinkDown) || errors.Is(err, sessions.ErrClosed) {
		return nil
	}
	return err
}

func (l *WSLink) OnDrop(fn func()) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextDrop
	l.nextDrop++
	l.drops[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.drops, id)
		l.mu.Unlock()
	}
}

// Close closes the socket and stops redialing.
func (l *WSLink) Close() error {
	l.mu.Lock()
	l.stop()
	conn := l.conn
	l.conn = nil
	for ref, ch := range l.pending {
		delete(l.pending, ref)
		ch <- sessions.ErrClosed
	}
	l.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.CloseNormalClosure, "")
	}
	l.wg.Wait()
	return nil
}

func frameError(code string) error {
	switch code {
	case "forbidden":
		return chat.ErrUnauthorized
	case "not_found":
		return chat.ErrNotFound
	case "invalid_argument":
		return broker.ErrInvalidTopic
	default:
		return fmt.Errorf("%w: %s", sessions.ErrLinkDown, code)
	}
}

var (
	_ sessions.Link    = (*WSLink)(nil)
	_ sessions.Dropper = (*WSLink)(nil)
)
