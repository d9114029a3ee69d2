package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ggoodman/estate-realtime/broker"
	"github.com/ggoodman/estate-realtime/chat"
	"github.com/ggoodman/estate-realtime/internal/logctx"
	"github.com/ggoodman/estate-realtime/internal/wsconn"
	"github.com/ggoodman/estate-realtime/sessions"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// handleWebsocket upgrades to the realtime gateway. The query may name
// conversations to watch immediately (?conversations=a,b) and a session to
// resume (?resume=<id>). Every watched conversation is checked against the
// caller before it is subscribed.
func (h *Handler) handleWebsocket(w http.ResponseWriter, r *http.Request, actor string) {
	ctx := r.Context()
	q := r.URL.Query()

	var convIDs []string
	for _, id := range strings.Split(q.Get("conversations"), ",") {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		if _, err := h.cfg.Chat.Get(ctx, actor, id); err != nil {
			h.writeError(w, r, err)
			return
		}
		convIDs = append(convIDs, id)
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		h.log.InfoContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	conn := wsconn.New(ws)
	link := sessions.NewHubLink(h.cfg.Hub, "ws:"+uuid.NewString())

	sess, saved, resumed := h.openSession(ctx, actor, q.Get("resume"), link)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), UserID: actor, Resumed: resumed})

	g := &gatewayConn{h: h, conn: conn, sess: sess, actor: actor, deliver: newPendingSet()}
	removeObserver := sess.OnChange(g.forward)

	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.markDelivered(workerCtx)
	}()

	h.registerConn(sess.ID(), conn)
	defer func() {
		removeObserver()
		stopWorker()
		wg.Wait()
		h.releaseConn(sess.ID(), conn)
		conn.Close(websocket.CloseNormalClosure, "")
		if err := sess.Close(context.WithoutCancel(ctx)); err != nil {
			h.log.WarnContext(ctx, "ws.session.close.fail", slog.String("err", err.Error()))
		}
	}()

	// Connecting reconciles; the observer above forwards what a resumed
	// session missed while it was away.
	if err := sess.Connect(ctx, append(saved, convIDs...)...); err != nil {
		h.log.WarnContext(ctx, "ws.connect.fail", slog.String("err", err.Error()))
		_ = conn.Send(wsconn.ServerFrame{Op: wsconn.OpError, Error: "connect failed"})
		return
	}
	if err := conn.Send(wsconn.ServerFrame{Op: wsconn.OpHello, SessionID: sess.ID()}); err != nil {
		return
	}
	h.log.InfoContext(ctx, "ws.open", slog.Int("conversations", len(sess.Watching())))

	for {
		var f wsconn.ClientFrame
		if err := conn.Read(&f); err != nil {
			select {
			case <-conn.Done():
				if !wsconn.IsNormalClose(err) {
					h.log.InfoContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
				}
				return
			default:
				_ = conn.Send(wsconn.ServerFrame{Op: wsconn.OpError, Error: "malformed frame"})
				continue
			}
		}
		g.handleFrame(ctx, f)
	}
}

// openSession restores resumeID when it belongs to actor and falls back to a
// fresh session otherwise. A restored session that is still attached to
// another connection is taken over. The returned conversations are the
// ones the restored session was watching; nothing is subscribed yet.
func (h *Handler) openSession(ctx context.Context, actor, resumeID string, link sessions.Link) (*sessions.Session, []string, bool) {
	if resumeID != "" {
		if prev, ok := h.cfg.Sessions.Get(resumeID); ok && prev.UserID() == actor {
			h.replaceConn(resumeID)
			if err := prev.Close(ctx); err != nil {
				h.log.WarnContext(ctx, "ws.session.replace.fail", slog.String("session", resumeID), slog.String("err", err.Error()))
			}
		}
		sess, saved, err := h.cfg.Sessions.Restore(ctx, resumeID, actor, link)
		if err == nil {
			return sess, saved, true
		}
		if !errors.Is(err, sessions.ErrUnknownSession) {
			h.log.WarnContext(ctx, "ws.resume.fail", slog.String("session", resumeID), slog.String("err", err.Error()))
		}
	}
	return h.cfg.Sessions.Open(ctx, actor, link), nil, false
}

func (h *Handler) registerConn(sessionID string, conn *wsconn.Conn) {
	h.connMu.Lock()
	h.conns[sessionID] = conn
	h.connMu.Unlock()
}

// releaseConn forgets conn unless a newer connection already took over the
// session.
func (h *Handler) releaseConn(sessionID string, conn *wsconn.Conn) {
	h.connMu.Lock()
	if h.conns[sessionID] == conn {
		delete(h.conns, sessionID)
	}
	h.connMu.Unlock()
}

func (h *Handler) replaceConn(sessionID string) {
	h.connMu.Lock()
	prev := h.conns[sessionID]
	delete(h.conns, sessionID)
	h.connMu.Unlock()
	if prev != nil {
		prev.Close(wsconn.CloseSessionReplaced, "session resumed elsewhere")
	}
}

type gatewayConn struct {
	h       *Handler
	conn    *wsconn.Conn
	sess    *sessions.Session
	actor   string
	deliver *pendingSet
}

// pendingSet collects the conversations waiting for a MarkDelivered call.
// A conversation appears at most once however many messages arrive before
// the worker gets to it.
type pendingSet struct {
	mu    sync.Mutex
	ids   []string
	index map[string]struct{}
	wake  chan struct{}
}

func newPendingSet() *pendingSet {
	return &pendingSet{index: make(map[string]struct{}), wake: make(chan struct{}, 1)}
}

func (p *pendingSet) add(id string) {
	p.mu.Lock()
	if _, ok := p.index[id]; !ok {
		p.index[id] = struct{}{}
		p.ids = append(p.ids, id)
	}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// take empties the set in arrival order.
func (p *pendingSet) take() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.ids
	p.ids = nil
	clear(p.index)
	return ids
}

func (g *gatewayConn) forward(c sessions.Change) {
	ev := c.Event
	if err := g.conn.Send(wsconn.ServerFrame{Op: wsconn.OpEvent, Event: &ev}); err != nil {
		return
	}
	if ev.Type != broker.EventMessageCreated || c.Reconciled {
		return
	}
	var msg chat.Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil || msg.SenderID == g.actor {
		return
	}
	g.deliver.add(msg.ConversationID)
}

// markDelivered acknowledges inbound messages once they reached the socket.
func (g *gatewayConn) markDelivered(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.deliver.wake:
			for _, convID := range g.deliver.take() {
				if _, err := g.h.cfg.Chat.MarkDelivered(ctx, convID, g.actor); err != nil && ctx.Err() == nil {
					g.h.log.WarnContext(ctx, "ws.deliver.fail", slog.String("conversation", convID), slog.String("err", err.Error()))
				}
			}
		}
	}
}

func (g *gatewayConn) handleFrame(ctx context.Context, f wsconn.ClientFrame) {
	var err error
	switch f.Op {
	case wsconn.OpPing:
		_ = g.conn.Send(wsconn.ServerFrame{Op: wsconn.OpPong, Ref: f.Ref})
		return
	case wsconn.OpSubscribe:
		if _, err = g.h.cfg.Chat.Get(ctx, g.actor, f.ConversationID); err == nil {
			err = g.sess.Watch(ctx, f.ConversationID)
		}
	case wsconn.OpUnsubscribe:
		err = g.sess.Unwatch(ctx, f.ConversationID)
	default:
		_ = g.conn.Send(wsconn.ServerFrame{Op: wsconn.OpError, Ref: f.Ref, Error: "unknown op " + string(f.Op)})
		return
	}
	if err != nil {
		g.h.log.InfoContext(ctx, "ws.frame.fail", slog.String("op", string(f.Op)), slog.String("err", err.Error()))
		_ = g.conn.Send(wsconn.ServerFrame{Op: wsconn.OpError, Ref: f.Ref, Error: frameError(err)})
		return
	}
	_ = g.conn.Send(wsconn.ServerFrame{Op: wsconn.OpAck, Ref: f.Ref})
}

func frameError(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrUnauthorized):
		return "forbidden"
	case errors.Is(err, chat.ErrInvalidArgument), errors.Is(err, broker.ErrInvalidTopic):
		return "invalid_argument"
	default:
		return "unavailable"
	}
}
