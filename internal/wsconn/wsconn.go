// Package wsconn frames the realtime websocket protocol shared by the
// gateway and the Go client.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/estate-realtime/broker"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// PongWait bounds how long a peer may stay silent before the read side
	// gives up.
	PongWait   = 60 * time.Second
	pingPeriod = PongWait * 9 / 10

	MaxFrameBytes = 64 << 10
	sendBuffer    = 128
)

// CloseSessionReplaced is the application close code sent when a newer
// connection resumes the same session.
const CloseSessionReplaced = 4001

var (
	ErrClosed       = errors.New("wsconn: connection closed")
	ErrSlowConsumer = errors.New("wsconn: send buffer exceeded")
)

// Op names a frame.
type Op string

// Client to server.
const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPing        Op = "ping"
)

// Server to client.
const (
	OpHello Op = "hello"
	OpEvent Op = "event"
	OpAck   Op = "ack"
	OpPong  Op = "pong"
	OpError Op = "error"
)

// ClientFrame is a request from the client. Ref is echoed in the ack or
// error answering it.
type ClientFrame struct {
	Op             Op     `json:"op"`
	ConversationID string `json:"conversationId,omitempty"`
	Ref            string `json:"ref,omitempty"`
}

// ServerFrame is sent by the gateway.
type ServerFrame struct {
	Op        Op            `json:"op"`
	SessionID string        `json:"sessionId,omitempty"`
	Event     *broker.Event `json:"event,omitempty"`
	Ref       string        `json:"ref,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Conn wraps a websocket with a buffered writer goroutine and keepalive
// pings. Send is safe for concurrent use; Read must only be called from
// one goroutine.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// New takes ownership of ws and starts its write loop.
func New(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	ws.SetReadLimit(MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(PongWait))
	})
	go c.writeLoop()
	return c
}

// Upgrader returns the server-side upgrader. A nil checkOrigin accepts
// same-origin requests only.
func Upgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
}

// Dial opens a client connection.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(ws), nil
}

// Send marshals v and queues it. A peer too slow to drain its buffer is
// disconnected.
func (c *Conn) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case <-c.done:
		return ErrClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseTryAgainLater, "send buffer full")
		return ErrSlowConsumer
	}
}

// Read blocks for the next frame and decodes it into v. Any frame resets
// the read deadline.
func (c *Conn) Read(v any) error {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.Close(websocket.CloseNormalClosure, "")
		return err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(PongWait))
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a close frame and tears the socket down. Later calls are
// no-ops.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// IsNormalClose reports whether err is the peer going away cleanly.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, ErrClosed)
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}

func (c *Conn) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
