// Package client talks to an estated server: a typed HTTP API client, a
// websocket link that sessions subscribe through, and a reconciler whose
// catch-up fetches go through pagecache.
//
// A client-side session is assembled from the same sessions.Manager the
// server uses:
//
//	c := client.New("https://chat.example.com", client.StaticToken(tok))
//	link, err := c.DialLink(ctx)
//	rec := client.NewReconciler(c, store)
//	sess := sessions.NewManager(rec).Open(ctx, userID, link)
//	err = sess.Connect(ctx, conversationIDs...)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/estate-realtime/chat"
	"github.com/ggoodman/estate-realtime/notify"
)

var (
	ErrUnauthenticated = errors.New("client: unauthenticated")
	ErrForbidden       = errors.New("client: forbidden")
	ErrNotFound        = errors.New("client: not found")
	ErrInvalidArgument = errors.New("client: invalid argument")
	ErrUnavailable     = errors.New("client: server unavailable")
)

// APIError is a non-2xx response. It matches the sentinel for its status
// with errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrInvalidArgument:
		return e.Status == http.StatusBadRequest || e.Status == http.StatusUnsupportedMediaType
	case ErrUnavailable:
		return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusBadGateway || e.Status == http.StatusGatewayTimeout
	}
	return false
}

// TokenSource supplies the bearer token for each request and dial.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that never refreshes.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client is a typed client for the HTTP API.
type Client struct {
	base   *url.URL
	tokens TokenSource
	hc     *http.Client
	log    *slog.Logger
}

// New creates a client for the server at baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: base url must be http or https, got %q", u.Scheme)
	}
	c := &Client{base: u, tokens: tokens, hc: http.DefaultClient, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// MessagePage is one page of conversation history in ascending order.
// NextBefore is the cursor of the next older page.
type MessagePage struct {
	Messages   []chat.Message `json:"messages"`
	HasMore    bool           `json:"hasMore"`
	NextBefore *time.Time     `json:"nextBefore,omitempty"`
}

func (c *Client) CreateConversation(ctx context.Context, counterpartID string, propertyID *string) (chat.Conversation, error) {
	var conv chat.Conversation
	body := map[string]any{"counterpartId": counterpartID}
	if propertyID != nil {
		body["propertyId"] = *propertyID
	}
	err := c.do(ctx, http.MethodPost, "/v1/conversations", nil, body, &conv)
	return conv, err
}

func (c *Client) Conversations(ctx context.Context) ([]chat.ConversationView, error) {
	var out struct {
		Conversations []chat.ConversationView `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, nil, &out)
	return out.Conversations, err
}

// Messages fetches up to limit messages older than before, or the newest
// page when before is nil.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int, before *time.Time) (MessagePage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != nil {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	var page MessagePage
	err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", q, nil, &page)
	return page, err
}

func (c *Client) Send(ctx context.Context, conversationID, content string, attachmentURL *string) (chat.Message, error) {
	var msg chat.Message
	body := map[string]any{"content": content}
	if attachmentURL != nil {
		body["attachmentUrl"] = *attachmentURL
	}
	err := c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", nil, body, &msg)
	return msg, err
}

// MarkConversationRead returns how many messages became read.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil, &out)
	return out.Updated, err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/messages/"+url.PathEscape(messageID), nil, nil, nil)
}

// Notifications fetches one zero-based page of the caller's feed.
func (c *Client) Notifications(ctx context.Context, page, size int) (notify.Page, error) {
	q := url.Values{"page": {strconv.Itoa(page)}}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	var out notify.Page
	err := c.do(ctx, http.MethodGet, "/v1/notifications", q, nil, &out)
	return out, err
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Unread int `json:"unread"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/notifications/unread-count", nil, nil, &out)
	return out.Unread, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	return c.do(ctx, http.MethodPost, "/v1/notifications/"+url.PathEscape(notificationID)+"/read", nil, nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/notifications/read-all", nil, nil, &out)
	return out.Updated, err
}

// Submit posts a domain event. It implements notify.Sink so that another
// service can raise notifications remotely.
func (c *Client) Submit(ctx context.Context, ev notify.Event) error {
	return c.do(ctx, http.MethodPost, "/v1/events", nil, ev, nil)
}

var _ notify.Sink = (*Client)(nil)

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawPath = ""
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("client: token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&envelope); err == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		c.log.DebugContext(ctx, "client.request.fail", slog.String("method", method), slog.String("path", path), slog.Int("status", resp.StatusCode))
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}
