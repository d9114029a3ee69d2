// Package httpapi exposes conversations, messages and notifications over
// JSON HTTP and the realtime websocket gateway. Every request runs as the
// subject of its bearer token.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/estate-realtime/auth"
	"github.com/ggoodman/estate-realtime/broker"
	"github.com/ggoodman/estate-realtime/chat"
	"github.com/ggoodman/estate-realtime/internal/logctx"
	"github.com/ggoodman/estate-realtime/internal/wellknown"
	"github.com/ggoodman/estate-realtime/internal/wsconn"
	"github.com/ggoodman/estate-realtime/notify"
	"github.com/ggoodman/estate-realtime/sessions"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	maxBodyBytes          = 1 << 20
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// Config wires the handler to its collaborators. Chat, Notifications, Hub,
// Sessions and Auth are required.
type Config struct {
	Chat          *chat.Service
	Notifications *notify.Dispatcher
	// Events receives POST /v1/events. Defaults to Notifications.
	Events   notify.Sink
	Hub      broker.Hub
	Sessions *sessions.Manager
	Auth     auth.Authenticator
	// EventPublishers lists the token subjects allowed to submit domain
	// events. Empty allows any authenticated caller.
	EventPublishers []string
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// WithCheckOrigin overrides the websocket origin check. The default accepts
// same-origin upgrades only.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) { h.checkOrigin = fn }
}

// WithResourceMetadata publishes RFC 9728 metadata naming issuer as the
// authorization server for resource, and points authentication challenges
// at it.
func WithResourceMetadata(resource, issuer string, scopes ...string) Option {
	return func(h *Handler) {
		resource = strings.TrimRight(resource, "/")
		h.resourceMetadataURL = resource + wellknown.ProtectedResourcePath
		h.resourceMetadata = &wellknown.ProtectedResourceMetadata{
			Resource:               resource,
			AuthorizationServers:   []string{issuer},
			ScopesSupported:        scopes,
			BearerMethodsSupported: []string{"header", "query"},
			ResourceName:           "estated",
		}
	}
}

// Handler serves the HTTP API.
type Handler struct {
	cfg         Config
	log         *slog.Logger
	realm       string
	checkOrigin func(r *http.Request) bool
	validate    *validator.Validate
	upgrader    *websocket.Upgrader
	mux         *http.ServeMux

	resourceMetadata    *wellknown.ProtectedResourceMetadata
	resourceMetadataURL string

	connMu sync.Mutex
	conns  map[string]*wsconn.Conn
}

// New builds the handler.
func New(cfg Config, opts ...Option) (*Handler, error) {
	var missing []string
	if cfg.Chat == nil {
		missing = append(missing, "Chat")
	}
	if cfg.Notifications == nil {
		missing = append(missing, "Notifications")
	}
	if cfg.Hub == nil {
		missing = append(missing, "Hub")
	}
	if cfg.Sessions == nil {
		missing = append(missing, "Sessions")
	}
	if cfg.Auth == nil {
		missing = append(missing, "Auth")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("httpapi: missing %s", strings.Join(missing, ", "))
	}
	if cfg.Events == nil {
		cfg.Events = cfg.Notifications
	}

	h := &Handler{
		cfg:      cfg,
		log:      slog.Default(),
		realm:    "estate",
		validate: validator.New(validator.WithRequiredStructEnabled()),
		conns:    make(map[string]*wsconn.Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = wsconn.Upgrader(h.checkOrigin)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/conversations", h.authenticated(h.handleCreateConversation))
	mux.HandleFunc("GET /v1/conversations", h.authenticated(h.handleListConversations))
	mux.HandleFunc("GET /v1/conversations/{id}", h.authenticated(h.handleGetConversation))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.authenticated(h.handleListMessages))
	mux.HandleFunc("POST /v1/conversations/{id}/messages", h.authenticated(h.handleSendMessage))
	mux.HandleFunc("POST /v1/conversations/{id}/read", h.authenticated(h.handleMarkConversationRead))
	mux.HandleFunc("DELETE /v1/messages/{id}", h.authenticated(h.handleDeleteMessage))
	mux.HandleFunc("GET /v1/notifications", h.authenticated(h.handleListNotifications))
	mux.HandleFunc("GET /v1/notifications/unread-count", h.authenticated(h.handleUnreadCount))
	mux.HandleFunc("POST /v1/notifications/read-all", h.authenticated(h.handleMarkAllNotificationsRead))
	mux.HandleFunc("POST /v1/notifications/{id}/read", h.authenticated(h.handleMarkNotificationRead))
	mux.HandleFunc("POST /v1/events", h.authenticated(h.handleSubmitEvent))
	mux.HandleFunc("GET /v1/schemas/notifications", h.handleNotificationSchemas)
	mux.HandleFunc("GET /v1/ws", h.authenticated(h.handleWebsocket))
	if h.resourceMetadata != nil {
		mux.HandleFunc("GET "+wellknown.ProtectedResourcePath, h.handleResourceMetadata)
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, actor string)

// authenticated resolves the bearer token to the acting user before calling
// next.
func (h *Handler) authenticated(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tok, err := auth.BearerToken(r)
		if err == nil {
			var ui auth.UserInfo
			ui, err = h.cfg.Auth.CheckAuthentication(ctx, tok)
			if err == nil {
				actor := ui.UserID()
				ctx = logctx.WithActor(ctx, actor)
				next(w, r.WithContext(ctx), actor)
				return
			}
		}
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		status, challenge := auth.Challenge(h.realm, err)
		if h.resourceMetadataURL != "" {
			challenge += fmt.Sprintf(`, resource_metadata=%q`, h.resourceMetadataURL)
		}
		w.Header().Set(wwwAuthenticateHeader, challenge)
		writeJSONError(w, status, "unauthorized", "valid bearer token required")
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": h.cfg.Sessions.Len()})
}

func (h *Handler) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, h.resourceMetadata)
}

func (h *Handler) handleNotificationSchemas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, notify.Schemas())
}

// decode reads a JSON body into dst and validates its struct tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !h.decodeJSON(w, r, dst) {
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			h.writeError(w, r, fmt.Errorf("%w: %s", errBadRequest, describe(verrs)))
			return false
		}
		h.writeError(w, r, err)
		return false
	}
	return true
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	mt, err := contenttype.GetMediaType(r)
	if err != nil || !mt.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "content-type must be application/json")
		return false
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid JSON body: %w", errBadRequest, err))
		return false
	}
	return true
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

var errBadRequest = errors.New("bad request")

// writeError maps domain errors to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, chat.ErrInvalidArgument), errors.Is(err, notify.ErrInvalidArgument), errors.Is(err, broker.ErrInvalidTopic):
		status, code = http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, notify.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, chat.ErrUnauthorized), errors.Is(err, notify.ErrUnauthorized), errors.Is(err, errForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, chat.ErrTransient), errors.Is(err, notify.ErrTransient), errors.Is(err, broker.ErrClosed):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "http.request.fail", slog.String("err", msg))
		msg = "internal error"
	} else {
		h.log.InfoContext(r.Context(), "http.request.reject", slog.Int("status", status), slog.String("err", msg))
	}
	writeJSONError(w, status, code, msg)
}

var errForbidden = errors.New("forbidden")

func (h *Handler) canPublishEvents(actor string) bool {
	return len(h.cfg.EventPublishers) == 0 || slices.Contains(h.cfg.EventPublishers, actor)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeJSONError emits {"error":{"code":...,"message":...}}.
func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": code, "message": msg}})
}
