package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ggoodman/estate-realtime/notify"
)

func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request, actor string) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	size, err := intParam(q.Get("size"), notify.DefaultPageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.cfg.Notifications.List(r.Context(), actor, page, size)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request, actor string) {
	n, err := h.cfg.Notifications.UnreadCount(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (h *Handler) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request, actor string) {
	if err := h.cfg.Notifications.MarkRead(r.Context(), r.PathValue("id"), actor); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request, actor string) {
	n, err := h.cfg.Notifications.MarkAllRead(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// handleSubmitEvent accepts a domain event from another service. Delivery
// may be asynchronous depending on the configured sink.
func (h *Handler) handleSubmitEvent(w http.ResponseWriter, r *http.Request, actor string) {
	if !h.canPublishEvents(actor) {
		h.writeError(w, r, fmt.Errorf("%w: %s may not publish events", errForbidden, actor))
		return
	}
	var ev notify.Event
	if !h.decodeJSON(w, r, &ev) {
		return
	}
	if err := ev.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.cfg.Events.Submit(r.Context(), ev); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.DebugContext(r.Context(), "event.accept", slog.String("type", string(ev.Type)), slog.Int("recipients", len(ev.Recipients)))
	w.WriteHeader(http.StatusAccepted)
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: expected a non-negative integer, got %q", errBadRequest, v)
	}
	return n, nil
}
