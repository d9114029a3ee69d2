package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ggoodman/estate-realtime/chat"
)

type createConversationRequest struct {
	CounterpartID string  `json:"counterpartId" validate:"required"`
	PropertyID    *string `json:"propertyId" validate:"omitempty,min=1"`
}

type sendMessageRequest struct {
	Content       string  `json:"content" validate:"required_without=AttachmentURL"`
	AttachmentURL *string `json:"attachmentUrl" validate:"omitempty,http_url"`
}

type messagePage struct {
	Messages   []chat.Message `json:"messages"`
	HasMore    bool           `json:"hasMore"`
	NextBefore *time.Time     `json:"nextBefore,omitempty"`
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request, actor string) {
	var req createConversationRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv, err := h.cfg.Chat.GetOrCreate(r.Context(), actor, req.CounterpartID, req.PropertyID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request, actor string) {
	views, err := h.cfg.Chat.ListForUser(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if views == nil {
		views = []chat.ConversationView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": views})
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request, actor string) {
	conv, err := h.cfg.Chat.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleListMessages serves one page of history. Pages walk backwards: the
// nextBefore of a response is the before of the next request.
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request, actor string) {
	q := r.URL.Query()
	limit := chat.DefaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = min(n, chat.MaxPageSize)
	}
	var before *time.Time
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: before must be an RFC 3339 timestamp", errBadRequest))
			return
		}
		before = &t
	}

	msgs, err := h.cfg.Chat.FetchPage(r.Context(), actor, r.PathValue("id"), limit, before)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page := messagePage{Messages: msgs, HasMore: len(msgs) == limit}
	if page.Messages == nil {
		page.Messages = []chat.Message{}
	}
	if page.HasMore {
		oldest := msgs[0].CreatedAt
		page.NextBefore = &oldest
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request, actor string) {
	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.cfg.Chat.Append(r.Context(), chat.SendInput{
		ConversationID: r.PathValue("id"),
		SenderID:       actor,
		Content:        req.Content,
		AttachmentURL:  req.AttachmentURL,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleMarkConversationRead(w http.ResponseWriter, r *http.Request, actor string) {
	n, err := h.cfg.Chat.MarkRead(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request, actor string) {
	if err := h.cfg.Chat.DeleteMessage(r.Context(), actor, r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
