package rest

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/metrics"
	"github.com/baechuer/messenger-server/internal/transport/rest/response"
)

const (
	messagesLimitDefault = 50
	messagesLimitMax     = 100
)

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireAuth(w, r)
	if !ok {
		return
	}

	conversations, err := h.conversations.List(r.Context(), uid)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{"conversations": conversations})
}

type directConversationRequest struct {
	OtherUserID string `json:"other_user_id" validate:"required"`
}

// CreateDirectConversation opens (or returns) the direct conversation with
// another user. Repeat calls land on the same conversation, so 200 either way.
func (h *Handler) CreateDirectConversation(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireAuth(w, r)
	if !ok {
		return
	}

	var req directConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		handleErr(w, r, err)
		return
	}
	req.OtherUserID = strings.TrimSpace(req.OtherUserID)
	if err := validateRequest(req); err != nil {
		handleErr(w, r, err)
		return
	}

	summary, err := h.conversations.CreateDirect(r.Context(), uid, req.OtherUserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, summary)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireAuth(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	afterSeq := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			handleErr(w, r, domain.ErrValidation(map[string]string{
				"after_seq": "must be a non-negative integer",
			}))
			return
		}
		afterSeq = n
	}
	limit, err := parseBoundedInt(r.URL.Query().Get("limit"), messagesLimitDefault, 1, messagesLimitMax, "limit")
	if err != nil {
		handleErr(w, r, err)
		return
	}

	messages, err := h.messages.History(r.Context(), uid, conversationID, afterSeq, limit)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{"messages": messages})
}

type sendMessageRequest struct {
	ClientMessageID string `json:"client_message_id" validate:"required,min=8,max=64"`
	Content         string `json:"content" validate:"required"`
}

// SendMessage appends a message. A replayed client_message_id returns the
// original row with 200 instead of 201; the content ceiling is enforced by
// the service because it is configured at runtime.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireAuth(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		handleErr(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		handleErr(w, r, err)
		return
	}

	msg, created, err := h.messages.Send(r.Context(), uid, conversationID, req.ClientMessageID, req.Content)
	if err != nil {
		metrics.RecordMessageWritten("error")
		handleErr(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		metrics.RecordMessageWritten("created")
	} else {
		metrics.RecordMessageWritten("deduplicated")
	}
	response.Data(w, status, msg)
}
