package rest

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/transport/rest/response"
)

const (
	searchQueryMaxLength = 64
	searchLimitDefault   = 20
	searchLimitMax       = 50
	batchIDsMax          = 100
)

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireAuth(w, r)
	if !ok {
		return
	}

	u, err := h.users.Me(r.Context(), uid)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, u.Public())
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireAuth(w, r)
	if !ok {
		return
	}

	query := r.URL.Query().Get("query")
	if n := utf8.RuneCountInString(query); n < 1 || n > searchQueryMaxLength {
		handleErr(w, r, domain.ErrValidation(map[string]string{
			"query": "must be between 1 and 64 characters",
		}))
		return
	}
	limit, err := parseBoundedInt(r.URL.Query().Get("limit"), searchLimitDefault, 1, searchLimitMax, "limit")
	if err != nil {
		handleErr(w, r, err)
		return
	}

	users, err := h.users.Search(r.Context(), uid, query, limit)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{"users": users})
}

type batchUsersRequest struct {
	IDs []string `json:"ids"`
}

// BatchUsers hydrates user profiles by id. Blank entries are stripped before
// the emptiness check; visibility stays conversation-scoped.
func (h *Handler) BatchUsers(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireAuth(w, r)
	if !ok {
		return
	}

	var req batchUsersRequest
	if err := decodeJSON(r, &req); err != nil {
		handleErr(w, r, err)
		return
	}
	if req.IDs == nil {
		handleErr(w, r, domain.ErrValidation(map[string]string{"ids": "is required"}))
		return
	}
	if len(req.IDs) > batchIDsMax {
		handleErr(w, r, domain.ErrValidation(map[string]string{"ids": "must contain at most 100 entries"}))
		return
	}

	ids := make([]string, 0, len(req.IDs))
	for _, id := range req.IDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		handleErr(w, r, domain.ErrValidation(map[string]string{"ids": "must contain at least one non-blank id"}))
		return
	}

	users, err := h.users.Batch(r.Context(), uid, ids)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{"users": users})
}
