package rest

import (
	"net/http"

	"github.com/baechuer/messenger-server/internal/transport/rest/response"
)

func (h *Handler) SyncBootstrap(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireAuth(w, r)
	if !ok {
		return
	}

	view, err := h.sync.Bootstrap(r.Context(), uid)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, view)
}

func (h *Handler) SyncChanges(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireAuth(w, r)
	if !ok {
		return
	}

	view, err := h.sync.Changes(r.Context(), uid, r.URL.Query().Get("after_seq_by_conversation"))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, view)
}
