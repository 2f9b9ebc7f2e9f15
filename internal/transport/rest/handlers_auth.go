package rest

import (
	"net/http"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/transport/rest/response"
)

type registerRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=32,username_format"`
	DisplayName string `json:"display_name" validate:"omitempty,min=1,max=64"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,min=20,max=512"`
}

// sessionPayload is the {user, tokens} body shared by register, login and
// refresh.
func sessionPayload(u *domain.User, pair *domain.TokenPair) map[string]any {
	return map[string]any{
		"user":   u.Public(),
		"tokens": pair,
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		handleErr(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		handleErr(w, r, err)
		return
	}

	u, pair, err := h.auth.Register(r.Context(), req.Username, req.DisplayName, req.Password)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, sessionPayload(u, pair))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		handleErr(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		handleErr(w, r, err)
		return
	}

	u, pair, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, sessionPayload(u, pair))
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		handleErr(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		handleErr(w, r, err)
		return
	}

	u, pair, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, sessionPayload(u, pair))
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		handleErr(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		handleErr(w, r, err)
		return
	}

	if err := h.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]bool{"ok": true})
}
