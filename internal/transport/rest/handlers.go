// Package rest is the HTTP shell: chi routing, auth and rate-limit
// middleware, request validation and the WebSocket session endpoint.
package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/render"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/logger"
	"github.com/baechuer/messenger-server/internal/service"
	"github.com/baechuer/messenger-server/internal/transport/rest/response"
)

// Handler carries the application services behind the REST routes.
type Handler struct {
	auth          *service.AuthService
	users         *service.UserService
	conversations *service.ConversationService
	messages      *service.MessageService
	sync          *service.SyncService
}

func NewHandler(
	auth *service.AuthService,
	users *service.UserService,
	conversations *service.ConversationService,
	messages *service.MessageService,
	sync *service.SyncService,
) *Handler {
	return &Handler{
		auth:          auth,
		users:         users,
		conversations: conversations,
		messages:      messages,
		sync:          sync,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// decodeJSON decodes the request body. Malformed bodies get the same 422
// shape as field validation failures.
func decodeJSON(r *http.Request, dst any) error {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		return domain.ErrValidation(map[string]string{"body": "must be a JSON object"})
	}
	return nil
}

// requireAuth returns the authenticated user id or writes a 401.
func requireAuth(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid, ok := AuthUserID(r.Context())
	if !ok {
		handleErr(w, r, domain.ErrInvalidToken("Missing bearer token"))
		return "", false
	}
	return uid, true
}

// handleErr maps a domain error onto its HTTP status and envelope. Anything
// else is logged and surfaced as an opaque internal error.
func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.ErrInternal(err)
	}
	if de.Kind == domain.KindInternal {
		logger.Logger.Error().
			Str("component", "http").
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Err(err).
			Msg("request failed")
	}
	fail(w, r, kindStatus(de.Kind), de.Code, de.Message, de.Details)
}

func kindStatus(kind domain.ErrKind) int {
	switch kind {
	case domain.KindBadRequest:
		return http.StatusBadRequest
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	response.Fail(w, status, code, message, details, GetRequestID(r.Context()))
}

// parseBoundedInt parses an optional integer query parameter. Out-of-range
// values are a validation error, not a silent clamp.
func parseBoundedInt(raw string, def, lo, hi int, field string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, domain.ErrValidation(map[string]string{
			field: fmt.Sprintf("must be an integer between %d and %d", lo, hi),
		})
	}
	return n, nil
}
