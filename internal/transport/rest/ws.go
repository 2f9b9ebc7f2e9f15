package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/logger"
	"github.com/baechuer/messenger-server/internal/metrics"
	"github.com/baechuer/messenger-server/internal/realtime"
	"github.com/baechuer/messenger-server/internal/store"
)

// WSConfig tunes one WebSocket session.
type WSConfig struct {
	HeartbeatSec       int
	IdleTimeout        time.Duration
	MaxCommandBytes    int
	RateLimitWindow    time.Duration
	RateLimitMax       int
	MaxIDsPerSubscribe int
}

// WSHandler upgrades, authenticates and drives WebSocket sessions against
// the connection manager.
type WSHandler struct {
	manager  *realtime.Manager
	verifier AccessTokenVerifier
	store    *store.Store
	cfg      WSConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(manager *realtime.Manager, verifier AccessTokenVerifier, st *store.Store, cfg WSConfig) *WSHandler {
	if cfg.HeartbeatSec <= 0 {
		cfg.HeartbeatSec = 25
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.MaxCommandBytes <= 0 {
		cfg.MaxCommandBytes = 4096
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 10 * time.Second
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 20
	}
	if cfg.MaxIDsPerSubscribe <= 0 {
		cfg.MaxIDsPerSubscribe = 50
	}
	return &WSHandler{
		manager:  manager,
		verifier: verifier,
		store:    st,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth is bearer-token based, not cookie based; any origin may
			// connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve runs one session: authenticate, welcome, then the read loop. Auth
// failures close with 1008 before any welcome frame is sent.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	userID, err := h.authenticate(r)
	if err != nil {
		code := websocket.ClosePolicyViolation
		if !domain.Is(err, "invalid_token") {
			code = websocket.CloseInternalServerErr
		}
		closeRaw(conn, code)
		return
	}

	c := h.manager.Register(conn, userID)
	h.manager.Send(c.ConnectionID, realtime.WelcomeFrame(c.ConnectionID, userID, time.Now(), h.cfg.HeartbeatSec))

	h.readLoop(r.Context(), conn, c)
}

// authenticate accepts the token from the access_token query parameter or
// the Authorization header, and requires the subject to still exist.
func (h *WSHandler) authenticate(r *http.Request) (string, error) {
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		return "", domain.ErrInvalidToken("Missing access token")
	}

	userID, err := h.verifier.VerifyAccessToken(token)
	if err != nil {
		return "", err
	}
	if _, err := h.store.GetUserByID(r.Context(), userID); err != nil {
		if domain.Is(err, "user_not_found") {
			return "", domain.ErrInvalidToken("User no longer exists")
		}
		return "", err
	}
	return userID, nil
}

// readLoop owns the receive side of the session. The gorilla read limit sits
// well above the protocol frame bound, so oversize commands surface as error
// frames instead of a killed connection.
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, c *realtime.ConnectionContext) {
	conn.SetReadLimit(int64(4 * h.cfg.MaxCommandBytes))
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	})

	limiter := rate.NewLimiter(rate.Limit(float64(h.cfg.RateLimitMax)/h.cfg.RateLimitWindow.Seconds()), h.cfg.RateLimitMax)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				h.manager.Unregister(c.ConnectionID, true, websocket.CloseNormalClosure)
			} else {
				h.manager.Unregister(c.ConnectionID, false, 0)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

		if !limiter.Allow() {
			metrics.RecordWSCommand("rate_limited")
			h.manager.Send(c.ConnectionID, realtime.ErrorFrame(realtime.CodeRateLimited, "Too many commands, slow down", nil))
			continue
		}

		cmd, err := realtime.ParseCommand(raw, h.cfg.MaxCommandBytes)
		if err != nil {
			metrics.RecordWSCommand("invalid")
			h.manager.Send(c.ConnectionID, protocolErrorFrame(err))
			continue
		}
		if !h.handleCommand(ctx, c, cmd) {
			return
		}
	}
}

// handleCommand dispatches one parsed command. It returns false when the
// session has been torn down.
func (h *WSHandler) handleCommand(ctx context.Context, c *realtime.ConnectionContext, cmd realtime.Command) bool {
	switch cmd := cmd.(type) {
	case realtime.SubscribeCommand:
		metrics.RecordWSCommand("subscribe")
		return h.handleSubscribe(ctx, c, cmd.ConversationIDs)
	case realtime.UnsubscribeCommand:
		metrics.RecordWSCommand("unsubscribe")
		ids := cleanIDs(cmd.ConversationIDs)
		h.manager.Unsubscribe(c.ConnectionID, ids)
		h.manager.Send(c.ConnectionID, realtime.AckFrame("unsubscribe", map[string]any{"conversation_ids": ids}))
	case realtime.PingCommand:
		metrics.RecordWSCommand("ping")
		h.manager.Send(c.ConnectionID, realtime.PongFrame(cmd.TS))
	}
	return true
}

// handleSubscribe checks bounds and membership on every requested id before
// touching the subscription indexes; one bad id rejects the whole command.
func (h *WSHandler) handleSubscribe(ctx context.Context, c *realtime.ConnectionContext, rawIDs []string) bool {
	ids := cleanIDs(rawIDs)
	if len(ids) == 0 {
		h.manager.Send(c.ConnectionID, realtime.ErrorFrame(
			realtime.CodeInvalidCommand, "conversation_ids must contain at least one id", nil))
		return true
	}
	if len(ids) > h.cfg.MaxIDsPerSubscribe {
		h.manager.Send(c.ConnectionID, realtime.ErrorFrame(
			realtime.CodeInvalidCommand,
			fmt.Sprintf("conversation_ids must contain at most %d ids", h.cfg.MaxIDsPerSubscribe), nil))
		return true
	}

	member, err := h.store.FilterMemberConversations(ctx, c.UserID, ids)
	if err != nil {
		logger.Logger.Error().
			Str("component", "ws").
			Str("connection_id", c.ConnectionID).
			Err(err).
			Msg("membership check failed")
		h.manager.Unregister(c.ConnectionID, true, websocket.CloseInternalServerErr)
		return false
	}

	denied := []string{}
	for _, id := range ids {
		if !member[id] {
			denied = append(denied, id)
		}
	}
	if len(denied) > 0 {
		h.manager.Send(c.ConnectionID, realtime.ErrorFrame(
			realtime.CodeForbiddenConversation,
			"Not a member of all requested conversations",
			map[string]any{"conversation_ids": denied},
		))
		return true
	}

	if err := h.manager.Subscribe(c.ConnectionID, ids); err != nil {
		h.manager.Send(c.ConnectionID, protocolErrorFrame(err))
		return true
	}
	h.manager.Send(c.ConnectionID, realtime.AckFrame("subscribe", map[string]any{"conversation_ids": ids}))
	return true
}

func protocolErrorFrame(err error) any {
	var pe *realtime.ProtocolError
	if errors.As(err, &pe) {
		return realtime.ErrorFrame(pe.Code, pe.Message, nil)
	}
	return realtime.ErrorFrame(realtime.CodeInvalidCommand, "Invalid command", nil)
}

// closeRaw closes a socket that was never registered with the manager.
func closeRaw(conn *websocket.Conn, code int) {
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	_ = conn.Close()
}

// cleanIDs trims and dedupes conversation ids, preserving order.
func cleanIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
