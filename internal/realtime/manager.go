package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/baechuer/messenger-server/internal/logger"
	"github.com/baechuer/messenger-server/internal/metrics"
)

// Conn is the writable side of a websocket session. *websocket.Conn
// satisfies it.
type Conn interface {
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionContext is one registered websocket session. The subscriptions
// set is guarded by the manager mutex.
type ConnectionContext struct {
	ConnectionID string
	UserID       string

	conn          Conn
	outgoing      chan any
	done          chan struct{}
	subscriptions map[string]struct{}
}

type ManagerConfig struct {
	MaxSubscriptionsPerConnection int
	QueueCapacity                 int
	PingInterval                  time.Duration
	WriteTimeout                  time.Duration
}

// Manager indexes live connections by id, user and conversation and fans
// event frames out to subscribers. Index mutations happen under one mutex;
// socket I/O never does.
type Manager struct {
	cfg ManagerConfig

	mu             sync.Mutex
	connections    map[string]*ConnectionContext
	byUser         map[string]map[string]struct{}
	byConversation map[string]map[string]struct{}
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxSubscriptionsPerConnection <= 0 {
		cfg.MaxSubscriptionsPerConnection = 200
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 200
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:            cfg,
		connections:    make(map[string]*ConnectionContext),
		byUser:         make(map[string]map[string]struct{}),
		byConversation: make(map[string]map[string]struct{}),
	}
}

// Register indexes the connection under a fresh connection id and starts
// its writer goroutine.
func (m *Manager) Register(conn Conn, userID string) *ConnectionContext {
	c := &ConnectionContext{
		ConnectionID:  uuid.NewString(),
		UserID:        userID,
		conn:          conn,
		outgoing:      make(chan any, m.cfg.QueueCapacity),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.connections[c.ConnectionID] = c
	userConns := m.byUser[userID]
	if userConns == nil {
		userConns = make(map[string]struct{})
		m.byUser[userID] = userConns
	}
	userConns[c.ConnectionID] = struct{}{}
	total := len(m.connections)
	m.mu.Unlock()

	go m.writerLoop(c)

	metrics.SetWSConnections(total)
	logger.Logger.Info().
		Str("component", "connection_manager").
		Str("connection_id", c.ConnectionID).
		Str("user_id", userID).
		Int("total", total).
		Msg("connection registered")
	return c
}

// Unregister removes the connection from every index, stops its writer and
// optionally closes the socket with the given code. Safe to call twice.
func (m *Manager) Unregister(connectionID string, closeSocket bool, closeCode int) {
	m.mu.Lock()
	c, ok := m.connections[connectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.connections, connectionID)
	if userConns := m.byUser[c.UserID]; userConns != nil {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
	for conversationID := range c.subscriptions {
		m.dropSubscriberLocked(conversationID, connectionID)
	}
	c.subscriptions = make(map[string]struct{})
	total := len(m.connections)
	m.mu.Unlock()

	close(c.done)

	if closeSocket {
		deadline := time.Now().Add(m.cfg.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, ""), deadline)
		_ = c.conn.Close()
	}

	metrics.SetWSConnections(total)
	logger.Logger.Info().
		Str("component", "connection_manager").
		Str("connection_id", connectionID).
		Str("user_id", c.UserID).
		Msg("connection unregistered")
}

// Subscribe adds the (deduplicated) conversation ids to the connection.
// Exceeding the per-connection subscription cap rejects the whole command.
func (m *Manager) Subscribe(connectionID string, conversationIDs []string) error {
	ids := dedupeIDs(conversationIDs)
	if len(ids) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.connections[connectionID]
	if c == nil {
		return nil
	}

	projected := len(c.subscriptions)
	for _, id := range ids {
		if _, ok := c.subscriptions[id]; !ok {
			projected++
		}
	}
	if projected > m.cfg.MaxSubscriptionsPerConnection {
		return &ProtocolError{Code: CodeInvalidCommand, Message: "Subscription limit exceeded"}
	}

	for _, id := range ids {
		c.subscriptions[id] = struct{}{}
		subs := m.byConversation[id]
		if subs == nil {
			subs = make(map[string]struct{})
			m.byConversation[id] = subs
		}
		subs[connectionID] = struct{}{}
	}
	return nil
}

// Unsubscribe removes the conversation ids; ids the connection never
// subscribed to are ignored.
func (m *Manager) Unsubscribe(connectionID string, conversationIDs []string) {
	ids := dedupeIDs(conversationIDs)
	if len(ids) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.connections[connectionID]
	if c == nil {
		return
	}
	for _, id := range ids {
		delete(c.subscriptions, id)
		m.dropSubscriberLocked(id, connectionID)
	}
}

// Send enqueues the frame without blocking. A full queue means the client
// cannot keep up; the connection is dropped with close code 1013.
func (m *Manager) Send(connectionID string, frame any) bool {
	m.mu.Lock()
	c := m.connections[connectionID]
	m.mu.Unlock()
	if c == nil {
		return false
	}

	select {
	case c.outgoing <- frame:
		return true
	default:
		metrics.RecordWSFrameDropped()
		logger.Logger.Warn().
			Str("component", "connection_manager").
			Str("connection_id", connectionID).
			Msg("outgoing queue full, dropping slow client")
		m.Unregister(connectionID, true, websocket.CloseTryAgainLater)
		return false
	}
}

// Fanout enqueues the frame to every subscriber of the conversation and
// returns how many were reached. The subscriber set is snapshotted under
// the lock; enqueueing happens outside it.
func (m *Manager) Fanout(conversationID string, frame any) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byConversation[conversationID]))
	for id := range m.byConversation[conversationID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	delivered := 0
	for _, id := range ids {
		if m.Send(id, frame) {
			delivered++
		}
	}
	if delivered > 0 {
		metrics.RecordWSEventsDelivered(delivered)
	}
	return delivered
}

func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// writerLoop drains the outgoing queue onto the socket and keeps the
// connection alive with periodic pings. On a write error it unregisters
// its own connection without closing the socket again.
func (m *Manager) writerLoop(c *ConnectionContext) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				logger.Logger.Warn().
					Str("component", "connection_manager").
					Str("connection_id", c.ConnectionID).
					Str("user_id", c.UserID).
					Err(err).
					Msg("writer failed")
				m.Unregister(c.ConnectionID, false, 0)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.Unregister(c.ConnectionID, false, 0)
				return
			}
		}
	}
}

func (m *Manager) dropSubscriberLocked(conversationID, connectionID string) {
	subs := m.byConversation[conversationID]
	if subs == nil {
		return
	}
	delete(subs, connectionID)
	if len(subs) == 0 {
		delete(m.byConversation, conversationID)
	}
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
