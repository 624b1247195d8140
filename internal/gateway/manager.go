package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/victorivanov/parley/internal/auth"
	"github.com/victorivanov/parley/internal/broadcast"
	"github.com/victorivanov/parley/internal/keylock"
)

const (
	defaultHeartbeatInterval = 41250 * time.Millisecond
	defaultHeartbeatTimeout  = 10 * time.Second
	defaultHandlerTimeout    = 15 * time.Second
)

// TokenValidator resolves the token of an IDENTIFY to its claims.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

// EventHandler performs the operations behind client dispatches that touch
// the message store. The user id is the identified user of the connection,
// already checked against the ids carried in the event.
type EventHandler interface {
	HandleSend(ctx context.Context, userID int64, ev *SendMessage) error
	HandleTyping(ctx context.Context, userID int64, ev *Typing) error
	HandleMarkRead(ctx context.Context, userID int64, ev *MarkRead) error
}

// Options tunes a Manager. Zero values take defaults.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// HandlerTimeout bounds each EventHandler call.
	HandlerTimeout time.Duration
	// AllowedOrigins restricts browser upgrades to these scheme://host
	// origins. Empty allows all.
	AllowedOrigins []string
	Logger         *slog.Logger
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = defaultHandlerTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// room is the set of local connections of one user. While it is non-empty
// the manager holds one broadcaster subscription for the user.
type room struct {
	members map[*Connection]struct{}
	cancel  context.CancelFunc
}

// Manager tracks live connections and room membership and routes client
// dispatches.
type Manager struct {
	tokens      TokenValidator
	broadcaster broadcast.Broadcaster
	handler     EventHandler
	opts        Options
	logger      *slog.Logger
	upgrader    *websocket.Upgrader

	// roomLocks serializes join and leave per user so a room's
	// subscription is created and torn down exactly once.
	roomLocks *keylock.Map

	mu    sync.RWMutex
	rooms map[int64]*room
	conns map[*Connection]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a gateway Manager.
func NewManager(tokens TokenValidator, b broadcast.Broadcaster, handler EventHandler, opts Options) *Manager {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tokens:      tokens,
		broadcaster: b,
		handler:     handler,
		opts:        opts,
		logger:      opts.Logger.With("component", "gateway"),
		roomLocks:   keylock.New(),
		rooms:       make(map[int64]*room),
		conns:       make(map[*Connection]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.upgrader = m.newUpgrader()
	return m
}

func roomKey(userID int64) string {
	return "room:" + strconv.FormatInt(userID, 10)
}

// register tracks a freshly upgraded connection.
func (m *Manager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c] = struct{}{}
}

// unregister forgets a connection and leaves its room.
func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()

	if userID := c.UserID(); userID != 0 {
		m.Leave(userID, c)
	}
}

// Join adds c to the user's room. Joining again with the same connection
// is a no-op.
func (m *Manager) Join(ctx context.Context, userID int64, c *Connection) error {
	unlock := m.roomLocks.Lock(roomKey(userID))
	defer unlock()

	m.mu.RLock()
	r := m.rooms[userID]
	m.mu.RUnlock()

	if r == nil {
		subCtx, cancel := context.WithCancel(m.ctx)
		ch, err := m.broadcaster.Subscribe(subCtx, userID)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribing to room %d: %w", userID, err)
		}
		r = &room{members: make(map[*Connection]struct{}), cancel: cancel}
		go m.pump(r, ch)

		m.mu.Lock()
		m.rooms[userID] = r
		m.mu.Unlock()
		m.logger.Debug("room opened", "userID", userID)
	}

	m.mu.Lock()
	r.members[c] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Leave removes c from the user's room, dropping the room's subscription
// once the last local connection has left.
func (m *Manager) Leave(userID int64, c *Connection) {
	unlock := m.roomLocks.Lock(roomKey(userID))
	defer unlock()

	m.mu.Lock()
	r, ok := m.rooms[userID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(r.members, c)
	empty := len(r.members) == 0
	if empty {
		delete(m.rooms, userID)
	}
	m.mu.Unlock()

	if empty {
		r.cancel()
		m.logger.Debug("room closed", "userID", userID)
	}
}

// RoomSize returns the number of local connections in the user's room.
func (m *Manager) RoomSize(userID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.rooms[userID]; ok {
		return len(r.members)
	}
	return 0
}

// pump copies room payloads to every local member until the subscription ends.
func (m *Manager) pump(r *room, ch <-chan []byte) {
	for payload := range ch {
		m.mu.RLock()
		targets := make([]*Connection, 0, len(r.members))
		for c := range r.members {
			targets = append(targets, c)
		}
		m.mu.RUnlock()

		for _, c := range targets {
			c.sendDispatch(payload)
		}
	}
}

// Shutdown asks every client to reconnect elsewhere and closes all
// connections and room subscriptions.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.SendPayload(GatewayPayload{Op: OpReconnect})
		c.closeAfterFlush()
	}
	m.cancel()
}

// handleIdentify authenticates the connection. A failed IDENTIFY closes it.
func (m *Manager) handleIdentify(c *Connection, data json.RawMessage) {
	if c.UserID() != 0 {
		return
	}
	var identify IdentifyData
	if err := json.Unmarshal(data, &identify); err != nil {
		m.logger.Warn("invalid identify data", "error", err)
		c.Close()
		return
	}

	claims, err := m.tokens.ValidateAccessToken(identify.Token)
	if err != nil {
		m.logger.Warn("invalid token in identify", "error", err)
		c.Close()
		return
	}

	c.identify(claims.UserID, uuid.NewString())
	c.SendEvent(Ready{UserID: c.UserID(), SessionID: c.SessionID()})
}

// handleDispatch decodes and routes a client dispatch.
func (m *Manager) handleDispatch(c *Connection, name string, data json.RawMessage) {
	userID := c.UserID()
	if userID == 0 {
		c.SendEvent(ErrorEvent{Event: name, Code: CodeNotIdentified, Message: "identify before dispatching events"})
		return
	}

	ev, err := DecodeClientEvent(name, data)
	if err != nil {
		var unknown *UnknownEventError
		code := CodeInvalidPayload
		if errors.As(err, &unknown) {
			code = CodeUnknownEvent
		}
		c.SendEvent(ErrorEvent{Event: name, Code: code, Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.HandlerTimeout)
	defer cancel()

	if err := m.route(ctx, c, ev); err != nil {
		ee := errorEvent(name, err)
		if send, ok := ev.(*SendMessage); ok {
			ee.Nonce = send.Nonce
		}
		c.SendEvent(ee)
	}
}

var errForeignID = errors.New("event names a user other than the identified one")

// route performs ev for connection c. Every ClientEvent type has a case.
func (m *Manager) route(ctx context.Context, c *Connection, ev ClientEvent) error {
	userID := c.UserID()
	switch ev := ev.(type) {
	case *JoinRoom:
		if ev.UserID != userID {
			return errForeignID
		}
		return m.Join(ctx, ev.UserID, c)
	case *LeaveRoom:
		if ev.UserID != userID {
			return errForeignID
		}
		m.Leave(ev.UserID, c)
		return nil
	case *SendMessage:
		if ev.SenderID != userID {
			return errForeignID
		}
		return m.handler.HandleSend(ctx, userID, ev)
	case *Typing:
		if ev.SenderID != userID {
			return errForeignID
		}
		return m.handler.HandleTyping(ctx, userID, ev)
	case *MarkRead:
		if ev.ReaderID != userID {
			return errForeignID
		}
		return m.handler.HandleMarkRead(ctx, userID, ev)
	default:
		return fmt.Errorf("no route for %T", ev)
	}
}

// codedError is satisfied by errors that carry a client-facing code.
type codedError interface {
	error
	ErrorCode() string
}

func errorEvent(name string, err error) ErrorEvent {
	if errors.Is(err, errForeignID) {
		return ErrorEvent{Event: name, Code: CodeForbidden, Message: err.Error()}
	}
	var ce codedError
	if errors.As(err, &ce) {
		return ErrorEvent{Event: name, Code: ce.ErrorCode(), Message: ce.Error()}
	}
	slog.Error("gateway event failed", "event", name, "error", err)
	return ErrorEvent{Event: name, Code: CodeInternal, Message: "internal error"}
}
