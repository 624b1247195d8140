package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Connection represents a single WebSocket client connection.
type Connection struct {
	Conn      *websocket.Conn
	Send      chan []byte
	manager   *Manager

	// seqMu keeps sequence numbers in the same order as Send.
	seqMu    sync.Mutex
	sequence int64

	closeOnce sync.Once
	done      chan struct{}
	flushOnce sync.Once
	flush     chan struct{}

	lastHeartbeat atomic.Int64 // unix millis of last heartbeat from client

	// Written once by IDENTIFY on the read goroutine, read by the write
	// pump and room fan-out.
	userID    atomic.Int64
	sessionID atomic.Pointer[string]
}

func newConnection(conn *websocket.Conn, manager *Manager) *Connection {
	c := &Connection{
		Conn:    conn,
		Send:    make(chan []byte, sendBufferSize),
		manager: manager,
		done:    make(chan struct{}),
		flush:   make(chan struct{}),
	}
	c.lastHeartbeat.Store(time.Now().UnixMilli())
	return c
}

// UserID returns the identified user, or 0 before IDENTIFY.
func (c *Connection) UserID() int64 {
	return c.userID.Load()
}

// SessionID returns the session assigned at IDENTIFY.
func (c *Connection) SessionID() string {
	if s := c.sessionID.Load(); s != nil {
		return *s
	}
	return ""
}

func (c *Connection) identify(userID int64, sessionID string) {
	c.sessionID.Store(&sessionID)
	c.userID.Store(userID)
}

// SendPayload marshals and queues a non-dispatch payload.
func (c *Connection) SendPayload(p GatewayPayload) {
	data, err := json.Marshal(p)
	if err != nil {
		slog.Error("marshal error", "userID", c.UserID(), "error", err)
		return
	}
	c.enqueue(data)
}

// SendEvent queues a dispatch for this connection only.
func (c *Connection) SendEvent(ev ServerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal event error", "event", ev.EventName(), "error", err)
		return
	}
	name := ev.EventName()
	c.queueDispatch(GatewayPayload{Op: OpDispatch, Data: data, Event: &name})
}

// sendDispatch stamps a room payload with this connection's next sequence
// number and queues it.
func (c *Connection) sendDispatch(payload []byte) {
	var p GatewayPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Error("invalid room payload", "userID", c.UserID(), "error", err)
		return
	}
	c.queueDispatch(p)
}

func (c *Connection) queueDispatch(p GatewayPayload) {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	c.sequence++
	seq := c.sequence
	p.Sequence = &seq
	data, err := json.Marshal(p)
	if err != nil {
		slog.Error("marshal error", "userID", c.UserID(), "error", err)
		return
	}
	c.enqueue(data)
}

// enqueue never blocks: a connection that cannot keep up loses the payload
// rather than stalling the room.
func (c *Connection) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.Send <- data:
	default:
		slog.Warn("send buffer full, dropping message", "userID", c.UserID())
	}
}

// Close terminates the connection.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

// closeAfterFlush lets the write pump drain queued payloads before closing.
func (c *Connection) closeAfterFlush() {
	c.flushOnce.Do(func() { close(c.flush) })
}

func (c *Connection) readDeadline() time.Time {
	o := c.manager.opts
	return time.Now().Add(o.HeartbeatInterval + o.HeartbeatTimeout)
}

// readPump reads messages from the WebSocket and handles them. A client
// that stays silent past the heartbeat deadline is dropped and leaves its room.
func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(c.readDeadline())
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(c.readDeadline())
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("read error", "userID", c.UserID(), "error", err)
			}
			return
		}
		_ = c.Conn.SetReadDeadline(c.readDeadline())
		c.handleMessage(message)
	}
}

// writePump writes queued payloads to the WebSocket and checks heartbeats.
func (c *Connection) writePump() {
	interval := c.manager.opts.HeartbeatInterval
	timeout := c.manager.opts.HeartbeatTimeout
	heartbeatTicker := time.NewTicker(interval)
	defer func() {
		heartbeatTicker.Stop()
		c.Close()
	}()

	write := func(message []byte) bool {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.Conn.WriteMessage(websocket.TextMessage, message) == nil
	}

	for {
		select {
		case message := <-c.Send:
			if !write(message) {
				return
			}

		case <-heartbeatTicker.C:
			lastBeat := c.lastHeartbeat.Load()
			if time.Since(time.UnixMilli(lastBeat)) > interval+timeout {
				slog.Warn("heartbeat timeout", "userID", c.UserID())
				return
			}
			c.SendPayload(GatewayPayload{Op: OpHeartbeat})

		case <-c.flush:
			for {
				select {
				case message := <-c.Send:
					if !write(message) {
						return
					}
				default:
					_ = c.Conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
						time.Now().Add(writeWait))
					return
				}
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage processes an incoming gateway payload from the client.
func (c *Connection) handleMessage(data []byte) {
	var payload GatewayPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Debug("invalid payload", "userID", c.UserID(), "error", err)
		c.SendEvent(ErrorEvent{Code: CodeInvalidPayload, Message: "malformed payload"})
		return
	}

	switch payload.Op {
	case OpHeartbeat:
		c.lastHeartbeat.Store(time.Now().UnixMilli())
		c.SendPayload(GatewayPayload{Op: OpHeartbeatAck})

	case OpHeartbeatAck:
		c.lastHeartbeat.Store(time.Now().UnixMilli())

	case OpIdentify:
		c.manager.handleIdentify(c, payload.Data)

	case OpDispatch:
		name := ""
		if payload.Event != nil {
			name = *payload.Event
		}
		c.manager.handleDispatch(c, name, payload.Data)
	}
}
