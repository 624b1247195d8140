// Package chatclient is a Go client for the parley gateway and its HTTP
// fallback channel.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/victorivanov/parley/internal/gateway"
	"github.com/victorivanov/parley/internal/models"
	"github.com/victorivanov/parley/internal/snowflake"
)

// ErrChannelUnavailable means the gateway connection is down. Sends made
// while it is down go through the HTTP fallback instead.
var ErrChannelUnavailable = errors.New("chatclient: gateway unavailable")

// Options configures a Client.
type Options struct {
	BaseURL     string // http(s)://host:port
	Token       string
	HTTPClient  *http.Client
	DialTimeout time.Duration
	SendTimeout time.Duration
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type sendResult struct {
	msg *models.Message
	err error
}

// Client holds one gateway connection and the user's timeline.
type Client struct {
	opts     Options
	baseURL  string
	http     *http.Client
	logger   *slog.Logger
	timeline *Timeline
	events   chan gateway.ServerEvent

	userID int64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan sendResult

	writeMu sync.Mutex
	g       *errgroup.Group
	cancel  context.CancelFunc
}

// New creates a disconnected client. Sends use the HTTP fallback until
// Connect succeeds.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:     opts,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     opts.HTTPClient,
		logger:   opts.Logger.With("component", "chatclient"),
		timeline: NewTimeline(0, 0),
		events:   make(chan gateway.ServerEvent, 256),
		pending:  make(map[string]chan sendResult),
	}
}

// Connect dials the gateway, identifies and joins the user's room. It
// returns once the room is joined; incoming events are then delivered on
// Events until the connection ends.
func (c *Client) Connect(ctx context.Context) error {
	wsURL, err := gatewayURL(c.baseURL)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.DialTimeout))
	hello, err := readPayload(conn)
	if err != nil || hello.Op != gateway.OpHello {
		conn.Close()
		return fmt.Errorf("expected HELLO: %v", err)
	}
	var hd gateway.HelloData
	if err := json.Unmarshal(hello.Data, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		conn.Close()
		return errors.New("invalid HELLO data")
	}

	identify, _ := json.Marshal(gateway.GatewayPayload{
		Op:   gateway.OpIdentify,
		Data: mustJSON(gateway.IdentifyData{Token: c.opts.Token}),
	})
	if err := conn.WriteMessage(websocket.TextMessage, identify); err != nil {
		conn.Close()
		return fmt.Errorf("send IDENTIFY: %w", err)
	}

	ready, err := readPayload(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("identify rejected: %w", err)
	}
	if ready.Op != gateway.OpDispatch || ready.Event == nil || *ready.Event != gateway.EventReady {
		conn.Close()
		return fmt.Errorf("expected ready, got op %d", ready.Op)
	}
	var r gateway.Ready
	if err := json.Unmarshal(ready.Data, &r); err != nil {
		conn.Close()
		return fmt.Errorf("decoding ready: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.userID = r.UserID
	c.mu.Unlock()

	if err := c.dispatch(&gateway.JoinRoom{UserID: r.UserID}); err != nil {
		conn.Close()
		return fmt.Errorf("join room: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	c.g, c.cancel = g, cancel
	interval := time.Duration(hd.HeartbeatInterval) * time.Millisecond
	g.Go(func() error { return c.readLoop(conn) })
	g.Go(func() error { return c.heartbeatLoop(gctx, conn, interval) })

	c.logger.Info("connected", "userID", r.UserID, "session", r.SessionID)
	return nil
}

func gatewayURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/gateway"
	return u.String(), nil
}

func readPayload(conn *websocket.Conn) (*gateway.GatewayPayload, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var p gateway.GatewayPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return &p, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// UserID returns the identified user, or 0 before Connect.
func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connected reports whether the gateway connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Events delivers every decoded server dispatch. Slow consumers miss events
// rather than stall the connection; the timeline is updated regardless.
func (c *Client) Events() <-chan gateway.ServerEvent {
	return c.events
}

// Timeline returns the deduplicated message view.
func (c *Client) Timeline() *Timeline {
	return c.timeline
}

func (c *Client) write(raw []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrChannelUnavailable
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.drop(conn)
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

func (c *Client) dispatch(ev gateway.ClientEvent) error {
	raw, err := gateway.EncodeClientDispatch(ev)
	if err != nil {
		return err
	}
	return c.write(raw)
}

// drop marks conn as gone and fails every send waiting on it.
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan sendResult)
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		ch <- sendResult{err: ErrChannelUnavailable}
	}
}

// Send sends a message through the gateway and waits for its message_sent
// echo. When the gateway is unavailable it falls back to POST /messages.
// A gateway send that times out is not retried over HTTP because it may
// already be stored.
func (c *Client) Send(ctx context.Context, receiverID int64, content string, attachmentIDs []int64) (*models.Message, error) {
	msg, err := c.sendGateway(ctx, receiverID, content, attachmentIDs)
	if errors.Is(err, ErrChannelUnavailable) {
		c.logger.Info("gateway unavailable, using fallback send", "receiverID", receiverID)
		msg, err = c.sendHTTP(ctx, receiverID, content, attachmentIDs)
	}
	if err != nil {
		return nil, err
	}
	c.timeline.Add(*msg)
	return msg, nil
}

func (c *Client) sendGateway(ctx context.Context, receiverID int64, content string, attachmentIDs []int64) (*models.Message, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrChannelUnavailable
	}
	nonce := uuid.NewString()
	ch := make(chan sendResult, 1)
	c.pending[nonce] = ch
	senderID := c.userID
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, nonce)
		c.mu.Unlock()
	}

	refs := make([]gateway.AttachmentRef, len(attachmentIDs))
	for i, id := range attachmentIDs {
		refs[i] = gateway.AttachmentRef{FileID: snowflake.ID(id)}
	}
	err := c.dispatch(&gateway.SendMessage{
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Content:     content,
		Attachments: refs,
		Nonce:       nonce,
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(c.opts.SendTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("send timed out waiting for message_sent")
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Typing sends a typing signal. It needs a live gateway connection.
func (c *Client) Typing(receiverID int64, isTyping bool) error {
	return c.dispatch(&gateway.Typing{SenderID: c.UserID(), ReceiverID: receiverID, IsTyping: isTyping})
}

// MarkRead marks every message from senderID as read. It needs a live
// gateway connection.
func (c *Client) MarkRead(senderID int64) error {
	return c.dispatch(&gateway.MarkRead{ReaderID: c.UserID(), SenderID: senderID})
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	defer c.drop(conn)
	for {
		p, err := readPayload(conn)
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			c.mu.Lock()
			current := c.conn == conn
			c.mu.Unlock()
			if !current {
				return nil
			}
			return fmt.Errorf("gateway read: %w", err)
		}

		switch p.Op {
		case gateway.OpHeartbeat:
			raw, _ := json.Marshal(gateway.GatewayPayload{Op: gateway.OpHeartbeat})
			_ = c.write(raw)
		case gateway.OpReconnect:
			return nil
		case gateway.OpDispatch:
			if p.Event != nil {
				c.handleDispatch(*p.Event, p.Data)
			}
		}
	}
}

func (c *Client) handleDispatch(name string, data json.RawMessage) {
	ev, err := gateway.DecodeServerEvent(name, data)
	if err != nil {
		c.logger.Warn("undecodable event", "event", name, "error", err)
		return
	}

	switch ev := ev.(type) {
	case gateway.MessageSent:
		if ev.Message != nil {
			c.timeline.Add(*ev.Message)
		}
		c.resolve(ev.Nonce, sendResult{msg: ev.Message})
	case gateway.NewMessage:
		if ev.Message != nil {
			c.timeline.Add(*ev.Message)
		}
	case gateway.MessagesRead:
		c.timeline.MarkReadBy(ev.ReaderID, c.UserID(), ev.UpTo)
	case gateway.ErrorEvent:
		c.resolve(ev.Nonce, sendResult{err: &GatewayError{Event: ev.Event, Code: ev.Code, Message: ev.Message}})
	case gateway.UserTyping, gateway.Ready:
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event buffer full, dropping", "event", name)
	}
}

func (c *Client) resolve(nonce string, res sendResult) {
	if nonce == "" {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[nonce]
	delete(c.pending, nonce)
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	raw, _ := json.Marshal(gateway.GatewayPayload{Op: gateway.OpHeartbeat})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn
			c.mu.Unlock()
			if !current {
				return nil
			}
			if err := c.write(raw); err != nil {
				return nil
			}
		}
	}
}

// GatewayError is an error event returned for a gateway send.
type GatewayError struct {
	Event   string
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s failed: %s: %s", e.Event, e.Code, e.Message)
}

func (e *GatewayError) ErrorCode() string { return e.Code }

// Wait blocks until the connection's goroutines exit and returns the first error.
func (c *Client) Wait() error {
	if c.g == nil {
		return nil
	}
	return c.g.Wait()
}

// Disconnect closes the gateway connection. The client keeps working over
// the HTTP fallback.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.drop(conn)
	}
	if c.cancel != nil {
		c.cancel()
	}
	_ = c.Wait()
}

// Close disconnects and releases the timeline.
func (c *Client) Close() {
	c.Disconnect()
	c.timeline.Close()
}
