package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func (m *Manager) newUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     m.checkOrigin,
	}
}

// checkOrigin accepts any origin unless AllowedOrigins is set. Requests
// without an Origin header come from non-browser clients and pass.
func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(m.opts.AllowedOrigins, func(allowed string) bool {
		return strings.EqualFold(allowed, u.Scheme+"://"+u.Host)
	})
}

func (m *Manager) helloPayload() GatewayPayload {
	data, _ := json.Marshal(HelloData{HeartbeatInterval: int(m.opts.HeartbeatInterval.Milliseconds())})
	return GatewayPayload{Op: OpHello, Data: data}
}

// HandleWebSocket handles GET /gateway. The upgraded connection gets HELLO
// and must IDENTIFY before anything else.
func (m *Manager) HandleWebSocket(c echo.Context) error {
	if m.ctx.Err() != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "gateway is shutting down")
	}

	ws, err := m.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		m.logger.Debug("websocket upgrade failed", "remote", c.RealIP(), "error", err)
		return nil
	}

	conn := newConnection(ws, m)
	m.register(conn)
	conn.SendPayload(m.helloPayload())

	go conn.writePump()
	go conn.readPump()
	return nil
}
