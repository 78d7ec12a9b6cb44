package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type client struct {
	gateway *Gateway
	conn    *websocket.Conn
	session *realtime.Session
	limiter *rate.Limiter
	logger  *zap.Logger
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type messagePayload struct {
	Message string `json:"message"`
}

// readPump handles inbound frames one at a time so each session's events apply in order.
func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		c.dispatch(ctx, data)
	}
}

func (c *client) dispatch(ctx context.Context, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		metrics.IncInbound("malformed", "rejected")
		c.reply(realtime.EventError, messagePayload{Message: "malformed frame"})
		return
	}
	if !c.limiter.Allow() {
		metrics.IncInbound(frame.Event, "rate_limited")
		c.reply(realtime.EventError, messagePayload{Message: "rate limit exceeded"})
		return
	}
	handler, ok := c.gateway.handlers[frame.Event]
	if !ok {
		metrics.IncInbound("unknown", "rejected")
		c.reply(realtime.EventError, messagePayload{Message: "unknown event"})
		return
	}
	outcome := handler(ctx, c, frame.Data)
	metrics.IncInbound(frame.Event, outcome)
}

// writePump drains the session queue onto the socket and keeps the peer alive with pings.
// It returns once the session is detached or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.session.Outbound():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) reply(event string, payload any) {
	c.gateway.registry.Emit(realtime.ToSession(c.session.ID()), event, payload)
}
