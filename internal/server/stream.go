package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/posts"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type heartbeatPayload struct {
	Timestamp string `json:"timestamp"`
}

func (h *httpHandler) handleUserStream(c *gin.Context) {
	identity := identityFrom(c)
	events, cleanup := h.dispatcher.Subscribe(c.Request.Context(), identity.UserID)
	defer cleanup()

	h.logger.Debug("push stream opened", zap.Uint("user_id", identity.UserID))
	h.serveStream(c, events)
	h.logger.Debug("push stream closed", zap.Uint("user_id", identity.UserID))
}

func (h *httpHandler) handlePostStream(c *gin.Context) {
	postID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if _, err := h.posts.Get(c.Request.Context(), postID); err != nil {
		if errors.Is(err, posts.ErrPostNotFound) {
			respondNotFound(c, "Post not found.")
			return
		}
		h.respondInternal(c, "post lookup failed", err, zap.Uint("post_id", postID))
		return
	}
	events, cleanup := h.dispatcher.SubscribePost(c.Request.Context(), postID)
	defer cleanup()

	h.serveStream(c, events)
}

// serveStream writes one SSE record per event. An initial heartbeat confirms the subscription;
// later heartbeats surface dead peers through failed writes.
func (h *httpHandler) serveStream(c *gin.Context, events <-chan realtime.PushEvent) {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(realtime.EventHeartbeat, heartbeatPayload{Timestamp: formatNow()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-events:
			if !open {
				return false
			}
			c.SSEvent(event.Name, event.Data)
			return true
		case <-ticker.C:
			c.SSEvent(realtime.EventHeartbeat, heartbeatPayload{Timestamp: formatNow()})
			return true
		}
	})
}

func formatNow() string {
	return realtime.FormatMicros(time.Now().UTC().UnixMicro())
}
