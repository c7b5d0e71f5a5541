package api

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

const heartbeatInterval = 30 * time.Second

// StreamNotifications serves the live feed over SSE. Every notification
// status change for the acting user arrives as a "notification" event;
// "heartbeat" events keep idle connections from being reaped by proxies.
// Closing the connection unsubscribes without affecting other connections.
func (h *Handler) StreamNotifications(c *gin.Context) {
	user := currentUser(c)

	sub := h.hub.Subscribe(user.ID)
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case view, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent("notification", view)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
