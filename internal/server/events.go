package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	eventConnectivity = "connectivity"
	eventHeartbeat    = "heartbeat"
	heartbeatInterval = 25 * time.Second
)

type connectivityEventPayload struct {
	Online      bool  `json:"online"`
	TimeSeconds int64 `json:"time_s"`
}

// handleEvents streams connectivity transitions as server-sent events. The
// current state is sent first so a fresh client does not wait for a change.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.connectivity.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	c.SSEvent(eventConnectivity, connectivityEventPayload{
		Online:      h.connectivity.Online(),
		TimeSeconds: time.Now().UTC().Unix(),
	})
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(eventConnectivity, connectivityEventPayload{
				Online:      event.Online,
				TimeSeconds: event.At.Unix(),
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"time_s": tick.UTC().Unix()})
			return true
		}
	})
}
