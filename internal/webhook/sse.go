package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dkrasnov/replybot/internal/channel/webchat"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// heartbeatInterval keeps proxies from dropping idle SSE streams.
const heartbeatInterval = 15 * time.Second

// handleCreateSession mints a widget session id. The id doubles as the
// conversation's external chat id on the webchat channel.
func handleCreateSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"session_id": uuid.New().String()})
}

// replyEvent is the SSE payload for one delivered reply.
type replyEvent struct {
	Text string `json:"text"`
}

// handleStream attaches an SSE stream to the session's hub subscription.
// Buffered replies flush immediately; the stream then carries replies as
// they are delivered until the client disconnects.
func handleStream(hub *webchat.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("session")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing session"})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"session_id": sessionID})
		c.Writer.Flush()

		sub := hub.Subscribe(sessionID)
		defer hub.Unsubscribe(sessionID, sub)

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case text, ok := <-sub:
				if !ok {
					// Replaced by a newer stream for the same session.
					return
				}
				writeSSE(c.Writer, "reply", replyEvent{Text: text})
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
