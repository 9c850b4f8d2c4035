package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sentryal/sentryal-insar/internal/queue"
	"github.com/sentryal/sentryal-insar/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API carries no credentials; any origin may watch a job.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// snapshotEvent is the first frame on every connection.
type snapshotEvent struct {
	Type string     `json:"type"`
	Job  *store.Job `json:"job"`
}

// jobEvents relays a job's lifecycle events over a websocket. The first
// frame is the current job row; the connection closes after a terminal
// event, when the client goes away, or when the server shuts down.
func (s *Server) jobEvents(c *gin.Context) {
	if s.cfg.Events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event relay not configured"})
		return
	}
	ctx := c.Request.Context()
	job, err := s.cfg.Jobs.Get(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	// Subscribe before upgrading so no event published after the snapshot
	// can be missed.
	pubsub := s.cfg.Events.Subscribe(ctx, queue.EventChannel(job.ID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		s.fail(c, fmt.Errorf("subscribe to job %s events: %w", job.ID, err))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log("warning", fmt.Sprintf("api: websocket upgrade failed: %v", err))
		return
	}
	defer conn.Close()

	// Reload after subscribing: a transition between Get and Subscribe
	// would otherwise be invisible.
	if fresh, err := s.cfg.Jobs.Get(ctx, job.ID); err == nil {
		job = fresh
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(snapshotEvent{Type: "snapshot", Job: job}); err != nil {
		return
	}
	if job.Status.Terminal() {
		closeNormal(conn, "job "+string(job.Status))
		return
	}

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The read loop only detects client disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	messages := pubsub.Channel()

	for {
		select {
		case <-relayCtx.Done():
			closeNormal(conn, "closing")
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-messages:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
			if isFinalEvent(msg.Payload) {
				closeNormal(conn, "job finished")
				return
			}
		}
	}
}

// isFinalEvent reports whether a published event ends the job's stream.
func isFinalEvent(payload string) bool {
	var ev queue.StreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return false
	}
	switch ev.Type {
	case "end":
		return true
	case "error":
		recoverable, _ := ev.Data["recoverable"].(bool)
		return !recoverable
	}
	return false
}

func closeNormal(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
