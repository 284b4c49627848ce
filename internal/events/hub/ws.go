package hub

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than wsPongWait).
	wsPingPeriod = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local single-operator server; the bearer-token middleware is the gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS mirrors the SSE stream over a WebSocket: the same replay, the same
// named events, one JSON frame per event.
func (h *Hub) ServeWS(c *gin.Context, taskID string, state ConnectState) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer conn.Close()

	sub, replay := h.Subscribe(taskID)
	defer h.Unsubscribe(taskID, sub)

	writeFrame := func(ev Event) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(ev)
	}

	for _, ev := range replay {
		if err := writeFrame(ev); err != nil {
			return
		}
	}
	pre, closeAfter := connectEvents(state)
	for _, ev := range pre {
		if err := writeFrame(ev); err != nil {
			return
		}
	}
	if closeAfter {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	// Reader goroutine: detects the peer going away and answers pings.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-sub.Done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-sub.C:
			if err := writeFrame(ev); err != nil {
				return
			}
			if ev.Name == EventComplete || ev.Name == EventError {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}
