package hub

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

// ConnectState is the task snapshot the transport needs at connect time to
// decide the post-replay behavior: close terminal streams, announce review
// states, and describe a running agent's deadline.
type ConnectState struct {
	Status         string
	Terminal       bool
	PRURL          string
	ErrorMessage   string
	AwaitingReview bool
	AgentRunning   bool
	RunningSince   time.Time
	Deadline       time.Time
}

// connectEvents returns the events written after the historical replay and
// whether the stream should close once they are written.
func connectEvents(state ConnectState) (events []Event, closeAfter bool) {
	if state.AgentRunning {
		events = append(events, Event{Name: EventLog, Data: LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     LevelInfo,
			Message: fmt.Sprintf("Agent running since %s, times out at %s",
				state.RunningSince.UTC().Format(time.RFC3339),
				state.Deadline.UTC().Format(time.RFC3339)),
		}})
	}

	switch {
	case state.Terminal && state.PRURL != "":
		events = append(events, Event{Name: EventComplete, Data: map[string]any{"pr_url": state.PRURL}})
		return events, true
	case state.Status == "failed":
		events = append(events, Event{Name: EventError, Data: map[string]any{"message": state.ErrorMessage}})
		return events, true
	case state.AwaitingReview:
		events = append(events, Event{Name: EventAwaitingReview, Data: map[string]any{"status": state.Status}})
	}
	return events, false
}

// ServeSSE streams a task's events to the client as Server-Sent Events.
// Replay on connect: buffered logs, chat history, current status, then the
// connect-state events. Blocks until the client disconnects, the subscriber
// is dropped, or a terminal connect state closes the stream.
func (h *Hub) ServeSSE(c *gin.Context, taskID string, state ConnectState, heartbeat time.Duration) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The server's WriteTimeout is an absolute per-request deadline; this
	// response lives for the whole run, so clear it. Keep-alives handle
	// dead-peer detection from here on.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sub, replay := h.Subscribe(taskID)
	defer h.Unsubscribe(taskID, sub)

	for _, ev := range replay {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	pre, closeAfter := connectEvents(state)
	for _, ev := range pre {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	w.Flush()
	if closeAfter {
		return
	}

	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done:
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			w.Flush()
		case ev := <-sub.C:
			if err := writeSSE(w, ev); err != nil {
				return
			}
			w.Flush()
			if ev.Name == EventComplete || ev.Name == EventError {
				return
			}
		}
	}
}

func writeSSE(w gin.ResponseWriter, ev Event) error {
	return sse.Encode(w, sse.Event{Event: ev.Name, Data: ev.Data})
}
