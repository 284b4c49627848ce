package hub

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return New(opts, log)
}

func TestHub_ReplayOrder(t *testing.T) {
	h := newTestHub(t, Options{})
	taskID := "task-1"

	for i := 0; i < 5; i++ {
		h.Log(taskID, LevelInfo, fmt.Sprintf("log %d", i))
	}
	h.Chat(taskID, ChatEvent{Role: RoleUser, Text: "do the thing"})
	h.Chat(taskID, ChatEvent{Tool: "Write", Summary: "README.md"})
	h.Chat(taskID, ChatEvent{Role: RoleAssistant, Text: "done"})
	h.Status(taskID, "coding")

	sub, replay := h.Subscribe(taskID)
	defer h.Unsubscribe(taskID, sub)

	require.Len(t, replay, 9)
	for i := 0; i < 5; i++ {
		assert.Equal(t, EventLog, replay[i].Name)
		assert.Equal(t, fmt.Sprintf("log %d", i), replay[i].Data.(LogEntry).Message)
	}
	assert.Equal(t, EventChatMessage, replay[5].Name)
	assert.Equal(t, EventToolActivity, replay[6].Name)
	assert.Equal(t, EventChatMessage, replay[7].Name)
	assert.Equal(t, EventStatus, replay[8].Name)
}

func TestHub_LiveAfterReplay(t *testing.T) {
	h := newTestHub(t, Options{})
	taskID := "task-2"

	h.Log(taskID, LevelInfo, "before")
	sub, replay := h.Subscribe(taskID)
	defer h.Unsubscribe(taskID, sub)
	require.Len(t, replay, 1)

	h.Log(taskID, LevelAgent, "after")
	select {
	case ev := <-sub.C:
		assert.Equal(t, EventLog, ev.Name)
		assert.Equal(t, "after", ev.Data.(LogEntry).Message)
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}
}

func TestHub_RingOverflow(t *testing.T) {
	h := newTestHub(t, Options{LogBufferSize: 3})
	taskID := "task-3"

	for i := 0; i < 5; i++ {
		h.Log(taskID, LevelInfo, fmt.Sprintf("log %d", i))
	}

	sub, replay := h.Subscribe(taskID)
	defer h.Unsubscribe(taskID, sub)

	require.Len(t, replay, 3)
	assert.Equal(t, "log 2", replay[0].Data.(LogEntry).Message)
	assert.Equal(t, "log 3", replay[1].Data.(LogEntry).Message)
	assert.Equal(t, "log 4", replay[2].Data.(LogEntry).Message)
}

func TestHub_ChatNeverDropped(t *testing.T) {
	h := newTestHub(t, Options{LogBufferSize: 2})
	taskID := "task-4"

	for i := 0; i < 10; i++ {
		h.Chat(taskID, ChatEvent{Role: RoleAssistant, Text: fmt.Sprintf("turn %d", i)})
	}

	history := h.ChatHistory(taskID)
	require.Len(t, history, 10)
	assert.Equal(t, "turn 0", history[0].Text)
	assert.Equal(t, "turn 9", history[9].Text)
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	h := newTestHub(t, Options{SubscriberBuffer: 1, WriteDeadline: 10 * time.Millisecond})
	taskID := "task-5"

	sub, _ := h.Subscribe(taskID)
	// Never read from sub.C: the second publish overflows the buffer and the
	// deadline expires.
	h.Log(taskID, LevelInfo, "one")
	h.Log(taskID, LevelInfo, "two")

	select {
	case <-sub.Done:
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.Equal(t, 0, h.SubscriberCount(taskID))

	// History keeps both entries even though the subscriber lost them.
	_, replay := h.Subscribe(taskID)
	assert.Len(t, replay, 2)
}

func TestHub_Drop(t *testing.T) {
	h := newTestHub(t, Options{})
	taskID := "task-6"

	h.Log(taskID, LevelInfo, "line")
	sub, _ := h.Subscribe(taskID)

	h.Drop(taskID)
	select {
	case <-sub.Done:
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed on drop")
	}

	_, replay := h.Subscribe(taskID)
	assert.Empty(t, replay)
}

func TestHub_StatusReplayReflectsLatest(t *testing.T) {
	h := newTestHub(t, Options{})
	taskID := "task-7"

	h.Status(taskID, "planning")
	h.Status(taskID, "coding")

	sub, replay := h.Subscribe(taskID)
	defer h.Unsubscribe(taskID, sub)

	require.Len(t, replay, 1)
	data := replay[0].Data.(map[string]any)
	assert.Equal(t, "coding", data["status"])
	assert.Equal(t, taskID, data["task_id"])
}

func TestConnectEvents(t *testing.T) {
	t.Run("terminal with pr closes", func(t *testing.T) {
		events, closeAfter := connectEvents(ConnectState{Status: "done", Terminal: true, PRURL: "https://example.com/pr/1"})
		require.Len(t, events, 1)
		assert.Equal(t, EventComplete, events[0].Name)
		assert.True(t, closeAfter)
	})

	t.Run("failed closes with error", func(t *testing.T) {
		events, closeAfter := connectEvents(ConnectState{Status: "failed", Terminal: true, ErrorMessage: "agent timeout"})
		require.Len(t, events, 1)
		assert.Equal(t, EventError, events[0].Name)
		assert.True(t, closeAfter)
	})

	t.Run("awaiting review stays open", func(t *testing.T) {
		events, closeAfter := connectEvents(ConnectState{Status: "awaiting_review", AwaitingReview: true})
		require.Len(t, events, 1)
		assert.Equal(t, EventAwaitingReview, events[0].Name)
		assert.False(t, closeAfter)
	})

	t.Run("running agent gets timeout info log", func(t *testing.T) {
		now := time.Now()
		events, closeAfter := connectEvents(ConnectState{
			Status:       "coding",
			AgentRunning: true,
			RunningSince: now,
			Deadline:     now.Add(5 * time.Minute),
		})
		require.Len(t, events, 1)
		assert.Equal(t, EventLog, events[0].Name)
		assert.Contains(t, events[0].Data.(LogEntry).Message, "times out at")
		assert.False(t, closeAfter)
	})
}
