// Package hub implements the per-task event hub: a bounded ring of log
// lines, a lossless chat history, and fan-out of live events to long-lived
// subscribers with full historical replay on connect.
package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// Wire event names. These are a contract with connected clients; the SSE and
// WebSocket transports carry the same set.
const (
	EventLog            = "log"
	EventStatus         = "status"
	EventChatMessage    = "chat_message"
	EventToolActivity   = "tool_activity"
	EventTimeoutWarning = "timeout_warning"
	EventAwaitingReview = "awaiting_review"
	EventComplete       = "complete"
	EventError          = "error"
)

// LogLevel classifies a log line on the task stream.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelAgent LogLevel = "agent"
	LevelUser  LogLevel = "user"
)

// LogEntry is one line on a task's log stream.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

// ChatEvent is one chat turn or one tool activity on a task. Exactly one of
// the two shapes is populated: messages carry Role+Text, tool activities
// carry Tool+Summary.
type ChatEvent struct {
	Role      ChatRole  `json:"role,omitempty"`
	Text      string    `json:"text,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsToolActivity reports whether the event is a tool activity rather than a
// chat message.
func (c ChatEvent) IsToolActivity() bool {
	return c.Tool != ""
}

// Event is one named record on the wire.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Subscriber is one live consumer of a task's event stream. Events arrive on
// C in publication order; Done is closed when the hub drops the subscriber
// (slow consumer or task teardown).
type Subscriber struct {
	C    chan Event
	Done chan struct{}

	once sync.Once
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.Done) })
}

// taskState holds everything the hub tracks for one task.
type taskState struct {
	mu sync.Mutex

	// logs is a fixed-capacity ring; start indexes the oldest entry.
	logs  []LogEntry
	start int
	count int

	chat        []ChatEvent
	lastStatus  string
	subscribers map[*Subscriber]struct{}
}

// Hub fans task events out to subscribers and retains history for replay.
type Hub struct {
	mu    sync.RWMutex
	tasks map[string]*taskState

	logBufferSize    int
	subscriberBuffer int
	writeDeadline    time.Duration
	logger           *logger.Logger
}

// Options configures a Hub.
type Options struct {
	// LogBufferSize bounds the per-task log ring; oldest entries drop on
	// overflow. Chat history is never dropped.
	LogBufferSize int
	// SubscriberBuffer is the per-subscriber channel depth.
	SubscriberBuffer int
	// WriteDeadline is how long a publish waits on a full subscriber
	// channel before dropping the subscriber.
	WriteDeadline time.Duration
}

// New creates a Hub. Zero option fields get working defaults.
func New(opts Options, log *logger.Logger) *Hub {
	if opts.LogBufferSize <= 0 {
		opts.LogBufferSize = 2000
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.WriteDeadline <= 0 {
		opts.WriteDeadline = 100 * time.Millisecond
	}
	return &Hub{
		tasks:            make(map[string]*taskState),
		logBufferSize:    opts.LogBufferSize,
		subscriberBuffer: opts.SubscriberBuffer,
		writeDeadline:    opts.WriteDeadline,
		logger:           log,
	}
}

func (h *Hub) state(taskID string) *taskState {
	h.mu.RLock()
	ts, ok := h.tasks[taskID]
	h.mu.RUnlock()
	if ok {
		return ts
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ts, ok = h.tasks[taskID]; ok {
		return ts
	}
	ts = &taskState{
		logs:        make([]LogEntry, h.logBufferSize),
		subscribers: make(map[*Subscriber]struct{}),
	}
	h.tasks[taskID] = ts
	return ts
}

// Log appends a log line to the task's ring and publishes it live.
func (h *Hub) Log(taskID string, level LogLevel, message string) {
	entry := LogEntry{Timestamp: time.Now().UTC(), Level: level, Message: message}
	ts := h.state(taskID)

	ts.mu.Lock()
	idx := (ts.start + ts.count) % len(ts.logs)
	ts.logs[idx] = entry
	if ts.count < len(ts.logs) {
		ts.count++
	} else {
		ts.start = (ts.start + 1) % len(ts.logs)
	}
	subs := ts.snapshotSubscribers()
	ts.mu.Unlock()

	h.deliver(taskID, ts, subs, Event{Name: EventLog, Data: entry})
}

// Chat appends a chat message or tool activity to the task's lossless chat
// history and publishes it live.
func (h *Hub) Chat(taskID string, ev ChatEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ts := h.state(taskID)

	ts.mu.Lock()
	ts.chat = append(ts.chat, ev)
	subs := ts.snapshotSubscribers()
	ts.mu.Unlock()

	name := EventChatMessage
	if ev.IsToolActivity() {
		name = EventToolActivity
	}
	h.deliver(taskID, ts, subs, Event{Name: name, Data: ev})
}

// ChatHistory returns a copy of the task's chat events, in append order. The
// runner uses it to rebuild context for resumed runs.
func (h *Hub) ChatHistory(taskID string) []ChatEvent {
	ts := h.state(taskID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]ChatEvent, len(ts.chat))
	copy(out, ts.chat)
	return out
}

// Status records the task's current status and publishes a status event.
func (h *Hub) Status(taskID, status string) {
	ts := h.state(taskID)

	ts.mu.Lock()
	ts.lastStatus = status
	subs := ts.snapshotSubscribers()
	ts.mu.Unlock()

	h.deliver(taskID, ts, subs, Event{Name: EventStatus, Data: statusPayload(taskID, status)})
}

// Publish sends a named event to live subscribers without buffering it.
// Used for the signal events: timeout_warning, awaiting_review, complete,
// error.
func (h *Hub) Publish(taskID, name string, data any) {
	ts := h.state(taskID)

	ts.mu.Lock()
	subs := ts.snapshotSubscribers()
	ts.mu.Unlock()

	h.deliver(taskID, ts, subs, Event{Name: name, Data: data})
}

// Subscribe registers a live subscriber and returns it together with the
// replay: all buffered logs in order, then all chat events in order, then
// one status event when a status has been recorded. Events published after
// this call arrive on the subscriber channel, never in the replay, so the
// two never overlap or reorder.
func (h *Hub) Subscribe(taskID string) (*Subscriber, []Event) {
	ts := h.state(taskID)
	sub := &Subscriber{
		C:    make(chan Event, h.subscriberBuffer),
		Done: make(chan struct{}),
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	replay := make([]Event, 0, ts.count+len(ts.chat)+1)
	for i := 0; i < ts.count; i++ {
		entry := ts.logs[(ts.start+i)%len(ts.logs)]
		replay = append(replay, Event{Name: EventLog, Data: entry})
	}
	for _, ev := range ts.chat {
		name := EventChatMessage
		if ev.IsToolActivity() {
			name = EventToolActivity
		}
		replay = append(replay, Event{Name: name, Data: ev})
	}
	if ts.lastStatus != "" {
		replay = append(replay, Event{Name: EventStatus, Data: statusPayload(taskID, ts.lastStatus)})
	}

	ts.subscribers[sub] = struct{}{}
	return sub, replay
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (h *Hub) Unsubscribe(taskID string, sub *Subscriber) {
	ts := h.state(taskID)
	ts.mu.Lock()
	delete(ts.subscribers, sub)
	ts.mu.Unlock()
	sub.close()
}

// Drop discards all state for a task: buffers, status, and subscribers.
// Called when the task is deleted.
func (h *Hub) Drop(taskID string) {
	h.mu.Lock()
	ts, ok := h.tasks[taskID]
	delete(h.tasks, taskID)
	h.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	subs := ts.snapshotSubscribers()
	ts.subscribers = make(map[*Subscriber]struct{})
	ts.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

// SubscriberCount returns the number of live subscribers for a task.
func (h *Hub) SubscriberCount(taskID string) int {
	ts := h.state(taskID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.subscribers)
}

// deliver writes an event to each subscriber outside the task lock. A
// subscriber that cannot accept the event within the write deadline is
// dropped; the event stays in the historical buffers regardless.
func (h *Hub) deliver(taskID string, ts *taskState, subs []*Subscriber, ev Event) {
	var slow []*Subscriber
	for _, sub := range subs {
		select {
		case sub.C <- ev:
			continue
		default:
		}

		timer := time.NewTimer(h.writeDeadline)
		select {
		case sub.C <- ev:
			timer.Stop()
		case <-timer.C:
			slow = append(slow, sub)
		}
	}

	if len(slow) == 0 {
		return
	}
	ts.mu.Lock()
	for _, sub := range slow {
		delete(ts.subscribers, sub)
	}
	ts.mu.Unlock()
	for _, sub := range slow {
		sub.close()
		h.logger.Warn("Dropped slow event subscriber", zap.String("task_id", taskID))
	}
}

func (ts *taskState) snapshotSubscribers() []*Subscriber {
	subs := make([]*Subscriber, 0, len(ts.subscribers))
	for sub := range ts.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func statusPayload(taskID, status string) map[string]any {
	return map[string]any{
		"task_id":   taskID,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}
}
