// Package codex parses the event stream emitted by `codex exec --json`: one
// JSON event per stdout line, closed by a turn.completed (or turn.failed /
// error) event.
package codex

// Event type names.
const (
	EventThreadStarted = "thread.started"
	EventTurnStarted   = "turn.started"
	EventTurnCompleted = "turn.completed"
	EventTurnFailed    = "turn.failed"
	EventItemStarted   = "item.started"
	EventItemUpdated   = "item.updated"
	EventItemCompleted = "item.completed"
	EventError         = "error"
)

// Item types.
const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
	ItemFileChange       = "file_change"
	ItemMCPToolCall      = "mcp_tool_call"
	ItemWebSearch        = "web_search"
	ItemTodoList         = "todo_list"
)

// Event is one line of `codex exec --json` stdout.
type Event struct {
	Type string `json:"type"`

	// For thread.started.
	ThreadID string `json:"thread_id,omitempty"`

	// For item.* events.
	Item *Item `json:"item,omitempty"`

	// For turn.completed.
	Usage *Usage `json:"usage,omitempty"`

	// For turn.failed and error events.
	Error   *ErrorDetail `json:"error,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Item is one unit of agent activity within a turn.
type Item struct {
	ID       string `json:"id"`
	ItemType string `json:"item_type"`
	Status   string `json:"status,omitempty"`

	// For agent_message and reasoning items.
	Text string `json:"text,omitempty"`

	// For command_execution items.
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`

	// For file_change items.
	Changes []FileChange `json:"changes,omitempty"`

	// For mcp_tool_call items.
	Server string `json:"server,omitempty"`
	Tool   string `json:"tool,omitempty"`

	// For web_search items.
	Query string `json:"query,omitempty"`
}

// FileChange is one changed file in a file_change item.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
}

// Usage contains token counts reported at turn completion.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens      int64 `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u *Usage) Total() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// ErrorDetail carries a turn failure reason.
type ErrorDetail struct {
	Message string `json:"message"`
}

// ErrorMessage returns the failure text of an error or turn.failed event.
func (e *Event) ErrorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return e.Message
}
