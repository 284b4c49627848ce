// Package runner selects and drives agent backends: installed CLIs parsed
// from their stdout protocols, or hosted chat APIs. Every backend emits the
// same event stream, so the orchestrator and the event hub never see
// backend-specific shapes.
package runner

// EventType discriminates the uniform event stream.
type EventType string

const (
	// EventAssistantText is one fragment of assistant output.
	EventAssistantText EventType = "assistant_text"
	// EventToolCall reports the agent invoking a tool.
	EventToolCall EventType = "tool_call"
	// EventToolResult reports a tool's outcome.
	EventToolResult EventType = "tool_result"
	// EventCompletion is the final result of a successful run.
	EventCompletion EventType = "completion"
	// EventBackendError is a failure reported by the backend.
	EventBackendError EventType = "backend_error"
)

// Event is one record on the uniform stream. Exactly the fields for its type
// are populated.
type Event struct {
	Type EventType

	// Assistant text, completion text, or tool result text.
	Text string

	// Tool call.
	Tool    string
	Summary string

	// Completion.
	Model  string
	Tokens int64

	// Backend error.
	Subtype string
	Message string
}

// AssistantText builds an assistant-text event.
func AssistantText(text string) Event {
	return Event{Type: EventAssistantText, Text: text}
}

// ToolCall builds a tool-call event.
func ToolCall(tool, summary string) Event {
	return Event{Type: EventToolCall, Tool: tool, Summary: summary}
}

// ToolResult builds a tool-result event.
func ToolResult(tool, text string) Event {
	return Event{Type: EventToolResult, Tool: tool, Text: text}
}

// Completion builds a completion event.
func Completion(text, model string, tokens int64) Event {
	return Event{Type: EventCompletion, Text: text, Model: model, Tokens: tokens}
}

// BackendError builds a backend-error event.
func BackendError(subtype, message string) Event {
	return Event{Type: EventBackendError, Subtype: subtype, Message: message}
}
