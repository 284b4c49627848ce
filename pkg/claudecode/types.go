// Package claudecode parses the Claude Code CLI stream-json protocol as
// emitted in one-shot print mode (--print --verbose --output-format
// stream-json): one JSON record per line on stdout, closed by a result
// record.
package claudecode

import "encoding/json"

// Message types emitted by the CLI.
const (
	// MessageTypeSystem is the session init record.
	MessageTypeSystem = "system"
	// MessageTypeAssistant carries assistant content blocks.
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries echoed tool results.
	MessageTypeUser = "user"
	// MessageTypeResult is the final record of a run.
	MessageTypeResult = "result"
)

// Result subtypes.
const (
	ResultSubtypeSuccess        = "success"
	ResultSubtypeErrorMaxTurns  = "error_max_turns"
	ResultSubtypeErrorExecution = "error_during_execution"
)

// CLIMessage is one line of CLI stdout. The Type field determines which of
// the remaining fields are populated.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system records.
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// For assistant and user records.
	Message *AssistantMessage `json:"message,omitempty"`

	// For result records. Result is a plain string in print mode but kept
	// raw because older CLI versions emit an object.
	Result        json.RawMessage `json:"result,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block inside an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks.
	Text string `json:"text,omitempty"`

	// For tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content may be a string or a block list;
	// kept raw and flattened by ResultText.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result content payload to plain text.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	var text string
	for _, blk := range blocks {
		if blk.Type == "text" {
			text += blk.Text
		}
	}
	return text
}

// Usage contains token counts.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Total returns input plus output tokens.
func (u *Usage) Total() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// ResultString returns the Result field when it is a plain string.
func (m *CLIMessage) ResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}
