package runner

import (
	"context"

	"github.com/taskdeck/taskdeck/internal/task"
)

// Mode selects what the run produces.
type Mode string

const (
	// ModeSpec turns free-text input into a written specification. No
	// worktree; the agent must not touch files.
	ModeSpec Mode = "spec"
	// ModeExecute implements an approved specification inside a worktree.
	ModeExecute Mode = "execute"
	// ModeResume is execute mode with prior chat history and new feedback
	// prepended to the prompt.
	ModeResume Mode = "resume"
)

// Request describes one agent run. Prompts arrive fully rendered; the
// backend only decides how to deliver them.
type Request struct {
	TaskID       string
	Mode         Mode
	SystemPrompt string
	Prompt       string

	// WorkDir is the task worktree. Empty in spec mode.
	WorkDir string

	// Model overrides the backend default when non-empty.
	Model string

	// APIKey authenticates hosted backends. Unused by CLIs, which carry
	// their own credentials.
	APIKey string

	// Feedback delivers mid-run user messages to backends that accept
	// stdin input. May be nil.
	Feedback <-chan string
}

// EmitFunc receives each uniform event as the backend produces it.
type EmitFunc func(Event)

// Backend runs one agent invocation to completion, emitting uniform events
// along the way. Run returns after the final Completion or BackendError has
// been emitted; a non-nil error means the run failed.
type Backend interface {
	Kind() task.BackendKind
	// SupportsLiveFeedback reports whether mid-run feedback reaches the
	// running agent (stdin or a live session). When false, feedback is
	// stored for the next run.
	SupportsLiveFeedback() bool
	Run(ctx context.Context, req Request, emit EmitFunc) error
}

// Sink receives everything a run produces besides its return value: the
// uniform event stream plus raw log lines (heartbeats, stderr tails).
type Sink interface {
	Event(taskID string, ev Event)
	Log(taskID string, level, message string)
}

// Log levels on the sink, matching the task stream contract.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
	LogAgent = "agent"
	LogUser  = "user"
)
