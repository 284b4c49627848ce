// Package task defines the task record, its status machine, and the
// persistent store. The orchestrator consults the action allow-list here;
// the rules themselves never live in handlers.
package task

import (
	"encoding/json"
	"regexp"
	"time"
)

// BackendKind selects how the agent is driven.
type BackendKind string

const (
	BackendClaude     BackendKind = "claude"
	BackendCodex      BackendKind = "codex"
	BackendCopilot    BackendKind = "copilot"
	BackendGemini     BackendKind = "gemini"
	BackendAnthropic  BackendKind = "anthropic"
	BackendOpenAI     BackendKind = "openai"
	BackendOpenRouter BackendKind = "openrouter"
)

// Task is the central record: one user request bound to one repository,
// driven through the status machine by agent runs and review actions.
type Task struct {
	ID          string `json:"id" db:"id"`
	Title       string `json:"title" db:"title"`
	Description string `json:"description" db:"description"`
	UserInput   string `json:"user_input" db:"user_input"`

	Spec          string `json:"spec" db:"spec"`
	SpecWasEdited bool   `json:"spec_was_edited" db:"spec_was_edited"`
	FinalSpec     string `json:"final_spec" db:"final_spec"`
	Plan          string `json:"plan" db:"plan"`

	RepoURL      string   `json:"repo_url" db:"repo_url"`
	TargetBranch string   `json:"target_branch" db:"target_branch"`
	BranchName   string   `json:"branch_name" db:"branch_name"`
	ContextFiles []string `json:"context_files,omitempty" db:"-"`
	BuildCommand string   `json:"build_command,omitempty" db:"build_command"`
	RepositoryID string   `json:"repository_id,omitempty" db:"repository_id"`

	AgentBackend BackendKind `json:"agent_backend,omitempty" db:"agent_backend"`
	AgentModel   string      `json:"agent_model,omitempty" db:"agent_model"`

	PRURL          string        `json:"pr_url,omitempty" db:"pr_url"`
	ErrorMessage   string        `json:"error_message,omitempty" db:"error_message"`
	ReviewFeedback string        `json:"review_feedback,omitempty" db:"review_feedback"`
	DiffSnapshot   *DiffSnapshot `json:"diff_snapshot,omitempty" db:"-"`
	ConflictFiles  []string      `json:"conflict_files,omitempty" db:"-"`

	Status    Status    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DiffFile is one file in a captured diff snapshot.
type DiffFile struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// DiffSnapshot is the final diff captured before worktree cleanup, persisted
// as a JSON column so terminal tasks keep their result after the working
// copy is gone.
type DiffSnapshot struct {
	Files []DiffFile `json:"files"`
	Diff  string     `json:"diff"`
}

// ChatRecord is one persisted chat turn or tool-activity entry.
type ChatRecord struct {
	ID        int64     `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	Role      string    `json:"role,omitempty" db:"role"`
	Text      string    `json:"text,omitempty" db:"text"`
	Tool      string    `json:"tool,omitempty" db:"tool"`
	Summary   string    `json:"summary,omitempty" db:"summary"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LogRecord is one persisted log line.
type LogRecord struct {
	ID        int64     `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	Level     string    `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

var taskIDPattern = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

// ValidTaskID reports whether id matches the uuid pattern. Checked before
// ids reach filesystem paths or SQL.
func ValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id)
}

func marshalJSONColumn(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return ""
	}
	return string(data)
}
