package worktree

import "time"

// Worktree is one task's isolated working copy.
type Worktree struct {
	TaskID       string    `json:"task_id"`
	Path         string    `json:"path"`
	BareRepoPath string    `json:"bare_repo_path"`
	RepoURL      string    `json:"repo_url"`
	Branch       string    `json:"branch"`
	TargetBranch string    `json:"target_branch"`
	// FromEmptyRepo marks a worktree created on an orphan branch because the
	// upstream repository had no commits.
	FromEmptyRepo bool      `json:"from_empty_repo"`
	Reused        bool      `json:"reused"`
	CreatedAt     time.Time `json:"created_at"`
}

// SetupRequest describes the worktree a task needs.
type SetupRequest struct {
	TaskID       string
	TaskTitle    string
	RepoURL      string
	TargetBranch string
	// BranchName reattaches to an existing task branch. Empty means derive a
	// fresh name from the title.
	BranchName string
}

// FileStatus classifies one changed file in a diff.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusDeleted  FileStatus = "deleted"
)

// FileDiff is one changed file.
type FileDiff struct {
	Path   string     `json:"path"`
	Status FileStatus `json:"status"`
}

// DiffResult is the full change set of a worktree.
type DiffResult struct {
	Files []FileDiff `json:"files"`
	Diff  string     `json:"diff"`
}
