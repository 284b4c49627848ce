// Package worktree manages the on-disk git layout: one bare clone per
// repository URL shared by every task on that repository, and one isolated
// worktree per task.
package worktree

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidTaskID is returned when a task id does not match the opaque
	// id pattern. Checked before the id touches any filesystem path.
	ErrInvalidTaskID = errors.New("invalid task id")

	// ErrWorktreeNotFound is returned when no worktree exists for the task.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrCleanupFailed is returned when the worktree directory survives
	// every removal attempt.
	ErrCleanupFailed = errors.New("worktree cleanup failed")
)

var taskIDPattern = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

// isValidTaskID reports whether id matches the opaque task id shape. The
// manager refuses any other shape so ids are never interpolated into paths.
func isValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id)
}

// gitError wraps a failed git invocation with its captured output.
func gitError(out string, err error) error {
	out = strings.TrimSpace(out)
	if out == "" {
		return fmt.Errorf("%w: %v", ErrGitCommandFailed, err)
	}
	return fmt.Errorf("%w: %s", ErrGitCommandFailed, out)
}
