package worktree

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

const cleanupAttempts = 5

// Cleanup removes the task's worktree directory and optionally its branch.
// Removal is retried with increasing backoff because open file handles can
// block directory deletion on Windows; before the final retry, processes
// still holding files under the directory are swept and tree-killed.
func (m *Manager) Cleanup(ctx context.Context, taskID string, removeBranch bool) error {
	if !isValidTaskID(taskID) {
		return ErrInvalidTaskID
	}

	m.mu.Lock()
	wt := m.worktrees[taskID]
	delete(m.worktrees, taskID)
	m.mu.Unlock()

	wtPath := m.config.WorktreePath(taskID)
	barePath := ""
	branch := ""
	if wt != nil {
		barePath = wt.BareRepoPath
		branch = wt.Branch
	}

	if _, err := os.Stat(wtPath); os.IsNotExist(err) {
		return nil
	}

	repoLock := m.getRepoLock(barePath)
	repoLock.Lock()
	defer repoLock.Unlock()

	// git worktree remove detaches the bookkeeping cleanly when it works.
	if barePath != "" {
		if out, err := m.git(ctx, barePath, "worktree", "remove", "--force", wtPath); err != nil {
			m.logger.Debug("git worktree remove failed, falling back to direct removal",
				zap.String("task_id", taskID),
				zap.String("output", out))
		}
	}

	var lastErr error
	for attempt := 1; attempt <= cleanupAttempts; attempt++ {
		if attempt == cleanupAttempts && m.supervisor != nil {
			if err := m.supervisor.KillProcessesInDirectory(ctx, wtPath); err != nil {
				m.logger.Warn("process sweep before final cleanup attempt failed",
					zap.String("task_id", taskID),
					zap.Error(err))
			}
		}

		lastErr = os.RemoveAll(wtPath)
		if lastErr == nil {
			if _, err := os.Stat(wtPath); os.IsNotExist(err) {
				break
			}
			lastErr = fmt.Errorf("directory still present after removal")
		}

		if attempt < cleanupAttempts {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			m.logger.Debug("worktree removal retry",
				zap.String("task_id", taskID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	if lastErr != nil {
		m.logger.Error("worktree cleanup failed after retries",
			zap.String("task_id", taskID),
			zap.String("path", wtPath),
			zap.Error(lastErr))
		return fmt.Errorf("%w: %s: %v", ErrCleanupFailed, wtPath, lastErr)
	}

	if barePath != "" {
		m.pruneWorktrees(ctx, barePath)
		if removeBranch && branch != "" {
			if out, err := m.git(ctx, barePath, "branch", "-D", branch); err != nil {
				m.logger.Debug("branch delete failed",
					zap.String("branch", branch),
					zap.String("output", out))
			}
		}
	}

	m.logger.Info("removed worktree",
		zap.String("task_id", taskID),
		zap.String("path", wtPath),
		zap.Bool("branch_removed", removeBranch))
	return nil
}
