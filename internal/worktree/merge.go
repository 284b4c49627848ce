package worktree

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// CommitAll stages everything in the task worktree and commits it. Returns
// false when there is nothing to commit. A merge in progress is concluded by
// the commit.
func (m *Manager) CommitAll(ctx context.Context, taskID, message string) (bool, error) {
	if !isValidTaskID(taskID) {
		return false, ErrInvalidTaskID
	}
	wtPath := m.config.WorktreePath(taskID)
	if !m.IsValid(wtPath) {
		return false, ErrWorktreeNotFound
	}

	if out, err := m.git(ctx, wtPath, "add", "-A"); err != nil {
		return false, gitError(out, err)
	}

	// Nothing staged and no merge to conclude means nothing to commit.
	if _, err := m.git(ctx, wtPath, "diff", "--cached", "--quiet"); err == nil {
		if !m.mergeInProgress(ctx, wtPath) {
			return false, nil
		}
	}

	out, err := m.git(ctx, wtPath, "-c", "user.name=taskdeck", "-c", "user.email=taskdeck@localhost",
		"commit", "-m", message)
	if err != nil {
		return false, gitError(out, err)
	}

	m.logger.Info("committed worktree changes",
		zap.String("task_id", taskID),
		zap.String("message", message))
	return true, nil
}

// MergeTarget merges the current tip of the task's target branch into the
// task branch. Returns the files left in a conflicted state; a non-empty
// result means the merge stopped and the worktree holds conflict markers for
// the user to resolve. An unknown or empty target branch is a no-op.
func (m *Manager) MergeTarget(ctx context.Context, taskID string) ([]string, error) {
	if !isValidTaskID(taskID) {
		return nil, ErrInvalidTaskID
	}
	wt, ok := m.Get(taskID)
	if !ok {
		return nil, ErrWorktreeNotFound
	}
	if wt.TargetBranch == "" || wt.FromEmptyRepo {
		return nil, nil
	}

	mergeRef := "refs/heads/" + wt.TargetBranch
	if out, err := m.git(ctx, wt.Path, "fetch", wt.RepoURL,
		"+refs/heads/"+wt.TargetBranch+":"+mergeRef); err != nil {
		// Offline or no such branch upstream; merge whatever local ref exists.
		m.logger.Debug("target branch fetch failed",
			zap.String("task_id", taskID),
			zap.String("output", out))
	}
	if _, err := m.git(ctx, wt.Path, "rev-parse", "--verify", mergeRef); err != nil {
		return nil, nil
	}

	out, err := m.git(ctx, wt.Path, "-c", "user.name=taskdeck", "-c", "user.email=taskdeck@localhost",
		"merge", "--no-edit", mergeRef)
	if err == nil {
		return nil, nil
	}

	conflicted, listErr := m.git(ctx, wt.Path, "diff", "--name-only", "--diff-filter=U")
	files := splitLines(conflicted)
	if listErr != nil || len(files) == 0 {
		// Merge failed for a reason other than content conflicts.
		_, _ = m.git(ctx, wt.Path, "merge", "--abort")
		return nil, gitError(out, err)
	}

	// Leave the merge open: the conflicted files carry markers the user (or
	// an editor) resolves in place.
	m.logger.Info("merge stopped on conflicts",
		zap.String("task_id", taskID),
		zap.Int("files", len(files)))
	return files, nil
}

func (m *Manager) mergeInProgress(ctx context.Context, wtPath string) bool {
	_, err := m.git(ctx, wtPath, "rev-parse", "--verify", "MERGE_HEAD")
	return err == nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
