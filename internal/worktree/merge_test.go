package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitAll_NothingToCommit(t *testing.T) {
	m := newTestManager(t)
	repoURL := seedUpstream(t)
	taskID := uuid.New().String()

	_, err := m.Setup(context.Background(), SetupRequest{
		TaskID: taskID, TaskTitle: "Commit test", RepoURL: repoURL, TargetBranch: "main",
	})
	require.NoError(t, err)

	committed, err := m.CommitAll(context.Background(), taskID, "empty")
	require.NoError(t, err)
	assert.False(t, committed)
}

func TestCommitAll_CommitsNewFiles(t *testing.T) {
	m := newTestManager(t)
	repoURL := seedUpstream(t)
	taskID := uuid.New().String()

	wt, err := m.Setup(context.Background(), SetupRequest{
		TaskID: taskID, TaskTitle: "Commit test", RepoURL: repoURL, TargetBranch: "main",
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "new.txt"), []byte("content\n"), 0o644))

	committed, err := m.CommitAll(context.Background(), taskID, "add new.txt")
	require.NoError(t, err)
	assert.True(t, committed)

	// The worktree is clean afterwards and the commit carries the message.
	status := runGit(t, wt.Path, "status", "--porcelain")
	assert.Empty(t, strings.TrimSpace(status))
	subject := runGit(t, wt.Path, "log", "-1", "--format=%s")
	assert.Equal(t, "add new.txt", strings.TrimSpace(subject))
}

func TestMergeTarget_CleanMerge(t *testing.T) {
	m := newTestManager(t)
	upstream := strings.TrimPrefix(seedUpstream(t), "file://")
	repoURL := "file://" + upstream
	taskID := uuid.New().String()

	wt, err := m.Setup(context.Background(), SetupRequest{
		TaskID: taskID, TaskTitle: "Merge test", RepoURL: repoURL, TargetBranch: "main",
	})
	require.NoError(t, err)

	// The task adds one file; upstream main adds a different one.
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "task.txt"), []byte("task\n"), 0o644))
	_, err = m.CommitAll(context.Background(), taskID, "task change")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(upstream, "other.txt"), []byte("other\n"), 0o644))
	runGit(t, upstream, "add", ".")
	runGit(t, upstream, "commit", "-m", "upstream change")

	conflicts, err := m.MergeTarget(context.Background(), taskID)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.FileExists(t, filepath.Join(wt.Path, "other.txt"))
}

func TestMergeTarget_ReportsConflicts(t *testing.T) {
	m := newTestManager(t)
	upstream := strings.TrimPrefix(seedUpstream(t), "file://")
	repoURL := "file://" + upstream
	taskID := uuid.New().String()

	wt, err := m.Setup(context.Background(), SetupRequest{
		TaskID: taskID, TaskTitle: "Conflict test", RepoURL: repoURL, TargetBranch: "main",
	})
	require.NoError(t, err)

	// Both sides rewrite the same line of hello.txt.
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "hello.txt"), []byte("task version\n"), 0o644))
	_, err = m.CommitAll(context.Background(), taskID, "task edit")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(upstream, "hello.txt"), []byte("upstream version\n"), 0o644))
	runGit(t, upstream, "add", ".")
	runGit(t, upstream, "commit", "-m", "upstream edit")

	conflicts, err := m.MergeTarget(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, []string{"hello.txt"}, conflicts)

	// The merge is left open with markers in place for resolution.
	content, err := os.ReadFile(filepath.Join(wt.Path, "hello.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "<<<<<<<")

	remaining, err := m.ConflictFiles(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello.txt"}, remaining)

	// Resolving and committing concludes the merge.
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "hello.txt"), []byte("resolved\n"), 0o644))
	committed, err := m.CommitAll(context.Background(), taskID, "resolve conflict")
	require.NoError(t, err)
	assert.True(t, committed)

	remaining, err = m.ConflictFiles(context.Background(), taskID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestMergeTarget_NoTargetBranchIsNoop(t *testing.T) {
	m := newTestManager(t)
	repoURL := seedUpstream(t)
	taskID := uuid.New().String()

	_, err := m.Setup(context.Background(), SetupRequest{
		TaskID: taskID, TaskTitle: "No target", RepoURL: repoURL,
	})
	require.NoError(t, err)

	conflicts, err := m.MergeTarget(context.Background(), taskID)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}
