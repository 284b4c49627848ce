package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/forge"
	"github.com/taskdeck/taskdeck/internal/runner"
	"github.com/taskdeck/taskdeck/internal/task"
)

// runToReview drives a task through execute with a script that rewrites
// hello.txt, landing it in awaiting_review.
func runToReview(t *testing.T, env *testEnv, repoURL string) *task.Task {
	t.Helper()
	created := env.createTask(t, repoURL)
	env.setStatus(t, created.ID, task.StatusApproved)

	env.stub.script(func(_ context.Context, req runner.Request, emit runner.EmitFunc) error {
		if err := os.WriteFile(filepath.Join(req.WorkDir, "hello.txt"), []byte("agent version\n"), 0o644); err != nil {
			return err
		}
		emit(runner.Completion("Rewrote hello.txt.", "stub-model", 30))
		return nil
	})

	require.NoError(t, env.svc.Execute(context.Background(), created.ID))
	return env.waitStatus(t, created.ID, task.StatusAwaitingReview)
}

func TestApprove_MergeConflictThenResolve(t *testing.T) {
	env := newTestEnv(t, 300)
	upstream, repoURL := gitUpstream(t)
	got := runToReview(t, env, repoURL)

	// A racing commit on upstream main touches the same line.
	require.NoError(t, os.WriteFile(filepath.Join(upstream, "hello.txt"), []byte("upstream version\n"), 0o644))
	gitRun(t, upstream, "add", ".")
	gitRun(t, upstream, "commit", "-m", "racing change")

	_, err := env.svc.Approve(context.Background(), got.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindMergeConflict, apperr.KindOf(err))

	got = env.waitStatus(t, got.ID, task.StatusMergeConflicts)
	assert.Equal(t, []string{"hello.txt"}, got.ConflictFiles)
	assert.Empty(t, env.forge.createdPRs())

	// Markers still present: resolve-conflicts reports the offenders.
	_, remaining, err := env.svc.ResolveConflicts(context.Background(), got.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, []string{"hello.txt"}, remaining)

	// The user resolves the file in place.
	path, ok := env.trees.WorktreePath(got.ID)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(filepath.Join(path, "hello.txt"), []byte("merged version\n"), 0o644))

	prURL, remaining, err := env.svc.ResolveConflicts(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.NotEmpty(t, prURL)

	got = env.waitStatus(t, got.ID, task.StatusPRCreated)
	assert.Equal(t, prURL, got.PRURL)
	assert.Empty(t, got.ConflictFiles)
}

func TestApprove_GuardsStatus(t *testing.T) {
	env := newTestEnv(t, 300)
	_, repoURL := gitUpstream(t)
	created := env.createTask(t, repoURL)

	_, err := env.svc.Approve(context.Background(), created.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestRequestChanges_StoresFeedback(t *testing.T) {
	env := newTestEnv(t, 300)
	_, repoURL := gitUpstream(t)
	got := runToReview(t, env, repoURL)

	require.NoError(t, env.svc.RequestChanges(context.Background(), got.ID, "hello.txt should keep the greeting"))
	got = env.waitStatus(t, got.ID, task.StatusChangesRequested)
	assert.Contains(t, got.ReviewFeedback, "keep the greeting")

	// The next execute resumes with the stored feedback.
	require.NoError(t, env.svc.Execute(context.Background(), got.ID))
	env.waitStatus(t, got.ID, task.StatusAwaitingReview)

	reqs := env.stub.requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, runner.ModeResume, last.Mode)
	assert.Contains(t, last.Prompt, "keep the greeting")
}

func TestPRClosed_CancelsTask(t *testing.T) {
	env := newTestEnv(t, 300)
	_, repoURL := gitUpstream(t)
	got := runToReview(t, env, repoURL)

	_, err := env.svc.Approve(context.Background(), got.ID)
	require.NoError(t, err)
	env.waitStatus(t, got.ID, task.StatusPRCreated)

	require.NoError(t, env.svc.PRClosed(context.Background(), got.ID))
	got = env.waitStatus(t, got.ID, task.StatusCanceled)
	require.NotNil(t, got.DiffSnapshot)
}

func TestChanges_EmptyWithoutWorktree(t *testing.T) {
	env := newTestEnv(t, 300)
	_, repoURL := gitUpstream(t)
	created := env.createTask(t, repoURL)

	snap, err := env.svc.Changes(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Empty(t, snap.Files)
}

func TestChanges_LiveWorktreeDiff(t *testing.T) {
	env := newTestEnv(t, 300)
	_, repoURL := gitUpstream(t)
	got := runToReview(t, env, repoURL)

	snap, err := env.svc.Changes(context.Background(), got.ID)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Files)
	assert.Equal(t, "hello.txt", snap.Files[0].Path)
}

func TestPRComments(t *testing.T) {
	env := newTestEnv(t, 300)
	_, repoURL := gitUpstream(t)
	created := env.createTask(t, repoURL)

	// No PR yet.
	_, err := env.svc.PRComments(context.Background(), created.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	got := runToReview(t, env, repoURL)
	_, err = env.svc.Approve(context.Background(), got.ID)
	require.NoError(t, err)

	env.forge.mu.Lock()
	env.forge.comments = []forge.Comment{{ID: 1, Author: "reviewer", Body: "nit: typo"}}
	env.forge.mu.Unlock()

	comments, err := env.svc.PRComments(context.Background(), got.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "nit: typo", comments[0].Body)
}

func TestOpenEditor_OnlyInMergeConflicts(t *testing.T) {
	env := newTestEnv(t, 300)
	_, repoURL := gitUpstream(t)
	created := env.createTask(t, repoURL)

	err := env.svc.OpenEditor(context.Background(), created.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}
