package task

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/common/config"
	"github.com/taskdeck/taskdeck/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open(config.StorageConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "taskdeck.db"),
	}, config.DatabaseConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool)
	require.NoError(t, err)
	return store
}

func TestStore_CreateAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := &Task{
		Title:        "Add login rate limiting",
		Description:  "Throttle repeated failures",
		UserInput:    "add rate limiting to login",
		RepoURL:      "https://github.com/acme/widget.git",
		TargetBranch: "main",
		ContextFiles: []string{"internal/auth/login.go", "docs/security.md"},
		BuildCommand: "make test",
		RepositoryID: "acme/widget",
		AgentBackend: BackendClaude,
		AgentModel:   "sonnet",
	}
	require.NoError(t, store.Create(ctx, in))
	require.NotEmpty(t, in.ID)
	assert.Equal(t, StatusDraft, in.Status)

	got, err := store.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.Title, got.Title)
	assert.Equal(t, in.UserInput, got.UserInput)
	assert.Equal(t, in.ContextFiles, got.ContextFiles)
	assert.Equal(t, in.AgentBackend, got.AgentBackend)
	assert.Equal(t, StatusDraft, got.Status)
	assert.Nil(t, got.DiffSnapshot)
	assert.Empty(t, got.ConflictFiles)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStore_CreateNormalizesAliasStatus(t *testing.T) {
	store := newTestStore(t)

	in := &Task{Title: "t", RepoURL: "file:///r", Status: "backlog"}
	require.NoError(t, store.Create(context.Background(), in))

	got, err := store.Get(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, got.Status)
}

func TestStore_GetUnknownID(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStore_UpdatePersistsJSONColumns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "t", RepoURL: "file:///r"}
	require.NoError(t, store.Create(ctx, task))

	task.Status = StatusMergeConflicts
	task.BranchName = "feature/t-" + task.ID[:8]
	task.ConflictFiles = []string{"main.go", "go.mod"}
	task.DiffSnapshot = &DiffSnapshot{
		Files: []DiffFile{{Path: "main.go", Status: "modified"}},
		Diff:  "--- a/main.go\n+++ b/main.go\n",
	}
	require.NoError(t, store.Update(ctx, task))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusMergeConflicts, got.Status)
	assert.Equal(t, []string{"main.go", "go.mod"}, got.ConflictFiles)
	require.NotNil(t, got.DiffSnapshot)
	assert.Equal(t, "modified", got.DiffSnapshot.Files[0].Status)
	assert.Contains(t, got.DiffSnapshot.Diff, "+++ b/main.go")
}

func TestStore_UpdateUnknownID(t *testing.T) {
	store := newTestStore(t)
	err := store.Update(context.Background(), &Task{ID: uuid.New().String(), Title: "x"})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStore_ListFiltersByRepository(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Task{Title: "a", RepoURL: "file:///r", RepositoryID: "acme/widget"}
	b := &Task{Title: "b", RepoURL: "file:///r", RepositoryID: "acme/gadget"}
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := store.List(ctx, "acme/widget")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "a", filtered[0].Title)
}

func TestStore_DeleteRemovesHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "t", RepoURL: "file:///r"}
	require.NoError(t, store.Create(ctx, task))
	require.NoError(t, store.AppendLog(ctx, &LogRecord{TaskID: task.ID, Level: "info", Message: "started"}))
	require.NoError(t, store.AppendChat(ctx, &ChatRecord{TaskID: task.ID, Role: "user", Text: "hi"}))

	require.NoError(t, store.Delete(ctx, task.ID))

	_, err := store.Get(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	logs, err := store.ListLogs(ctx, task.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)

	assert.ErrorIs(t, store.Delete(ctx, task.ID), ErrTaskNotFound)
}

func TestStore_ChatAndLogHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "t", RepoURL: "file:///r"}
	require.NoError(t, store.Create(ctx, task))

	require.NoError(t, store.AppendChat(ctx, &ChatRecord{TaskID: task.ID, Role: "user", Text: "do the thing"}))
	require.NoError(t, store.AppendChat(ctx, &ChatRecord{TaskID: task.ID, Tool: "bash", Summary: "ran tests"}))
	require.NoError(t, store.AppendChat(ctx, &ChatRecord{TaskID: task.ID, Role: "assistant", Text: "done"}))

	chat, err := store.ListChat(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, chat, 3)
	assert.Equal(t, "do the thing", chat[0].Text)
	assert.Equal(t, "bash", chat[1].Tool)
	assert.Equal(t, "assistant", chat[2].Role)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendLog(ctx, &LogRecord{TaskID: task.ID, Level: "info", Message: "line"}))
	}
	recent, err := store.ListLogs(ctx, task.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Less(t, recent[0].ID, recent[2].ID)
}
