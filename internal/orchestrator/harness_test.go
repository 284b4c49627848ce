package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/common/config"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/db"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/events/hub"
	"github.com/taskdeck/taskdeck/internal/forge"
	"github.com/taskdeck/taskdeck/internal/process"
	"github.com/taskdeck/taskdeck/internal/prompts"
	"github.com/taskdeck/taskdeck/internal/runner"
	"github.com/taskdeck/taskdeck/internal/secrets"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/worktree"
)

const waitFor = 10 * time.Second

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// stubBackend is a scriptable agent backend. Each Run records its request and
// delegates to fn; the default script emits a completion and returns.
type stubBackend struct {
	live bool

	mu   sync.Mutex
	fn   func(ctx context.Context, req runner.Request, emit runner.EmitFunc) error
	reqs []runner.Request
}

func (b *stubBackend) Kind() task.BackendKind     { return task.BackendAnthropic }
func (b *stubBackend) SupportsLiveFeedback() bool { return b.live }

func (b *stubBackend) Run(ctx context.Context, req runner.Request, emit runner.EmitFunc) error {
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	fn := b.fn
	b.mu.Unlock()

	if fn == nil {
		emit(runner.Completion("done", "stub-model", 10))
		return nil
	}
	return fn(ctx, req, emit)
}

func (b *stubBackend) script(fn func(ctx context.Context, req runner.Request, emit runner.EmitFunc) error) {
	b.mu.Lock()
	b.fn = fn
	b.mu.Unlock()
}

func (b *stubBackend) requests() []runner.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]runner.Request, len(b.reqs))
	copy(out, b.reqs)
	return out
}

// blockUntilCanceled is a stub script that holds the run open until the
// runner tears it down.
func blockUntilCanceled(ctx context.Context, _ runner.Request, _ runner.EmitFunc) error {
	<-ctx.Done()
	return ctx.Err()
}

// fakeCreds supplies one hosted AI key so backend selection lands on the
// stub registered under the anthropic kind.
type fakeCreds struct{}

func (fakeCreds) Plaintext(kind secrets.Kind, provider secrets.Provider) (string, error) {
	if kind == secrets.KindAIKey && provider == secrets.ProviderAnthropic {
		return "sk-test", nil
	}
	return "", secrets.ErrSecretNotFound
}

type fakeTokens struct{ token string }

func (f fakeTokens) ForgeTokenFor(string, map[secrets.Provider]string) string { return f.token }

// fakeForge records created pull requests and serves canned comments.
type fakeForge struct {
	mu        sync.Mutex
	created   []forge.CreatePRRequest
	comments  []forge.Comment
	createErr error
}

func (f *fakeForge) WhoAmI(context.Context) (*forge.User, error) {
	return &forge.User{Username: "tester"}, nil
}

func (f *fakeForge) CreatePullRequest(_ context.Context, req forge.CreatePRRequest) (*forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	n := len(f.created)
	return &forge.PullRequest{
		Number:     n,
		Title:      req.Title,
		HTMLURL:    fmt.Sprintf("https://example.com/pulls/%d", n),
		State:      "open",
		HeadBranch: req.HeadBranch,
		BaseBranch: req.BaseBranch,
	}, nil
}

func (f *fakeForge) FindPullRequestByBranch(_ context.Context, branch string) (*forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.created) - 1; i >= 0; i-- {
		if f.created[i].HeadBranch == branch {
			return &forge.PullRequest{Number: i + 1, HeadBranch: branch, State: "open"}, nil
		}
	}
	return nil, forge.ErrNoPullRequest
}

func (f *fakeForge) ListComments(context.Context, int) ([]forge.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments, nil
}

func (f *fakeForge) createdPRs() []forge.CreatePRRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]forge.CreatePRRequest, len(f.created))
	copy(out, f.created)
	return out
}

type testEnv struct {
	svc   *Service
	hub   *hub.Hub
	store *task.Store
	trees *worktree.Manager
	stub  *stubBackend
	forge *fakeForge
	cfg   *config.Config
}

// newTestEnv wires a full orchestrator on temp storage with the stub backend
// and fake forge in place of real agents and forges.
func newTestEnv(t *testing.T, runTimeoutSecs int) *testEnv {
	t.Helper()
	log := testLogger(t)

	pool, err := db.Open(config.StorageConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "taskdeck.db"),
	}, config.DatabaseConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := task.NewStore(pool)
	require.NoError(t, err)

	h := hub.New(hub.Options{}, log)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	sup := process.NewSupervisor(log)
	base := t.TempDir()
	trees, err := worktree.NewManager(worktree.Config{
		ReposDir:     filepath.Join(base, "repos"),
		WorktreesDir: filepath.Join(base, "worktrees"),
	}, sup, log)
	require.NoError(t, err)

	cfg := &config.Config{
		Agent: config.AgentConfig{
			RunTimeout:        runTimeoutSecs,
			ExtendBy:          300,
			HeartbeatInterval: 15,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc := New(ctx, cfg, store, trees, h, eventBus, fakeTokens{token: "forge-token"}, prompts.Defaults(), log)

	stub := &stubBackend{}
	r := runner.New(cfg.Agent, fakeCreds{}, runner.NewDetector(log), sup, svc, log)
	r.RegisterBackend(stub)
	svc.AttachRunner(r)

	ff := &fakeForge{}
	svc.SetForgeFactory(func(repoURL, token string) (forge.Client, error) { return ff, nil })

	return &testEnv{svc: svc, hub: h, store: store, trees: trees, stub: stub, forge: ff, cfg: cfg}
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// gitUpstream seeds a repository with one commit on main and returns its
// directory and file:// URL.
func gitUpstream(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello\n"), 0o644))
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial commit")
	return dir, "file://" + dir
}

func (e *testEnv) createTask(t *testing.T, repoURL string) *task.Task {
	t.Helper()
	created, err := e.svc.Create(context.Background(), &CreateTaskRequest{
		Title:        "Add a readme",
		Description:  "Write a README for the project",
		UserInput:    "The project needs a README explaining setup",
		RepoURL:      repoURL,
		TargetBranch: "main",
		AgentBackend: string(task.BackendAnthropic),
	})
	require.NoError(t, err)
	return created
}

// setStatus forces a task into a status directly, bypassing the action
// guards, the way an operator PATCH would.
func (e *testEnv) setStatus(t *testing.T, id string, to task.Status) {
	t.Helper()
	status := string(to)
	_, err := e.svc.Update(context.Background(), id, &UpdateTaskRequest{Status: &status})
	require.NoError(t, err)
}

func (e *testEnv) waitStatus(t *testing.T, id string, want task.Status) *task.Task {
	t.Helper()
	var last *task.Task
	require.Eventually(t, func() bool {
		got, err := e.svc.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = got
		return task.Normalize(got.Status) == want
	}, waitFor, 20*time.Millisecond, "task %s never reached %s (last: %v)", id, want, statusOf(last))
	return last
}

func statusOf(t *task.Task) task.Status {
	if t == nil {
		return ""
	}
	return t.Status
}
