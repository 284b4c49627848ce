package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/process"
)

// Manager owns the bare-clone cache and the per-task worktrees.
type Manager struct {
	config     Config
	logger     *logger.Logger
	supervisor *process.Supervisor

	mu        sync.RWMutex
	worktrees map[string]*Worktree // taskID -> worktree

	cloneGroup singleflight.Group
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a worktree manager and ensures the base directories
// exist.
func NewManager(cfg Config, sup *process.Supervisor, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	for _, dir := range []string{cfg.ReposDir, cfg.WorktreesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &Manager{
		config:     cfg,
		logger:     log.WithFields(zap.String("component", "worktree-manager")),
		supervisor: sup,
		worktrees:  make(map[string]*Worktree),
		repoLocks:  make(map[string]*sync.Mutex),
	}, nil
}

// getRepoLock returns the mutex serializing worktree mutations on one bare
// repository. Worktrees on different repositories proceed concurrently.
func (m *Manager) getRepoLock(barePath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if lock, ok := m.repoLocks[barePath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[barePath] = lock
	return lock
}

// Setup returns the task's worktree, creating it if needed. An existing
// valid directory for the task id is reused (Reused=true); otherwise the
// bare clone is ensured and a fresh worktree is created on the task branch.
// Empty upstream repositories get an orphan branch with no commits.
func (m *Manager) Setup(ctx context.Context, req SetupRequest) (*Worktree, error) {
	if !isValidTaskID(req.TaskID) {
		return nil, ErrInvalidTaskID
	}

	barePath := m.config.BareRepoPath(req.RepoURL)
	wtPath := m.config.WorktreePath(req.TaskID)

	// Reuse path: the directory survives restarts; the in-memory index does
	// not.
	if m.IsValid(wtPath) {
		branch := req.BranchName
		if branch == "" {
			branch = m.currentBranch(ctx, wtPath)
		}
		wt := &Worktree{
			TaskID:       req.TaskID,
			Path:         wtPath,
			BareRepoPath: barePath,
			RepoURL:      req.RepoURL,
			Branch:       branch,
			TargetBranch: req.TargetBranch,
			Reused:       true,
			CreatedAt:    time.Now().UTC(),
		}
		m.mu.Lock()
		m.worktrees[req.TaskID] = wt
		m.mu.Unlock()
		m.logger.Info("reusing existing worktree",
			zap.String("task_id", req.TaskID),
			zap.String("path", wtPath),
			zap.String("branch", branch))
		return wt, nil
	}

	if err := m.ensureBareRepo(ctx, req.RepoURL, barePath); err != nil {
		return nil, err
	}

	repoLock := m.getRepoLock(barePath)
	repoLock.Lock()
	defer repoLock.Unlock()

	branch := req.BranchName
	if branch == "" {
		branch = BranchName(req.TaskTitle, req.TaskID)
	}

	empty := m.isEmptyRepo(ctx, barePath)
	wt := &Worktree{
		TaskID:        req.TaskID,
		Path:          wtPath,
		BareRepoPath:  barePath,
		RepoURL:       req.RepoURL,
		Branch:        branch,
		TargetBranch:  req.TargetBranch,
		FromEmptyRepo: empty,
		CreatedAt:     time.Now().UTC(),
	}

	// A stale half-removed directory blocks git worktree add.
	_ = os.RemoveAll(wtPath)
	m.pruneWorktrees(ctx, barePath)

	var out string
	var err error
	switch {
	case empty:
		out, err = m.git(ctx, barePath, "worktree", "add", "--orphan", "-b", branch, wtPath)
	case m.branchExists(ctx, barePath, branch):
		out, err = m.git(ctx, barePath, "worktree", "add", wtPath, branch)
	default:
		base := req.TargetBranch
		if base == "" || !m.branchExists(ctx, barePath, base) {
			base = "HEAD"
		}
		out, err = m.git(ctx, barePath, "worktree", "add", "-b", branch, wtPath, base)
	}
	if err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("task_id", req.TaskID),
			zap.String("output", out),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, out)
	}

	m.mu.Lock()
	m.worktrees[req.TaskID] = wt
	m.mu.Unlock()

	m.logger.Info("created worktree",
		zap.String("task_id", req.TaskID),
		zap.String("path", wtPath),
		zap.String("branch", branch),
		zap.Bool("from_empty_repo", empty))
	return wt, nil
}

// Get returns the tracked worktree for a task, if any.
func (m *Manager) Get(taskID string) (*Worktree, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wt, ok := m.worktrees[taskID]
	return wt, ok
}

// WorktreePath returns the task's worktree directory when it exists on disk.
func (m *Manager) WorktreePath(taskID string) (string, bool) {
	if !isValidTaskID(taskID) {
		return "", false
	}
	path := m.config.WorktreePath(taskID)
	if !m.IsValid(path) {
		return "", false
	}
	return path, true
}

// IsValid checks that the path is a usable worktree: a directory whose .git
// marker file carries the gitdir pointer.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// ensureBareRepo clones the repository bare if its cache directory is
// missing, and refreshes its refs otherwise. Concurrent tasks on the same
// URL share one clone via singleflight.
func (m *Manager) ensureBareRepo(ctx context.Context, repoURL, barePath string) error {
	_, err, _ := m.cloneGroup.Do(barePath, func() (any, error) {
		if _, statErr := os.Stat(barePath); statErr == nil {
			// Refresh refs so worktrees start from the current target
			// branch tip. Failure is tolerated for offline use.
			if out, fetchErr := m.git(ctx, barePath, "fetch", "origin",
				"+refs/heads/*:refs/heads/*", "--prune"); fetchErr != nil {
				m.logger.Warn("bare repo fetch failed",
					zap.String("repo", repoURL),
					zap.String("output", out))
			}
			return nil, nil
		}

		m.logger.Info("cloning bare repository",
			zap.String("repo", repoURL),
			zap.String("path", barePath))
		cmd := exec.CommandContext(ctx, "git", "clone", "--bare", repoURL, barePath)
		if out, cloneErr := cmd.CombinedOutput(); cloneErr != nil {
			return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, string(out))
		}
		return nil, nil
	})
	return err
}

// isEmptyRepo reports whether the bare repository has no commits.
func (m *Manager) isEmptyRepo(ctx context.Context, barePath string) bool {
	_, err := m.git(ctx, barePath, "rev-parse", "--verify", "HEAD")
	return err != nil
}

func (m *Manager) branchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := m.git(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) currentBranch(ctx context.Context, wtPath string) string {
	out, err := m.git(ctx, wtPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func (m *Manager) pruneWorktrees(ctx context.Context, barePath string) {
	if _, err := m.git(ctx, barePath, "worktree", "prune"); err != nil {
		m.logger.Debug("git worktree prune failed", zap.Error(err))
	}
}

// git runs one git command in dir and returns its combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
