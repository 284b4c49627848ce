// Package process supervises the external child processes the agent runner
// spawns: a pid registry with task associations, cross-platform process-tree
// termination, and a best-effort sweep of processes holding files in a
// directory.
package process

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// Child is one supervised process.
type Child struct {
	PID    int
	TaskID string

	cmd        *exec.Cmd
	supervisor *Supervisor
	waitOnce   sync.Once
	waitErr    error
}

// Supervisor tracks spawned children and terminates their process trees.
type Supervisor struct {
	registry sync.Map // pid (int) -> *Child
	logger   *logger.Logger
}

// NewSupervisor creates a process supervisor.
func NewSupervisor(log *logger.Logger) *Supervisor {
	return &Supervisor{logger: log}
}

// Start launches cmd in its own process group, registers the child under the
// given task id, and returns it. The caller must call Wait exactly once.
func (s *Supervisor) Start(cmd *exec.Cmd, taskID string) (*Child, error) {
	setProcGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	child := &Child{
		PID:        cmd.Process.Pid,
		TaskID:     taskID,
		cmd:        cmd,
		supervisor: s,
	}
	s.registry.Store(child.PID, child)
	s.logger.Debug("Process started",
		zap.Int("pid", child.PID),
		zap.String("task_id", taskID),
		zap.String("path", cmd.Path))
	return child, nil
}

// Wait blocks until the process exits and unregisters it. Safe to call from
// multiple goroutines; all callers observe the same result.
func (c *Child) Wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
		c.supervisor.registry.Delete(c.PID)
	})
	return c.waitErr
}

// Kill tree-kills the child's process group.
func (c *Child) Kill() error {
	return c.supervisor.TreeKill(c.PID)
}

// PTYChild is a supervised process attached to a pseudo-terminal. TTY is
// both the child's output stream and its input.
type PTYChild struct {
	*Child
	TTY io.ReadWriteCloser
}

// StartPTY launches cmd under a pseudo-terminal for backends that buffer
// their output unless they see a TTY. The PTY layer places the child in its
// own session/process group, so tree-kill semantics match Start.
func (s *Supervisor) StartPTY(cmd *exec.Cmd, taskID string) (*PTYChild, error) {
	tty, err := startPTY(cmd)
	if err != nil {
		return nil, err
	}

	child := &Child{
		PID:        cmd.Process.Pid,
		TaskID:     taskID,
		cmd:        cmd,
		supervisor: s,
	}
	s.registry.Store(child.PID, child)
	s.logger.Debug("Process started under PTY",
		zap.Int("pid", child.PID),
		zap.String("task_id", taskID),
		zap.String("path", cmd.Path))
	return &PTYChild{Child: child, TTY: tty}, nil
}

// TreeKill terminates the whole process tree rooted at pid. A process that
// is already gone counts as success.
func (s *Supervisor) TreeKill(pid int) error {
	err := killTree(pid)
	if err != nil && !isProcessGone(err) {
		s.logger.Warn("Tree kill failed", zap.Int("pid", pid), zap.Error(err))
		return err
	}
	s.logger.Debug("Process tree killed", zap.Int("pid", pid))
	return nil
}

// KillProcessesForTask tree-kills every registered child associated with the
// task and returns how many were signaled.
func (s *Supervisor) KillProcessesForTask(taskID string) int {
	killed := 0
	s.registry.Range(func(key, value any) bool {
		child, ok := value.(*Child)
		if !ok || child.TaskID != taskID {
			return true
		}
		if err := s.TreeKill(child.PID); err == nil {
			killed++
		}
		return true
	})
	if killed > 0 {
		s.logger.Info("Killed task processes",
			zap.String("task_id", taskID),
			zap.Int("count", killed))
	}
	return killed
}

// KillProcessesInDirectory tree-kills processes whose executable or working
// directory lives under dir, excluding this server. Best effort: only does
// work on Windows, where open file handles block directory removal; on other
// platforms it is a no-op.
func (s *Supervisor) KillProcessesInDirectory(ctx context.Context, dir string) error {
	return s.killProcessesInDirectory(ctx, dir, os.Getpid())
}

// isProcessGone reports whether the kill error means the target had already
// exited.
func isProcessGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrProcessDone) {
		return true
	}
	return processGoneErrno(err)
}
