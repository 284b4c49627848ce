//go:build !windows

package process

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewSupervisor(log)
}

func processAlive(pid int) bool {
	// Signal 0 probes existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}

func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pid %d still alive after 2s", pid)
}

func TestSupervisor_StartAndWait(t *testing.T) {
	s := newTestSupervisor(t)

	child, err := s.Start(exec.Command("true"), "task-1")
	require.NoError(t, err)
	require.NoError(t, child.Wait())

	// Auto-unregistered on exit.
	assert.Equal(t, 0, s.KillProcessesForTask("task-1"))
}

func TestSupervisor_TreeKill(t *testing.T) {
	s := newTestSupervisor(t)

	// The shell spawns a grandchild; the group kill must take both.
	child, err := s.Start(exec.Command("sh", "-c", "sleep 30 & wait"), "task-2")
	require.NoError(t, err)

	require.NoError(t, s.TreeKill(child.PID))
	_ = child.Wait()
	waitGone(t, child.PID)
}

func TestSupervisor_TreeKillAlreadyGone(t *testing.T) {
	s := newTestSupervisor(t)

	child, err := s.Start(exec.Command("true"), "task-3")
	require.NoError(t, err)
	require.NoError(t, child.Wait())

	assert.NoError(t, s.TreeKill(child.PID))
}

func TestSupervisor_KillProcessesForTask(t *testing.T) {
	s := newTestSupervisor(t)

	a, err := s.Start(exec.Command("sleep", "30"), "task-4")
	require.NoError(t, err)
	b, err := s.Start(exec.Command("sleep", "30"), "task-4")
	require.NoError(t, err)
	other, err := s.Start(exec.Command("sleep", "30"), "task-5")
	require.NoError(t, err)
	defer func() {
		_ = s.TreeKill(other.PID)
		_ = other.Wait()
	}()

	killed := s.KillProcessesForTask("task-4")
	assert.Equal(t, 2, killed)

	_ = a.Wait()
	_ = b.Wait()
	waitGone(t, a.PID)
	waitGone(t, b.PID)
	assert.True(t, processAlive(other.PID))
}

func TestSupervisor_KillProcessesInDirectoryNoop(t *testing.T) {
	s := newTestSupervisor(t)
	assert.NoError(t, s.KillProcessesInDirectory(context.Background(), t.TempDir()))
}
