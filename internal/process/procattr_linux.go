//go:build linux

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group so the whole tree
// can be killed together. Pdeathsig ensures the child dies if this server
// exits without cleaning up.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// killTree kills the process group via the negative pid, falling back to the
// pid itself when the group kill fails.
func killTree(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

func processGoneErrno(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
