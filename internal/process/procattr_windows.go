//go:build windows

package process

import (
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// setProcGroup puts the command in a new process group so console signals do
// not propagate back to the server.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killTree terminates the process tree with taskkill: /F force, /T recurse
// into children.
func killTree(pid int) error {
	kill := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid))
	out, err := kill.CombinedOutput()
	if err != nil && strings.Contains(string(out), "not found") {
		return nil
	}
	return err
}

func processGoneErrno(err error) bool {
	// taskkill "not found" is already mapped to nil in killTree.
	return false
}
