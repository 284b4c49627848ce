//go:build windows

package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/UserExistsError/conpty"
)

// windowsPTY wraps a Windows ConPTY pseudo-console.
type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

// startPTY starts the command under a ConPTY pseudo-console. ConPTY creates
// the process itself, so the exec.Cmd is translated to a command line and
// cmd.Process is backfilled for the supervisor's lifecycle management.
func startPTY(cmd *exec.Cmd) (io.ReadWriteCloser, error) {
	cmdLine := buildCmdLine(cmd)

	opts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(200, 50),
	}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	pid := cpty.Pid()
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("failed to find ConPTY process %d: %w", pid, err)
	}
	cmd.Process = proc

	return &windowsPTY{cpty: cpty}, nil
}

func buildCmdLine(cmd *exec.Cmd) string {
	if len(cmd.Args) == 0 {
		return escapeArg(cmd.Path)
	}
	parts := make([]string, len(cmd.Args))
	for i, arg := range cmd.Args {
		parts[i] = escapeArg(arg)
	}
	return strings.Join(parts, " ")
}

func escapeArg(arg string) string {
	if arg == "" || strings.ContainsAny(arg, " \t\"") {
		return `"` + strings.ReplaceAll(arg, `"`, `\"`) + `"`
	}
	return arg
}
