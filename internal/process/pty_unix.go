//go:build !windows

package process

import (
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// unixPTY wraps a Unix PTY master file descriptor.
type unixPTY struct {
	f *os.File
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *unixPTY) Close() error                { return p.f.Close() }

// startPTY starts the command attached to a pseudo-terminal. pty.Start puts
// the child in its own session, which doubles as its process group for tree
// kills.
func startPTY(cmd *exec.Cmd) (io.ReadWriteCloser, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 200, Rows: 50})
	if err != nil {
		return nil, err
	}
	return &unixPTY{f: f}, nil
}
