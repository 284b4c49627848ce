//go:build windows

package process

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// killProcessesInDirectory enumerates running processes and tree-kills those
// whose executable or working directory is under dir. Open file handles on
// Windows block directory removal; this sweep is the last resort before the
// final cleanup retry.
func (s *Supervisor) killProcessesInDirectory(ctx context.Context, dir string, selfPID int) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return err
	}

	for _, p := range procs {
		if int(p.Pid) == selfPID {
			continue
		}
		if !processUnderDir(ctx, p, absDir) {
			continue
		}
		if err := s.TreeKill(int(p.Pid)); err != nil {
			s.logger.Warn("Failed to kill process holding directory",
				zap.Int32("pid", p.Pid),
				zap.String("dir", absDir),
				zap.Error(err))
		}
	}
	return nil
}

// processUnderDir reports whether the process's executable or working
// directory lives under dir. Access errors mean "no": many system processes
// refuse inspection and none of them hold worktree files.
func processUnderDir(ctx context.Context, p *process.Process, dir string) bool {
	if exe, err := p.ExeWithContext(ctx); err == nil && pathUnder(exe, dir) {
		return true
	}
	if cwd, err := p.CwdWithContext(ctx); err == nil && pathUnder(cwd, dir) {
		return true
	}
	return false
}

func pathUnder(path, dir string) bool {
	if path == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
