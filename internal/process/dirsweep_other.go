//go:build !windows

package process

import "context"

// killProcessesInDirectory is a no-op off Windows: open file handles do not
// block directory removal on unix filesystems.
func (s *Supervisor) killProcessesInDirectory(ctx context.Context, dir string, selfPID int) error {
	return nil
}
