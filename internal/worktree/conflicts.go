package worktree

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ConflictFiles returns the worktree files that still contain merge conflict
// markers, sorted. Candidates are the files git reports as changed, staged,
// unmerged, or untracked; missing files are silently skipped.
func (m *Manager) ConflictFiles(ctx context.Context, taskID string) ([]string, error) {
	if !isValidTaskID(taskID) {
		return nil, ErrInvalidTaskID
	}
	wtPath := m.config.WorktreePath(taskID)
	if !m.IsValid(wtPath) {
		return nil, ErrWorktreeNotFound
	}

	candidates := map[string]bool{}
	listings := [][]string{
		{"diff", "--name-only"},
		{"diff", "--name-only", "--cached"},
		{"diff", "--name-only", "--diff-filter=U"},
		{"ls-files", "--others", "--exclude-standard"},
	}
	for _, args := range listings {
		out, err := m.git(ctx, wtPath, args...)
		if err != nil {
			continue
		}
		for _, path := range strings.Split(out, "\n") {
			path = strings.TrimSpace(path)
			if path != "" {
				candidates[path] = true
			}
		}
	}

	return ScanForMarkers(wtPath, sortedKeys(candidates)), nil
}

// ScanForMarkers returns the subset of paths (relative to root) whose
// content carries active conflict markers. Files that cannot be read are
// skipped.
func ScanForMarkers(root string, paths []string) []string {
	var conflicted []string
	for _, path := range paths {
		ok, err := hasConflictMarkers(filepath.Join(root, path))
		if err != nil {
			continue
		}
		if ok {
			conflicted = append(conflicted, path)
		}
	}
	return conflicted
}

// hasConflictMarkers scans for the standard marker sequences on line starts.
// A bare ======= line is not enough on its own: it is legitimate content in
// plenty of files (setext headings, ascii tables).
func hasConflictMarkers(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "<<<<<<<") || strings.HasPrefix(line, ">>>>>>>") {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
