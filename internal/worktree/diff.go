package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Diff returns the task worktree's change set: every changed file with its
// status, plus one unified diff text. Compared against targetBranch when it
// names a known branch, otherwise against the index. Untracked files are
// reported as added with a synthesized diff.
func (m *Manager) Diff(ctx context.Context, taskID, targetBranch string) (*DiffResult, error) {
	if !isValidTaskID(taskID) {
		return nil, ErrInvalidTaskID
	}
	wtPath := m.config.WorktreePath(taskID)
	if !m.IsValid(wtPath) {
		return nil, ErrWorktreeNotFound
	}

	baseRef := ""
	if targetBranch != "" {
		if _, err := m.git(ctx, wtPath, "rev-parse", "--verify", targetBranch); err == nil {
			baseRef = targetBranch
		}
	}

	result := &DiffResult{Files: []FileDiff{}}
	seen := map[string]bool{}

	nameStatusArgs := []string{"diff", "--name-status"}
	diffArgs := []string{"diff"}
	if baseRef != "" {
		nameStatusArgs = append(nameStatusArgs, baseRef)
		diffArgs = append(diffArgs, baseRef)
	} else if _, err := m.git(ctx, wtPath, "rev-parse", "--verify", "HEAD"); err == nil {
		nameStatusArgs = append(nameStatusArgs, "HEAD")
		diffArgs = append(diffArgs, "HEAD")
	}

	if out, err := m.git(ctx, wtPath, nameStatusArgs...); err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			path := fields[len(fields)-1]
			if seen[path] {
				continue
			}
			seen[path] = true
			result.Files = append(result.Files, FileDiff{
				Path:   path,
				Status: statusFromLetter(fields[0]),
			})
		}
	}

	var diffText strings.Builder
	if out, err := m.git(ctx, wtPath, diffArgs...); err == nil {
		diffText.WriteString(out)
	}

	// Untracked files never appear in git diff; synthesize their entries.
	if out, err := m.git(ctx, wtPath, "ls-files", "--others", "--exclude-standard"); err == nil {
		for _, path := range strings.Split(out, "\n") {
			path = strings.TrimSpace(path)
			if path == "" || seen[path] {
				continue
			}
			seen[path] = true
			result.Files = append(result.Files, FileDiff{Path: path, Status: StatusAdded})
			diffText.WriteString(syntheticAddDiff(wtPath, path))
		}
	}

	result.Diff = diffText.String()
	return result, nil
}

func statusFromLetter(letter string) FileStatus {
	switch {
	case strings.HasPrefix(letter, "A"):
		return StatusAdded
	case strings.HasPrefix(letter, "D"):
		return StatusDeleted
	default:
		return StatusModified
	}
}

// syntheticAddDiff formats an untracked file as a full git diff record with
// every line as an addition.
func syntheticAddDiff(root, path string) string {
	content, err := os.ReadFile(filepath.Join(root, path))
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")

	var sb strings.Builder
	sb.WriteString("diff --git a/" + path + " b/" + path + "\n")
	sb.WriteString("new file mode 100644\n")
	sb.WriteString("index 0000000..0000000\n")
	sb.WriteString("--- /dev/null\n")
	sb.WriteString("+++ b/" + path + "\n")
	sb.WriteString(fmt.Sprintf("@@ -0,0 +1,%d @@\n", len(lines)))
	for _, line := range lines {
		sb.WriteString("+" + line + "\n")
	}
	return sb.String()
}
