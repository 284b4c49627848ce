package worktree

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// BranchPrefix is the prefix of every task branch.
const BranchPrefix = "feature/"

// Config holds the on-disk layout for the worktree manager.
type Config struct {
	// ReposDir holds one bare clone per repository URL.
	ReposDir string `mapstructure:"reposDir"`

	// WorktreesDir holds one worktree per task.
	WorktreesDir string `mapstructure:"worktreesDir"`
}

// Validate checks that both directories are configured.
func (c *Config) Validate() error {
	if c.ReposDir == "" {
		return fmt.Errorf("reposDir is required")
	}
	if c.WorktreesDir == "" {
		return fmt.Errorf("worktreesDir is required")
	}
	return nil
}

// BareRepoPath returns the bare clone directory for a repository URL:
// <reposDir>/local-<slug>.git.
func (c *Config) BareRepoPath(repoURL string) string {
	return filepath.Join(c.ReposDir, "local-"+RepoSlug(repoURL)+".git")
}

// WorktreePath returns the worktree directory for a task:
// <worktreesDir>/task-<task-id>.
func (c *Config) WorktreePath(taskID string) string {
	return filepath.Join(c.WorktreesDir, "task-"+taskID)
}

// BranchName builds the task branch name:
// feature/<slug-of-title>-<first-8-chars-of-task-id>.
func BranchName(taskTitle, taskID string) string {
	slug := SanitizeForBranch(taskTitle, 30)
	if slug == "" {
		slug = "task"
	}
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return BranchPrefix + slug + "-" + short
}

// RepoSlug derives a filesystem-safe, collision-resistant name for a
// repository URL. Distinct URLs must map to distinct bare clones, so a short
// hash is appended to the readable part.
func RepoSlug(repoURL string) string {
	base := strings.TrimSuffix(repoURL, ".git")
	if idx := strings.LastIndexAny(base, "/:"); idx >= 0 && idx < len(base)-1 {
		base = base[idx+1:]
	}
	slug := SanitizeForBranch(base, 40)
	if slug == "" {
		slug = "repo"
	}
	sum := sha1.Sum([]byte(repoURL))
	return slug + "-" + hex.EncodeToString(sum[:4])
}

var consecutiveHyphens = regexp.MustCompile(`-+`)

// SanitizeForBranch converts free text into a valid git branch component:
// lowercase, alphanumerics kept, everything else collapsed to single
// hyphens, truncated to maxLen.
func SanitizeForBranch(text string, maxLen int) string {
	if text == "" {
		return ""
	}

	var sb strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result := consecutiveHyphens.ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")

	if len(result) > maxLen {
		result = result[:maxLen]
		result = strings.TrimRight(result, "-")
	}
	return result
}
