package worktree

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Push pushes the task branch to origin. When a forge token is given, the
// push URL gets the token embedded in-process; nothing is ever written back
// to the repository's remote configuration.
func (m *Manager) Push(ctx context.Context, taskID, token string) error {
	if !isValidTaskID(taskID) {
		return ErrInvalidTaskID
	}
	wt, ok := m.Get(taskID)
	if !ok {
		return ErrWorktreeNotFound
	}

	pushURL := wt.RepoURL
	if token != "" {
		pushURL = authenticatedURL(wt.RepoURL, token)
	}

	refspec := fmt.Sprintf("%s:refs/heads/%s", wt.Branch, wt.Branch)
	out, err := m.git(ctx, wt.BareRepoPath, "push", pushURL, refspec)
	if err != nil {
		m.logger.Error("git push failed",
			zap.String("task_id", taskID),
			zap.String("branch", wt.Branch),
			zap.String("output", redactToken(out, token)))
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, redactToken(out, token))
	}

	m.logger.Info("pushed task branch",
		zap.String("task_id", taskID),
		zap.String("branch", wt.Branch))
	return nil
}

// authenticatedURL embeds a token in an http(s) remote URL. GitLab expects
// the oauth2 pseudo-user; everything else takes the GitHub convention.
// Non-http URLs (ssh, file) are returned unchanged.
func authenticatedURL(repoURL, token string) string {
	u, err := url.Parse(repoURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return repoURL
	}
	username := "x-access-token"
	if strings.Contains(u.Host, "gitlab") {
		username = "oauth2"
	}
	u.User = url.UserPassword(username, token)
	return u.String()
}

func redactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "****")
}
