// Package forge talks to the code-hosting service that receives pushes and
// pull/merge requests: GitHub or GitLab, selected by the repository URL.
package forge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Provider identifies a forge implementation.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// ErrUnsupportedRepoURL is returned when no forge client can serve the URL.
var ErrUnsupportedRepoURL = errors.New("unsupported repository URL")

// ErrNoPullRequest is returned when no open PR exists for a branch.
var ErrNoPullRequest = errors.New("no pull request for branch")

// User is the authenticated identity behind a token.
type User struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

// PullRequest is a created or looked-up pull/merge request.
type PullRequest struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	HTMLURL    string    `json:"html_url"`
	State      string    `json:"state"`
	HeadBranch string    `json:"head_branch"`
	BaseBranch string    `json:"base_branch"`
	CreatedAt  time.Time `json:"created_at"`
}

// Comment is one review comment on a pull request.
type Comment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Path      string    `json:"path,omitempty"`
	Line      int       `json:"line,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreatePRRequest describes the pull request to open.
type CreatePRRequest struct {
	Title      string
	Body       string
	HeadBranch string
	BaseBranch string
}

// Client is the capability the orchestrator consumes. Implementations are
// bound to one repository.
type Client interface {
	// WhoAmI returns the identity behind the configured token. Doubles as
	// the token validation probe.
	WhoAmI(ctx context.Context) (*User, error)

	// CreatePullRequest opens a PR/MR from the head branch onto the base.
	CreatePullRequest(ctx context.Context, req CreatePRRequest) (*PullRequest, error)

	// FindPullRequestByBranch returns the open PR for the head branch, or
	// ErrNoPullRequest.
	FindPullRequestByBranch(ctx context.Context, branch string) (*PullRequest, error)

	// ListComments returns review comments on the PR.
	ListComments(ctx context.Context, number int) ([]Comment, error)
}

// RepoRef is the owner/name pair (or GitLab project path) parsed from a
// repository URL.
type RepoRef struct {
	Provider Provider
	Host     string
	Owner    string
	Name     string
}

// Path returns the owner/name path segment.
func (r RepoRef) Path() string {
	return r.Owner + "/" + r.Name
}

// ParseRepoURL extracts the forge provider and repository path from an
// https or ssh remote URL.
func ParseRepoURL(repoURL string) (RepoRef, error) {
	var host, path string

	switch {
	case strings.HasPrefix(repoURL, "git@"):
		// git@host:owner/repo.git
		rest := strings.TrimPrefix(repoURL, "git@")
		idx := strings.Index(rest, ":")
		if idx < 0 {
			return RepoRef{}, fmt.Errorf("%w: %s", ErrUnsupportedRepoURL, repoURL)
		}
		host = rest[:idx]
		path = rest[idx+1:]
	default:
		u, err := url.Parse(repoURL)
		if err != nil || u.Host == "" {
			return RepoRef{}, fmt.Errorf("%w: %s", ErrUnsupportedRepoURL, repoURL)
		}
		host = u.Host
		path = strings.TrimPrefix(u.Path, "/")
	}

	path = strings.TrimSuffix(path, ".git")
	segments := strings.Split(path, "/")
	if len(segments) < 2 || segments[0] == "" || segments[len(segments)-1] == "" {
		return RepoRef{}, fmt.Errorf("%w: %s", ErrUnsupportedRepoURL, repoURL)
	}

	provider := ProviderGitHub
	if strings.Contains(host, "gitlab") {
		provider = ProviderGitLab
	}

	// GitLab projects may nest under groups; everything before the last
	// segment is the owner path.
	return RepoRef{
		Provider: provider,
		Host:     host,
		Owner:    strings.Join(segments[:len(segments)-1], "/"),
		Name:     segments[len(segments)-1],
	}, nil
}

// NewClient builds the forge client for a repository URL and token.
func NewClient(repoURL, token string) (Client, error) {
	ref, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	switch ref.Provider {
	case ProviderGitLab:
		return NewGitLabClient(token, ref), nil
	default:
		return NewGitHubClient(token, ref), nil
	}
}
