package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const githubAPIBase = "https://api.github.com"

// GitHubClient talks to the GitHub REST API with a personal access token.
type GitHubClient struct {
	token      string
	repo       RepoRef
	apiBase    string
	httpClient *http.Client
}

// NewGitHubClient creates a token-authenticated GitHub client bound to one
// repository.
func NewGitHubClient(token string, repo RepoRef) *GitHubClient {
	return &GitHubClient{
		token:   token,
		repo:    repo,
		apiBase: githubAPIBase,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *GitHubClient) WhoAmI(ctx context.Context) (*User, error) {
	var user struct {
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := c.do(ctx, http.MethodGet, "/user", nil, &user); err != nil {
		return nil, err
	}
	return &User{Username: user.Login, AvatarURL: user.AvatarURL}, nil
}

func (c *GitHubClient) CreatePullRequest(ctx context.Context, req CreatePRRequest) (*PullRequest, error) {
	body := map[string]any{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.HeadBranch,
		"base":  req.BaseBranch,
	}
	var raw ghPR
	endpoint := fmt.Sprintf("/repos/%s/pulls", c.repo.Path())
	if err := c.do(ctx, http.MethodPost, endpoint, body, &raw); err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return raw.toPullRequest(), nil
}

func (c *GitHubClient) FindPullRequestByBranch(ctx context.Context, branch string) (*PullRequest, error) {
	var raw []ghPR
	endpoint := fmt.Sprintf("/repos/%s/pulls?head=%s:%s&state=open&per_page=1",
		c.repo.Path(), c.repo.Owner, branch)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNoPullRequest
	}
	return raw[0].toPullRequest(), nil
}

func (c *GitHubClient) ListComments(ctx context.Context, number int) ([]Comment, error) {
	var raw []struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		Path string `json:"path"`
		Line int    `json:"line"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		CreatedAt time.Time `json:"created_at"`
	}
	endpoint := fmt.Sprintf("/repos/%s/pulls/%d/comments?per_page=100", c.repo.Path(), number)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, err
	}
	comments := make([]Comment, len(raw))
	for i, r := range raw {
		comments[i] = Comment{
			ID:        r.ID,
			Author:    r.User.Login,
			Body:      r.Body,
			Path:      r.Path,
			Line:      r.Line,
			CreatedAt: r.CreatedAt,
		}
	}
	return comments, nil
}

func (c *GitHubClient) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GitHub API %s returned %d: %s", endpoint, resp.StatusCode, string(data))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// ghPR is the JSON shape from the GitHub REST API for pull requests.
type ghPR struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	HTMLURL   string    `json:"html_url"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Head      struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (raw *ghPR) toPullRequest() *PullRequest {
	return &PullRequest{
		Number:     raw.Number,
		Title:      raw.Title,
		HTMLURL:    raw.HTMLURL,
		State:      raw.State,
		HeadBranch: raw.Head.Ref,
		BaseBranch: raw.Base.Ref,
		CreatedAt:  raw.CreatedAt,
	}
}
