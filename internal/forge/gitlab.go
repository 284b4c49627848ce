package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// GitLabClient talks to the GitLab v4 REST API with a personal access token.
// The project is addressed by its URL-encoded full path, so nested group
// layouts work without a project-ID lookup.
type GitLabClient struct {
	token      string
	repo       RepoRef
	apiBase    string
	httpClient *http.Client
}

// NewGitLabClient creates a token-authenticated GitLab client bound to one
// project.
func NewGitLabClient(token string, repo RepoRef) *GitLabClient {
	return &GitLabClient{
		token:   token,
		repo:    repo,
		apiBase: "https://" + repo.Host + "/api/v4",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *GitLabClient) projectPath() string {
	return url.PathEscape(c.repo.Path())
}

func (c *GitLabClient) WhoAmI(ctx context.Context) (*User, error) {
	var user struct {
		Username  string `json:"username"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := c.do(ctx, http.MethodGet, "/user", nil, &user); err != nil {
		return nil, err
	}
	return &User{Username: user.Username, AvatarURL: user.AvatarURL}, nil
}

func (c *GitLabClient) CreatePullRequest(ctx context.Context, req CreatePRRequest) (*PullRequest, error) {
	body := map[string]any{
		"title":         req.Title,
		"description":   req.Body,
		"source_branch": req.HeadBranch,
		"target_branch": req.BaseBranch,
	}
	var raw glMR
	endpoint := fmt.Sprintf("/projects/%s/merge_requests", c.projectPath())
	if err := c.do(ctx, http.MethodPost, endpoint, body, &raw); err != nil {
		return nil, fmt.Errorf("create MR: %w", err)
	}
	return raw.toPullRequest(), nil
}

func (c *GitLabClient) FindPullRequestByBranch(ctx context.Context, branch string) (*PullRequest, error) {
	var raw []glMR
	endpoint := fmt.Sprintf("/projects/%s/merge_requests?source_branch=%s&state=opened&per_page=1",
		c.projectPath(), url.QueryEscape(branch))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, fmt.Errorf("find MR by branch: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNoPullRequest
	}
	return raw[0].toPullRequest(), nil
}

func (c *GitLabClient) ListComments(ctx context.Context, number int) ([]Comment, error) {
	var raw []struct {
		ID     int64  `json:"id"`
		Body   string `json:"body"`
		System bool   `json:"system"`
		Author struct {
			Username string `json:"username"`
		} `json:"author"`
		CreatedAt time.Time `json:"created_at"`
	}
	endpoint := fmt.Sprintf("/projects/%s/merge_requests/%d/notes?per_page=100", c.projectPath(), number)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, err
	}
	comments := make([]Comment, 0, len(raw))
	for _, r := range raw {
		// System notes are state-change noise, not reviewer feedback.
		if r.System {
			continue
		}
		comments = append(comments, Comment{
			ID:        r.ID,
			Author:    r.Author.Username,
			Body:      r.Body,
			CreatedAt: r.CreatedAt,
		})
	}
	return comments, nil
}

func (c *GitLabClient) do(ctx context.Context, method, endpoint string, body, result any) error {
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
	req.Header.Set("PRIVATE-TOKEN", c.token)
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
		return fmt.Errorf("GitLab API %s returned %d: %s", endpoint, resp.StatusCode, string(data))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// glMR is the JSON shape from the GitLab v4 API for merge requests.
type glMR struct {
	IID          int       `json:"iid"`
	Title        string    `json:"title"`
	WebURL       string    `json:"web_url"`
	State        string    `json:"state"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch"`
	CreatedAt    time.Time `json:"created_at"`
}

func (raw *glMR) toPullRequest() *PullRequest {
	state := raw.State
	if state == "opened" {
		state = "open"
	}
	return &PullRequest{
		Number:     raw.IID,
		Title:      raw.Title,
		HTMLURL:    raw.WebURL,
		State:      state,
		HeadBranch: raw.SourceBranch,
		BaseBranch: raw.TargetBranch,
		CreatedAt:  raw.CreatedAt,
	}
}
