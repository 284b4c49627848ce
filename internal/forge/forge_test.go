package forge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		provider Provider
		owner    string
		repoName string
		wantErr  bool
	}{
		{
			name:     "github https",
			url:      "https://github.com/acme/widget.git",
			provider: ProviderGitHub,
			owner:    "acme",
			repoName: "widget",
		},
		{
			name:     "github https without suffix",
			url:      "https://github.com/acme/widget",
			provider: ProviderGitHub,
			owner:    "acme",
			repoName: "widget",
		},
		{
			name:     "github ssh",
			url:      "git@github.com:acme/widget.git",
			provider: ProviderGitHub,
			owner:    "acme",
			repoName: "widget",
		},
		{
			name:     "gitlab https",
			url:      "https://gitlab.com/acme/widget.git",
			provider: ProviderGitLab,
			owner:    "acme",
			repoName: "widget",
		},
		{
			name:     "gitlab nested groups",
			url:      "https://gitlab.example.com/group/subgroup/widget.git",
			provider: ProviderGitLab,
			owner:    "group/subgroup",
			repoName: "widget",
		},
		{
			name:     "self-hosted gitlab ssh",
			url:      "git@gitlab.internal:team/widget.git",
			provider: ProviderGitLab,
			owner:    "team",
			repoName: "widget",
		},
		{
			name:    "no path",
			url:     "https://github.com/",
			wantErr: true,
		},
		{
			name:    "single segment",
			url:     "https://github.com/acme",
			wantErr: true,
		},
		{
			name:    "garbage",
			url:     "not a url at all",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseRepoURL(tt.url)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedRepoURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.provider, ref.Provider)
			assert.Equal(t, tt.owner, ref.Owner)
			assert.Equal(t, tt.repoName, ref.Name)
		})
	}
}

func TestGitHubClient_WhoAmI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user", r.URL.Path)
		assert.Equal(t, "token tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"login":      "octocat",
			"avatar_url": "https://avatars.example/octocat",
		})
	}))
	defer srv.Close()

	c := NewGitHubClient("tok", RepoRef{Provider: ProviderGitHub, Owner: "acme", Name: "widget"})
	c.apiBase = srv.URL

	user, err := c.WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "octocat", user.Username)
	assert.Equal(t, "https://avatars.example/octocat", user.AvatarURL)
}

func TestGitHubClient_CreatePullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/widget/pulls", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "feature/x-12345678", body["head"])
		assert.Equal(t, "main", body["base"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{
			"number": 42,
			"title": "Add X",
			"html_url": "https://github.com/acme/widget/pull/42",
			"state": "open",
			"head": {"ref": "feature/x-12345678"},
			"base": {"ref": "main"}
		}`))
	}))
	defer srv.Close()

	c := NewGitHubClient("tok", RepoRef{Provider: ProviderGitHub, Owner: "acme", Name: "widget"})
	c.apiBase = srv.URL

	pr, err := c.CreatePullRequest(context.Background(), CreatePRRequest{
		Title:      "Add X",
		Body:       "does X",
		HeadBranch: "feature/x-12345678",
		BaseBranch: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, "https://github.com/acme/widget/pull/42", pr.HTMLURL)
	assert.Equal(t, "feature/x-12345678", pr.HeadBranch)
}

func TestGitHubClient_FindPullRequestByBranch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widget/pulls", r.URL.Path)
		assert.Equal(t, "acme:feature/x", r.URL.Query().Get("head"))
		if r.URL.Query().Get("state") != "open" {
			t.Errorf("expected state=open, got %q", r.URL.Query().Get("state"))
		}
		_, _ = w.Write([]byte(`[{"number": 7, "state": "open", "head": {"ref": "feature/x"}, "base": {"ref": "main"}}]`))
	}))
	defer srv.Close()

	c := NewGitHubClient("tok", RepoRef{Provider: ProviderGitHub, Owner: "acme", Name: "widget"})
	c.apiBase = srv.URL

	pr, err := c.FindPullRequestByBranch(context.Background(), "feature/x")
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
}

func TestGitHubClient_FindPullRequestByBranch_NoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewGitHubClient("tok", RepoRef{Provider: ProviderGitHub, Owner: "acme", Name: "widget"})
	c.apiBase = srv.URL

	_, err := c.FindPullRequestByBranch(context.Background(), "feature/x")
	assert.ErrorIs(t, err, ErrNoPullRequest)
}

func TestGitHubClient_ErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "Validation Failed"}`))
	}))
	defer srv.Close()

	c := NewGitHubClient("tok", RepoRef{Provider: ProviderGitHub, Owner: "acme", Name: "widget"})
	c.apiBase = srv.URL

	_, err := c.CreatePullRequest(context.Background(), CreatePRRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "Validation Failed")
}

func TestGitLabClient_WhoAmI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("PRIVATE-TOKEN"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"username":   "tanuki",
			"avatar_url": "https://avatars.example/tanuki",
		})
	}))
	defer srv.Close()

	c := NewGitLabClient("tok", RepoRef{Provider: ProviderGitLab, Owner: "group/sub", Name: "widget"})
	c.apiBase = srv.URL

	user, err := c.WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tanuki", user.Username)
}

func TestGitLabClient_CreateMergeRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The project path arrives URL-encoded.
		assert.Equal(t, "/projects/group%2Fsub%2Fwidget/merge_requests", r.URL.EscapedPath())

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "feature/x", body["source_branch"])
		assert.Equal(t, "main", body["target_branch"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{
			"iid": 3,
			"title": "Add X",
			"web_url": "https://gitlab.com/group/sub/widget/-/merge_requests/3",
			"state": "opened",
			"source_branch": "feature/x",
			"target_branch": "main"
		}`))
	}))
	defer srv.Close()

	c := NewGitLabClient("tok", RepoRef{Provider: ProviderGitLab, Owner: "group/sub", Name: "widget"})
	c.apiBase = srv.URL

	pr, err := c.CreatePullRequest(context.Background(), CreatePRRequest{
		Title:      "Add X",
		HeadBranch: "feature/x",
		BaseBranch: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pr.Number)
	assert.Equal(t, "open", pr.State)
}

func TestGitLabClient_ListComments_FiltersSystemNotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/group%2Fwidget/merge_requests/3/notes", r.URL.EscapedPath())
		_, _ = w.Write([]byte(`[
			{"id": 1, "body": "changed the description", "system": true, "author": {"username": "tanuki"}},
			{"id": 2, "body": "please rename this", "system": false, "author": {"username": "reviewer"}}
		]`))
	}))
	defer srv.Close()

	c := NewGitLabClient("tok", RepoRef{Provider: ProviderGitLab, Owner: "group", Name: "widget"})
	c.apiBase = srv.URL

	comments, err := c.ListComments(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "reviewer", comments[0].Author)
	assert.Equal(t, "please rename this", comments[0].Body)
}

func TestNewClient_SelectsProvider(t *testing.T) {
	gh, err := NewClient("https://github.com/acme/widget.git", "tok")
	require.NoError(t, err)
	assert.IsType(t, &GitHubClient{}, gh)

	gl, err := NewClient("https://gitlab.com/acme/widget.git", "tok")
	require.NoError(t, err)
	assert.IsType(t, &GitLabClient{}, gl)

	_, err = NewClient("nonsense", "tok")
	assert.Error(t, err)
}
