package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	api := &apiClient{base: strings.TrimRight(cfg.APIURL, "/"), token: cfg.AuthToken, log: log}

	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List all tasks with their status, branch, and PR URL."),
			mcp.WithString("repository_id",
				mcp.Description("Filter by repository grouping key (optional)"),
			),
		),
		listTasksHandler(api),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get one task: spec, status, branch, diff snapshot, error message."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID"),
			),
		),
		getTaskHandler(api),
	)

	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a new task in draft. Run execute_task or the spec flow afterwards."),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("The task title"),
			),
			mcp.WithString("repo_url",
				mcp.Required(),
				mcp.Description("The repository URL the task works against"),
			),
			mcp.WithString("description",
				mcp.Description("What the task should accomplish (optional)"),
			),
			mcp.WithString("target_branch",
				mcp.Description("Branch the result merges into (optional, defaults to the repo default)"),
			),
			mcp.WithString("agent_type",
				mcp.Description("Agent backend: claude, codex, gemini, copilot, anthropic-api, openai, openrouter (optional)"),
			),
		),
		createTaskHandler(api),
	)

	s.AddTool(
		mcp.NewTool("execute_task",
			mcp.WithDescription("Start (or retry) implementation of a task. The agent runs in the background; poll get_task or task_logs for progress."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to execute"),
			),
		),
		executeTaskHandler(api),
	)

	s.AddTool(
		mcp.NewTool("task_logs",
			mcp.WithDescription("Fetch the task's buffered log lines from its event stream."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of log lines to return (default 100)"),
			),
		),
		taskLogsHandler(api),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

// apiClient is the thin HTTP proxy onto the taskdeck API.
type apiClient struct {
	base  string
	token string
	log   *logger.Logger
}

func (a *apiClient) do(ctx context.Context, method, path string, payload any) (int, json.RawMessage, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return 0, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, &body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil && resp.StatusCode != http.StatusNoContent {
		return resp.StatusCode, nil, fmt.Errorf("parse response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// result renders an API response as a tool result, turning error statuses
// into tool errors the agent can read.
func result(status int, raw json.RawMessage, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("taskdeck API unreachable: %v", err)), nil
	}
	if status >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(raw))), nil
	}
	formatted, _ := json.MarshalIndent(raw, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

func listTasksHandler(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := "/api/v1/tasks"
		if repo := req.GetString("repository_id", ""); repo != "" {
			path += "?repository_id=" + repo
		}
		return result(api.do(ctx, http.MethodGet, path, nil))
	}
}

func getTaskHandler(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return result(api.do(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil))
	}
}

func createTaskHandler(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		repoURL, err := req.RequireString("repo_url")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]any{
			"title":    title,
			"repo_url": repoURL,
		}
		if desc := req.GetString("description", ""); desc != "" {
			payload["description"] = desc
		}
		if branch := req.GetString("target_branch", ""); branch != "" {
			payload["target_branch"] = branch
		}
		if backend := req.GetString("agent_type", ""); backend != "" {
			payload["agent_type"] = backend
		}
		return result(api.do(ctx, http.MethodPost, "/api/v1/tasks", payload))
	}
}

func executeTaskHandler(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return result(api.do(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/execute", nil))
	}
}

// taskLogsHandler reads the task's SSE stream just long enough to collect the
// historical replay, then disconnects. Connect-time replay delivers all
// buffered log lines up front, so a short read window suffices.
func taskLogsHandler(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		limit := req.GetInt("limit", 100)
		if limit <= 0 {
			limit = 100
		}

		lines, err := api.readLogReplay(ctx, taskID, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read task logs: %v", err)), nil
		}
		if len(lines) == 0 {
			return mcp.NewToolResultText("No log lines recorded for this task."), nil
		}
		return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
	}
}

func (a *apiClient) readLogReplay(ctx context.Context, taskID string, limit int) ([]string, error) {
	readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(readCtx, http.MethodGet, a.base+"/api/v1/tasks/"+taskID+"/logs", nil)
	if err != nil {
		return nil, err
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d)", resp.StatusCode)
	}

	var (
		lines   []string
		event   string
		scanner = bufio.NewScanner(resp.Body)
	)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && event == "log":
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
				Level     string    `json:"level"`
				Message   string    `json:"message"`
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if err := json.Unmarshal([]byte(data), &entry); err != nil {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s [%s] %s",
				entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Message))
			if len(lines) >= limit {
				return lines, nil
			}
		}
	}
	// The deadline tearing the stream down mid-read is the expected exit.
	return lines, nil
}
