package orchestrator

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/task"
)

// CreateTaskRequest is the POST /tasks body.
type CreateTaskRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	UserInput    string   `json:"user_input"`
	RepoURL      string   `json:"repo_url"`
	TargetBranch string   `json:"target_branch"`
	ContextFiles []string `json:"context_files"`
	BuildCommand string   `json:"build_command"`
	RepositoryID string   `json:"repository_id"`
	AgentBackend string   `json:"agent_type"`
	AgentModel   string   `json:"agent_model"`
}

// UpdateTaskRequest is the PATCH /tasks/:id body; nil fields are untouched.
type UpdateTaskRequest struct {
	Title        *string   `json:"title"`
	Description  *string   `json:"description"`
	UserInput    *string   `json:"user_input"`
	TargetBranch *string   `json:"target_branch"`
	ContextFiles *[]string `json:"context_files"`
	BuildCommand *string   `json:"build_command"`
	RepositoryID *string   `json:"repository_id"`
	AgentBackend *string   `json:"agent_type"`
	AgentModel   *string   `json:"agent_model"`
	Status       *string   `json:"status"`
}

var validBackends = map[task.BackendKind]bool{
	task.BackendClaude:     true,
	task.BackendCodex:      true,
	task.BackendCopilot:    true,
	task.BackendGemini:     true,
	task.BackendAnthropic:  true,
	task.BackendOpenAI:     true,
	task.BackendOpenRouter: true,
}

func validateCreate(req *CreateTaskRequest) error {
	var details []apperr.Detail
	if strings.TrimSpace(req.Title) == "" {
		details = append(details, apperr.Detail{Field: "title", Message: "title is required"})
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		details = append(details, apperr.Detail{Field: "repo_url", Message: "repo_url is required"})
	}
	if req.AgentBackend != "" && !validBackends[task.BackendKind(req.AgentBackend)] {
		details = append(details, apperr.Detail{Field: "agent_type", Message: "unknown agent backend"})
	}
	if len(details) > 0 {
		return apperr.Validation(details...)
	}
	return nil
}

// Create validates and persists a new task in draft.
func (s *Service) Create(ctx context.Context, req *CreateTaskRequest) (*task.Task, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	t := &task.Task{
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		UserInput:    req.UserInput,
		RepoURL:      strings.TrimSpace(req.RepoURL),
		TargetBranch: req.TargetBranch,
		ContextFiles: req.ContextFiles,
		BuildCommand: req.BuildCommand,
		RepositoryID: req.RepositoryID,
		AgentBackend: task.BackendKind(req.AgentBackend),
		AgentModel:   req.AgentModel,
		Status:       task.StatusDraft,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, apperr.Wrap(apperr.KindUnexpected, "create task", err)
	}

	s.publish(ctx, bus.SubjectTaskCreated, map[string]any{"task_id": t.ID, "title": t.Title})
	s.logger.Info("task created", zap.String("task_id", t.ID), zap.String("title", t.Title))
	return t, nil
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "task %s not found", id)
		}
		return nil, apperr.Wrap(apperr.KindUnexpected, "load task", err)
	}
	return t, nil
}

// List returns all tasks, optionally filtered by repository grouping key.
func (s *Service) List(ctx context.Context, repositoryID string) ([]*task.Task, error) {
	tasks, err := s.store.List(ctx, repositoryID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnexpected, "list tasks", err)
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return tasks, nil
}

// Update applies a partial update. A status field is folded through the
// alias table and validated; a status change publishes one status event.
func (s *Service) Update(ctx context.Context, id string, req *UpdateTaskRequest) (*task.Task, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			return nil, apperr.Validation(apperr.Detail{Field: "title", Message: "title must not be empty"})
		}
		t.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.UserInput != nil {
		t.UserInput = *req.UserInput
	}
	if req.TargetBranch != nil {
		t.TargetBranch = *req.TargetBranch
	}
	if req.ContextFiles != nil {
		t.ContextFiles = *req.ContextFiles
	}
	if req.BuildCommand != nil {
		t.BuildCommand = *req.BuildCommand
	}
	if req.RepositoryID != nil {
		t.RepositoryID = *req.RepositoryID
	}
	if req.AgentBackend != nil {
		if *req.AgentBackend != "" && !validBackends[task.BackendKind(*req.AgentBackend)] {
			return nil, apperr.Validation(apperr.Detail{Field: "agent_type", Message: "unknown agent backend"})
		}
		t.AgentBackend = task.BackendKind(*req.AgentBackend)
	}
	if req.AgentModel != nil {
		t.AgentModel = *req.AgentModel
	}

	statusChanged := false
	if req.Status != nil {
		to := task.Normalize(task.Status(*req.Status))
		if !to.Valid() {
			return nil, apperr.Validation(apperr.Detail{Field: "status", Message: "unknown status"})
		}
		statusChanged = to != task.Normalize(t.Status)
		t.Status = to
	}

	if statusChanged {
		if err := s.transition(ctx, t, t.Status); err != nil {
			return nil, apperr.Wrap(apperr.KindUnexpected, "update task", err)
		}
	} else if err := s.store.Update(ctx, t); err != nil {
		return nil, apperr.Wrap(apperr.KindUnexpected, "update task", err)
	}

	s.publish(ctx, bus.SubjectTaskUpdated, map[string]any{"task_id": t.ID})
	return t, nil
}

// Delete removes the task: a live agent is canceled first, the record and
// its history are deleted, the event hub state is dropped, and the worktree
// is cleaned in the background so the response returns promptly.
func (s *Service) Delete(ctx context.Context, id string) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	if rs := s.activeRun(id); rs != nil {
		rs.run.Cancel()
		s.unregisterRun(id, rs)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return apperr.Wrap(apperr.KindUnexpected, "delete task", err)
	}

	s.hub.Drop(id)
	s.publish(ctx, bus.SubjectTaskDeleted, map[string]any{"task_id": id})

	go func() {
		if err := s.trees.Cleanup(s.baseCtx, id, true); err != nil {
			// Never fails the delete; the record is already gone.
			s.logger.Warn("background worktree cleanup failed",
				zap.String("task_id", id), zap.Error(err))
		}
	}()

	s.logger.Info("task deleted", zap.String("task_id", id))
	return nil
}
