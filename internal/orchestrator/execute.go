package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/events/hub"
	"github.com/taskdeck/taskdeck/internal/prompts"
	"github.com/taskdeck/taskdeck/internal/runner"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/worktree"
)

// Execute starts (or retries) implementation of the task. The transition to
// planning commits synchronously; worktree setup and the agent run continue
// in the background.
func (s *Service) Execute(ctx context.Context, id string) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := guard(task.ActionExecute, t.Status); err != nil {
		return err
	}
	return s.executeLocked(ctx, t)
}

// executeLocked launches the execute flow for a task the caller has loaded
// and locked. Retrying a failed task clears its error in the same
// transition.
func (s *Service) executeLocked(ctx context.Context, t *task.Task) error {
	if s.activeRun(t.ID) != nil {
		return apperr.New(apperr.KindConflict, "an agent run is already in progress for this task")
	}

	t.ErrorMessage = ""
	if err := s.transition(ctx, t, task.StatusPlanning); err != nil {
		return apperr.Wrap(apperr.KindUnexpected, "transition to planning", err)
	}

	go s.runExecute(t.ID)
	return nil
}

// runExecute is the background half of execute: acquire the worktree, build
// the prompt, start the agent, then hand off to supervision.
func (s *Service) runExecute(id string) {
	ctx, span := s.tracer.Start(s.baseCtx, "task.execute",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	l := s.lock(id)
	l.Lock()

	t, err := s.Get(ctx, id)
	if err != nil {
		l.Unlock()
		return
	}

	wt, err := s.trees.Setup(ctx, worktree.SetupRequest{
		TaskID:       t.ID,
		TaskTitle:    t.Title,
		RepoURL:      t.RepoURL,
		TargetBranch: t.TargetBranch,
		BranchName:   t.BranchName,
	})
	if err != nil {
		s.failTask(ctx, t, apperr.Wrap(apperr.KindUnexpected, "worktree setup failed", err))
		l.Unlock()
		return
	}
	if t.BranchName != wt.Branch {
		t.BranchName = wt.Branch
		if err := s.store.Update(ctx, t); err != nil {
			s.logger.Warn("persist branch name failed", zap.String("task_id", id), zap.Error(err))
		}
	}

	mode := runner.ModeExecute
	prompt, err := s.buildExecutePrompt(ctx, t, &mode)
	if err != nil {
		s.failTask(ctx, t, apperr.Wrap(apperr.KindUnexpected, "render execute prompt", err))
		l.Unlock()
		return
	}

	run, err := s.runner.Start(ctx, t, runner.Request{
		Mode:         mode,
		SystemPrompt: s.prompts.ExecuteSystem,
		Prompt:       prompt,
		WorkDir:      wt.Path,
	})
	if err != nil {
		s.failTask(ctx, t, err)
		l.Unlock()
		return
	}

	rs := &runState{run: run, mode: mode, startedAt: time.Now().UTC()}
	s.registerRun(id, rs)
	s.armTimeoutWarning(id, rs)

	// Consumed feedback must not leak into the run after this one.
	if t.ReviewFeedback != "" {
		t.ReviewFeedback = ""
		if err := s.store.Update(ctx, t); err != nil {
			s.logger.Warn("clear review feedback failed", zap.String("task_id", id), zap.Error(err))
		}
	}

	if task.Normalize(t.Status) == task.StatusPlanning {
		if err := s.transition(ctx, t, task.StatusCoding); err != nil {
			s.logger.Error("transition to coding failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	l.Unlock()

	s.superviseExecute(id, rs)
}

// buildExecutePrompt renders the implementation prompt. Stored review
// feedback switches the run to resume mode with prior chat history
// prepended.
func (s *Service) buildExecutePrompt(ctx context.Context, t *task.Task, mode *runner.Mode) (string, error) {
	specText := t.FinalSpec
	if specText == "" {
		specText = t.Description
	}
	prompt, err := s.prompts.RenderExecute(prompts.ExecuteInput{
		Title:        t.Title,
		FinalSpec:    specText,
		Plan:         t.Plan,
		BuildCommand: t.BuildCommand,
		ContextFiles: t.ContextFiles,
	})
	if err != nil {
		return "", err
	}

	if t.ReviewFeedback == "" {
		return prompt, nil
	}

	*mode = runner.ModeResume
	prefix, err := s.prompts.RenderResumePrefix(prompts.ResumeInput{
		History:  s.chatHistoryText(ctx, t.ID),
		Feedback: t.ReviewFeedback,
	})
	if err != nil {
		return "", err
	}
	return prefix + "\n\n" + prompt, nil
}

// chatHistoryText flattens the task's chat history for resume prompts.
func (s *Service) chatHistoryText(ctx context.Context, id string) string {
	records, err := s.store.ListChat(ctx, id)
	if err != nil {
		s.logger.Warn("load chat history failed", zap.String("task_id", id), zap.Error(err))
		return ""
	}

	var b strings.Builder
	for _, rec := range records {
		switch {
		case rec.Tool != "":
			fmt.Fprintf(&b, "[tool %s] %s\n", rec.Tool, rec.Summary)
		case rec.Text != "":
			fmt.Fprintf(&b, "%s: %s\n", rec.Role, rec.Text)
		}
	}
	return b.String()
}

// superviseExecute waits for the run and lands its outcome: awaiting_review
// on success with the diff captured, failed on error or timeout, canceled on
// cancellation.
func (s *Service) superviseExecute(id string, rs *runState) {
	<-rs.run.Done()
	runErr := rs.run.Err()
	s.unregisterRun(id, rs)

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	ctx := s.baseCtx
	t, err := s.Get(ctx, id)
	if err != nil {
		return
	}

	switch {
	case runErr == nil:
		rs.mu.Lock()
		completion, sawAssistant := rs.completion, rs.sawAssistant
		rs.mu.Unlock()

		// Single-shot backends produce no incremental assistant text; the
		// completion is the whole conversation.
		if completion != nil && completion.Text != "" && !sawAssistant {
			s.hub.Chat(id, hub.ChatEvent{Role: hub.RoleAssistant, Text: completion.Text})
			s.appendChat(ctx, id, &task.ChatRecord{TaskID: id, Role: "assistant", Text: completion.Text})
		}

		t.DiffSnapshot = s.captureSnapshot(ctx, t)
		if err := s.transition(ctx, t, task.StatusAwaitingReview); err != nil {
			s.logger.Error("transition to awaiting_review failed", zap.String("task_id", id), zap.Error(err))
			return
		}
		s.hub.Publish(id, hub.EventAwaitingReview, map[string]any{
			"status": string(task.StatusAwaitingReview),
		})

	case errors.Is(runErr, context.Canceled):
		s.finishCanceled(ctx, t)

	default:
		s.failTask(ctx, t, runErr)
	}
}

// failTask records a background failure: error message, failed status, error
// event, diff snapshot. Caller holds the task lock.
func (s *Service) failTask(ctx context.Context, t *task.Task, cause error) {
	t.ErrorMessage = fmt.Sprintf("%s: %s", apperr.KindOf(cause), apperr.MessageOf(cause))
	t.DiffSnapshot = s.captureSnapshot(ctx, t)
	if err := s.transition(ctx, t, task.StatusFailed); err != nil {
		s.logger.Error("transition to failed failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	s.hub.Publish(t.ID, hub.EventError, map[string]any{"message": t.ErrorMessage})
}

// finishCanceled records cancellation as the terminal outcome. Caller holds
// the task lock.
func (s *Service) finishCanceled(ctx context.Context, t *task.Task) {
	t.DiffSnapshot = s.captureSnapshot(ctx, t)
	if err := s.transition(ctx, t, task.StatusCanceled); err != nil {
		s.logger.Error("transition to canceled failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// ApprovePlan accepts the agent's plan. A live agent gets the approval as
// feedback; an idle task resumes execution.
func (s *Service) ApprovePlan(ctx context.Context, id string) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := guard(task.ActionApprovePlan, t.Status); err != nil {
		return err
	}
	return s.approvePlanLocked(ctx, t)
}

// approvePlanLocked is ApprovePlan after the guard, for callers already
// holding the task lock.
func (s *Service) approvePlanLocked(ctx context.Context, t *task.Task) error {
	id := t.ID
	if err := s.transition(ctx, t, task.StatusCoding); err != nil {
		return apperr.Wrap(apperr.KindUnexpected, "approve plan", err)
	}

	if rs := s.activeRun(id); rs != nil {
		if rs.run.SupportsLiveFeedback() {
			if err := rs.run.Feedback("The plan is approved. Proceed with the implementation."); err != nil {
				s.logger.Warn("plan approval feedback failed", zap.String("task_id", id), zap.Error(err))
			}
		}
		return nil
	}

	t.ReviewFeedback = "The plan is approved. Proceed with the implementation."
	if err := s.store.Update(ctx, t); err != nil {
		return apperr.Wrap(apperr.KindUnexpected, "store plan approval", err)
	}
	go s.runExecute(id)
	return nil
}

// Cancel stops the task. A live agent is torn down and its supervision
// goroutine records the terminal state; an idle task in a cancelable status
// is moved to canceled directly (recovery for tasks stuck active).
func (s *Service) Cancel(ctx context.Context, id string) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := guard(task.ActionCancel, t.Status); err != nil {
		return err
	}

	if rs := s.activeRun(id); rs != nil {
		rs.run.Cancel()
		s.hub.Log(id, hub.LevelInfo, "Cancellation requested")
		return nil
	}

	s.finishCanceled(ctx, t)
	return nil
}

// Feedback routes a user message: to the running agent when one is live, as
// plan approval in plan_review, or as stored review feedback that resumes an
// idle non-terminal task.
func (s *Service) Feedback(ctx context.Context, id, message string) error {
	if strings.TrimSpace(message) == "" {
		return apperr.Validation(apperr.Detail{Field: "message", Message: "message is required"})
	}

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if rs := s.activeRun(id); rs != nil {
		s.hub.Chat(id, hub.ChatEvent{Role: hub.RoleUser, Text: message})
		s.appendChat(ctx, id, &task.ChatRecord{TaskID: id, Role: "user", Text: message})

		if rs.run.SupportsLiveFeedback() {
			if err := rs.run.Feedback(message); err != nil {
				return apperr.Wrap(apperr.KindUnexpected, "deliver feedback", err)
			}
			return nil
		}
		// Backend cannot take input mid-run; hold the message for the next
		// resumption.
		t.ReviewFeedback = joinFeedback(t.ReviewFeedback, message)
		if err := s.store.Update(ctx, t); err != nil {
			return apperr.Wrap(apperr.KindUnexpected, "store feedback", err)
		}
		return nil
	}

	status := task.Normalize(t.Status)
	switch {
	case status == task.StatusPlanReview:
		// Feedback on an idle plan_review task reads as approval.
		return s.approvePlanLocked(ctx, t)

	case status.IsTerminal() || status == task.StatusDraft:
		return apperr.New(apperr.KindInvalidTransition,
			"feedback requires a running agent or a resumable status")

	default:
		s.hub.Chat(id, hub.ChatEvent{Role: hub.RoleUser, Text: message})
		s.appendChat(ctx, id, &task.ChatRecord{TaskID: id, Role: "user", Text: message})

		t.ReviewFeedback = joinFeedback(t.ReviewFeedback, message)
		t.ErrorMessage = ""
		if err := s.transition(ctx, t, task.StatusPlanning); err != nil {
			return apperr.Wrap(apperr.KindUnexpected, "transition to planning", err)
		}
		go s.runExecute(id)
		return nil
	}
}

func joinFeedback(existing, message string) string {
	if existing == "" {
		return message
	}
	return existing + "\n" + message
}

// Extend pushes the running agent's deadline forward by the configured
// increment and returns the new deadline.
func (s *Service) Extend(ctx context.Context, id string) (time.Time, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return time.Time{}, err
	}

	rs := s.activeRun(id)
	if rs == nil {
		return time.Time{}, apperr.New(apperr.KindInvalidTransition, "no agent is running for this task")
	}

	deadline := rs.run.Extend(s.cfg.Agent.ExtendByDuration())
	s.armTimeoutWarning(id, rs)
	s.hub.Log(id, hub.LevelInfo,
		fmt.Sprintf("Deadline extended to %s", deadline.UTC().Format(time.RFC3339)))
	return deadline, nil
}

func chatSystem(text string) hub.ChatEvent {
	return hub.ChatEvent{Role: hub.RoleSystem, Text: text}
}
