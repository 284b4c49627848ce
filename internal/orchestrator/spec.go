package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/events/hub"
	"github.com/taskdeck/taskdeck/internal/prompts"
	"github.com/taskdeck/taskdeck/internal/runner"
	"github.com/taskdeck/taskdeck/internal/task"
)

// GenerateSpec turns the task's free-text input into a written specification:
// draft → refining, then pending_approval when the agent completes.
func (s *Service) GenerateSpec(ctx context.Context, id string) error {
	return s.startSpecRun(ctx, id, task.ActionGenerateSpec)
}

// RegenerateSpec re-runs spec generation from pending_approval.
func (s *Service) RegenerateSpec(ctx context.Context, id string) error {
	return s.startSpecRun(ctx, id, task.ActionRegenerateSpec)
}

func (s *Service) startSpecRun(ctx context.Context, id string, action task.Action) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := guard(action, t.Status); err != nil {
		return err
	}
	if s.activeRun(id) != nil {
		return apperr.New(apperr.KindConflict, "a spec generation run is already in progress for this task")
	}

	prompt, err := s.prompts.RenderSpec(prompts.SpecInput{
		Title:        t.Title,
		Description:  t.Description,
		UserInput:    t.UserInput,
		ContextFiles: t.ContextFiles,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindUnexpected, "render spec prompt", err)
	}

	if err := s.transition(ctx, t, task.StatusRefining); err != nil {
		return apperr.Wrap(apperr.KindUnexpected, "transition to refining", err)
	}

	run, err := s.runner.Start(s.baseCtx, t, runner.Request{
		Mode:         runner.ModeSpec,
		SystemPrompt: s.prompts.SpecSystem,
		Prompt:       prompt,
	})
	if err != nil {
		// The transition already happened; surface the failure on the task.
		s.failTask(ctx, t, err)
		return err
	}

	rs := &runState{run: run, mode: runner.ModeSpec, startedAt: time.Now().UTC()}
	s.registerRun(id, rs)
	s.armTimeoutWarning(id, rs)
	s.hub.Log(id, hub.LevelInfo, "Generating specification")

	go s.superviseSpec(id, rs)
	return nil
}

// superviseSpec waits for the spec run and lands its outcome on the task.
func (s *Service) superviseSpec(id string, rs *runState) {
	_, span := s.tracer.Start(s.baseCtx, "task.spec_run",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	<-rs.run.Done()
	runErr := rs.run.Err()
	s.unregisterRun(id, rs)

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	ctx := s.baseCtx
	t, err := s.Get(ctx, id)
	if err != nil {
		// Deleted mid-run; nothing to record.
		return
	}

	switch {
	case runErr == nil:
		rs.mu.Lock()
		completion := rs.completion
		rs.mu.Unlock()
		if completion == nil || strings.TrimSpace(completion.Text) == "" {
			s.failTask(ctx, t, apperr.New(apperr.KindBackendFailure, "spec run produced no output"))
			return
		}
		t.Spec = completion.Text
		t.SpecWasEdited = false
		if err := s.transition(ctx, t, task.StatusPendingApproval); err != nil {
			s.logger.Error("record generated spec failed", zap.String("task_id", id), zap.Error(err))
			return
		}
		s.hub.Chat(id, chatSystem("Specification ready for review"))
		s.hub.Publish(id, hub.EventAwaitingReview, map[string]any{"status": string(task.StatusPendingApproval)})

	case errors.Is(runErr, context.Canceled):
		s.finishCanceled(ctx, t)

	default:
		s.failTask(ctx, t, runErr)
	}
}

// EditSpec overwrites the generated specification with the user's version.
func (s *Service) EditSpec(ctx context.Context, id, spec string) (*task.Task, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := guard(task.ActionEditSpec, t.Status); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec) == "" {
		return nil, apperr.Validation(apperr.Detail{Field: "spec", Message: "spec must not be empty"})
	}

	t.Spec = spec
	t.SpecWasEdited = true
	if err := s.store.Update(ctx, t); err != nil {
		return nil, apperr.Wrap(apperr.KindUnexpected, "save edited spec", err)
	}
	s.publish(ctx, bus.SubjectTaskUpdated, map[string]any{"task_id": t.ID})
	return t, nil
}

// ApproveSpec freezes the specification and immediately starts execution.
func (s *Service) ApproveSpec(ctx context.Context, id string) (*task.Task, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := guard(task.ActionApproveSpec, t.Status); err != nil {
		return nil, err
	}
	if strings.TrimSpace(t.Spec) == "" {
		return nil, apperr.New(apperr.KindInvalidTransition, "no specification to approve")
	}

	t.FinalSpec = t.Spec
	if err := s.transition(ctx, t, task.StatusApproved); err != nil {
		return nil, apperr.Wrap(apperr.KindUnexpected, "approve spec", err)
	}

	if err := s.executeLocked(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}
