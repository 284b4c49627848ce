package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/events/hub"
	"github.com/taskdeck/taskdeck/internal/forge"
	"github.com/taskdeck/taskdeck/internal/task"
)

// Approve accepts the reviewed diff: outstanding changes are committed, the
// target branch is merged in, the branch is pushed, and a pull request is
// opened. A conflicted merge lands the task in merge_conflicts instead and
// reports merge-conflict.
func (s *Service) Approve(ctx context.Context, id string) (string, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if err := guard(task.ActionApprove, t.Status); err != nil {
		return "", err
	}

	if _, err := s.trees.CommitAll(ctx, id, "Apply changes for: "+t.Title); err != nil {
		return "", apperr.Wrap(apperr.KindUnexpected, "commit worktree changes", err)
	}

	conflicts, err := s.trees.MergeTarget(ctx, id)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnexpected, "merge target branch", err)
	}
	if len(conflicts) > 0 {
		t.ConflictFiles = conflicts
		if err := s.transition(ctx, t, task.StatusMergeConflicts); err != nil {
			return "", apperr.Wrap(apperr.KindUnexpected, "record merge conflicts", err)
		}
		s.hub.Log(id, hub.LevelWarn,
			fmt.Sprintf("Merge with %s produced conflicts in %d file(s)", t.TargetBranch, len(conflicts)))
		return "", apperr.Newf(apperr.KindMergeConflict,
			"merging %s produced conflicts; resolve them and retry", t.TargetBranch)
	}

	return s.openPullRequest(ctx, t)
}

// openPullRequest pushes the task branch and creates the PR. Caller holds
// the task lock and has the worktree in a clean, merged state.
func (s *Service) openPullRequest(ctx context.Context, t *task.Task) (string, error) {
	ctx, span := s.tracer.Start(ctx, "task.open_pull_request",
		trace.WithAttributes(attribute.String("task_id", t.ID)))
	defer span.End()

	token := s.forgeToken(t.RepoURL)

	if err := s.trees.Push(ctx, t.ID, token); err != nil {
		return "", apperr.Wrap(apperr.KindBackendFailure, "push task branch", err)
	}

	client, err := s.forge(t.RepoURL, token)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidInput, "unsupported repository URL", err)
	}

	body := t.FinalSpec
	if body == "" {
		body = t.Description
	}
	base := t.TargetBranch
	if base == "" {
		base = "main"
	}

	pr, err := client.CreatePullRequest(ctx, forge.CreatePRRequest{
		Title:      t.Title,
		Body:       body,
		HeadBranch: t.BranchName,
		BaseBranch: base,
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindBackendFailure, "create pull request", err)
	}

	t.PRURL = pr.HTMLURL
	t.ConflictFiles = nil
	if err := s.transition(ctx, t, task.StatusPRCreated); err != nil {
		return "", apperr.Wrap(apperr.KindUnexpected, "record pull request", err)
	}

	s.hub.Log(t.ID, hub.LevelInfo, "Pull request created: "+pr.HTMLURL)
	s.logger.Info("pull request created",
		zap.String("task_id", t.ID),
		zap.String("pr_url", pr.HTMLURL))
	return pr.HTMLURL, nil
}

// ResolveConflicts completes a stopped merge. While any conflict markers
// remain the call fails with the offending files; once clean, the merge is
// committed and the PR flow proceeds.
func (s *Service) ResolveConflicts(ctx context.Context, id string) (string, []string, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if err := guard(task.ActionResolveConflict, t.Status); err != nil {
		return "", nil, err
	}

	remaining, err := s.trees.ConflictFiles(ctx, id)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindUnexpected, "scan for conflict markers", err)
	}
	if len(remaining) > 0 {
		return "", remaining, apperr.Newf(apperr.KindConflict,
			"%d file(s) still contain conflict markers", len(remaining))
	}

	if _, err := s.trees.CommitAll(ctx, id, "Resolve merge conflicts with "+t.TargetBranch); err != nil {
		return "", nil, apperr.Wrap(apperr.KindUnexpected, "commit conflict resolution", err)
	}

	prURL, err := s.openPullRequest(ctx, t)
	if err != nil {
		return "", nil, err
	}
	return prURL, nil, nil
}

// RequestChanges records reviewer feedback and parks the task until the next
// execute.
func (s *Service) RequestChanges(ctx context.Context, id, feedback string) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := guard(task.ActionRequestChanges, t.Status); err != nil {
		return err
	}

	if feedback != "" {
		t.ReviewFeedback = joinFeedback(t.ReviewFeedback, feedback)
		s.hub.Chat(id, hub.ChatEvent{Role: hub.RoleUser, Text: feedback})
		s.appendChat(ctx, id, &task.ChatRecord{TaskID: id, Role: "user", Text: feedback})
	}
	if err := s.transition(ctx, t, task.StatusChangesRequested); err != nil {
		return apperr.Wrap(apperr.KindUnexpected, "request changes", err)
	}
	return nil
}

// PRMerged closes out the task as done, capturing the diff before the
// worktree is released in the background.
func (s *Service) PRMerged(ctx context.Context, id string) error {
	return s.closeOut(ctx, id, task.ActionPRMerged, task.StatusDone)
}

// PRClosed records a PR closed without merging: the task is canceled.
func (s *Service) PRClosed(ctx context.Context, id string) error {
	return s.closeOut(ctx, id, task.ActionPRClosed, task.StatusCanceled)
}

func (s *Service) closeOut(ctx context.Context, id string, action task.Action, to task.Status) error {
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

	t.DiffSnapshot = s.captureSnapshot(ctx, t)
	if err := s.transition(ctx, t, to); err != nil {
		return apperr.Wrap(apperr.KindUnexpected, "close out task", err)
	}
	if to == task.StatusDone && t.PRURL != "" {
		s.hub.Publish(id, hub.EventComplete, map[string]any{"pr_url": t.PRURL})
	}

	go func() {
		if err := s.trees.Cleanup(s.baseCtx, id, to == task.StatusDone); err != nil {
			s.logger.Warn("worktree cleanup after close-out failed",
				zap.String("task_id", id), zap.Error(err))
		}
	}()
	return nil
}

// CleanupWorktree removes the task's working copy on request. Refused while
// an agent is running.
func (s *Service) CleanupWorktree(ctx context.Context, id string) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if s.activeRun(id) != nil {
		return apperr.New(apperr.KindInvalidTransition, "cannot clean the worktree while an agent is running")
	}

	if err := s.trees.Cleanup(ctx, id, false); err != nil {
		return apperr.Wrap(apperr.KindCleanupFailure,
			"worktree removal failed; close programs holding files under the task directory and retry", err)
	}
	return nil
}

// Changes returns the task's diff: the live worktree when present, the
// persisted snapshot otherwise.
func (s *Service) Changes(ctx context.Context, id string) (*task.DiffSnapshot, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if d, err := s.trees.Diff(ctx, id, t.TargetBranch); err == nil {
		return snapshotFromDiff(d), nil
	}
	if t.DiffSnapshot != nil {
		return t.DiffSnapshot, nil
	}
	return &task.DiffSnapshot{Files: []task.DiffFile{}}, nil
}

// PRComments returns review comments on the task's pull request.
func (s *Service) PRComments(ctx context.Context, id string) ([]forge.Comment, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.PRURL == "" {
		return nil, apperr.New(apperr.KindInvalidTransition, "task has no pull request")
	}

	client, err := s.forge(t.RepoURL, s.forgeToken(t.RepoURL))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "unsupported repository URL", err)
	}

	pr, err := client.FindPullRequestByBranch(ctx, t.BranchName)
	if err != nil {
		if errors.Is(err, forge.ErrNoPullRequest) {
			return nil, apperr.Newf(apperr.KindNotFound, "no open pull request for branch %s", t.BranchName)
		}
		return nil, apperr.Wrap(apperr.KindBackendFailure, "look up pull request", err)
	}

	comments, err := client.ListComments(ctx, pr.Number)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackendFailure, "list pull request comments", err)
	}
	if comments == nil {
		comments = []forge.Comment{}
	}
	return comments, nil
}

// OpenEditor launches the operator's editor on the conflicted worktree.
// Fire-and-forget; only meaningful in merge_conflicts.
func (s *Service) OpenEditor(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Normalize(t.Status) != task.StatusMergeConflicts {
		return apperr.New(apperr.KindInvalidTransition, "open-editor is only available in merge_conflicts")
	}

	path, ok := s.trees.WorktreePath(id)
	if !ok {
		return apperr.New(apperr.KindNotFound, "no worktree for this task")
	}

	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "code"
	}

	cmd := exec.Command(editor, path)
	if err := cmd.Start(); err != nil {
		return apperr.Wrap(apperr.KindUnexpected, "launch editor", err)
	}
	go func() { _ = cmd.Wait() }()

	s.logger.Info("opened editor on worktree",
		zap.String("task_id", id), zap.String("editor", editor))
	return nil
}
