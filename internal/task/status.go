package task

// Status is a task lifecycle state. Canonical values only; input aliases are
// folded by Normalize before any comparison.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusRefining         Status = "refining"
	StatusPendingApproval  Status = "pending_approval"
	StatusApproved         Status = "approved"
	StatusPlanning         Status = "planning"
	StatusPlanReview       Status = "plan_review"
	StatusCoding           Status = "coding"
	StatusAwaitingReview   Status = "awaiting_review"
	StatusMergeConflicts   Status = "merge_conflicts"
	StatusPRCreated        Status = "pr_created"
	StatusChangesRequested Status = "changes_requested"
	StatusDone             Status = "done"
	StatusCanceled         Status = "canceled"
	StatusFailed           Status = "failed"
)

// Input aliases accepted for compatibility with older clients.
var statusAliases = map[Status]Status{
	"backlog":     StatusDraft,
	"in_progress": StatusCoding,
	"review":      StatusAwaitingReview,
}

// Normalize folds input aliases onto canonical statuses.
func Normalize(s Status) Status {
	if canonical, ok := statusAliases[s]; ok {
		return canonical
	}
	return s
}

// Valid reports whether s (after normalization) is a known status.
func (s Status) Valid() bool {
	switch Normalize(s) {
	case StatusDraft, StatusRefining, StatusPendingApproval, StatusApproved,
		StatusPlanning, StatusPlanReview, StatusCoding, StatusAwaitingReview,
		StatusMergeConflicts, StatusPRCreated, StatusChangesRequested,
		StatusDone, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed except
// delete.
func (s Status) IsTerminal() bool {
	switch Normalize(s) {
	case StatusDone, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// Action is an HTTP-triggered operation on a task.
type Action string

const (
	ActionGenerateSpec    Action = "generate-spec"
	ActionRegenerateSpec  Action = "regenerate-spec"
	ActionEditSpec        Action = "edit-spec"
	ActionApproveSpec     Action = "approve-spec"
	ActionExecute         Action = "execute"
	ActionApprovePlan     Action = "approve-plan"
	ActionCancel          Action = "cancel"
	ActionFeedback        Action = "feedback"
	ActionExtendTimeout   Action = "extend-timeout"
	ActionApprove         Action = "approve"
	ActionRequestChanges  Action = "request-changes"
	ActionPRMerged        Action = "pr-merged"
	ActionPRClosed        Action = "pr-closed"
	ActionResolveConflict Action = "resolve-conflicts"
	ActionCleanupWorktree Action = "cleanup-worktree"
	ActionDelete          Action = "delete"
)

// allowedFrom is the static action allow-list, keyed by action, holding the
// canonical statuses the action may fire from. Actions absent from the table
// (feedback, extend-timeout, cleanup-worktree, delete) are gated on runtime
// conditions by the orchestrator, not on status alone.
var allowedFrom = map[Action][]Status{
	ActionGenerateSpec:    {StatusDraft},
	ActionRegenerateSpec:  {StatusPendingApproval},
	ActionEditSpec:        {StatusPendingApproval},
	ActionApproveSpec:     {StatusPendingApproval},
	ActionExecute:         {StatusDraft, StatusApproved, StatusFailed, StatusChangesRequested},
	ActionApprovePlan:     {StatusPlanReview},
	ActionCancel:          {StatusRefining, StatusPlanning, StatusPlanReview, StatusCoding, StatusApproved, StatusAwaitingReview},
	ActionApprove:         {StatusAwaitingReview},
	ActionRequestChanges:  {StatusPRCreated, StatusAwaitingReview},
	ActionPRMerged:        {StatusPRCreated, StatusAwaitingReview},
	ActionPRClosed:        {StatusPRCreated, StatusAwaitingReview, StatusChangesRequested},
	ActionResolveConflict: {StatusMergeConflicts},
}

// CanApply reports whether action may fire from status per the static table.
// Runtime-gated actions always return true here; their conditions live in
// the orchestrator.
func CanApply(action Action, status Status) bool {
	allowed, ok := allowedFrom[action]
	if !ok {
		switch action {
		case ActionFeedback, ActionExtendTimeout, ActionCleanupWorktree, ActionDelete:
			return true
		}
		return false
	}
	status = Normalize(status)
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}
