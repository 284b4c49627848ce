package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAliases(t *testing.T) {
	assert.Equal(t, StatusDraft, Normalize("backlog"))
	assert.Equal(t, StatusCoding, Normalize("in_progress"))
	assert.Equal(t, StatusAwaitingReview, Normalize("review"))
	assert.Equal(t, StatusDone, Normalize(StatusDone))
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusCoding.Valid())
	assert.True(t, Status("review").Valid())
	assert.False(t, Status("shipping").Valid())
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusDone, StatusCanceled, StatusFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []Status{StatusDraft, StatusCoding, StatusPRCreated, StatusMergeConflicts} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestCanApply(t *testing.T) {
	tests := []struct {
		action Action
		status Status
		want   bool
	}{
		{ActionGenerateSpec, StatusDraft, true},
		{ActionGenerateSpec, StatusPendingApproval, false},
		{ActionRegenerateSpec, StatusPendingApproval, true},
		{ActionApproveSpec, StatusPendingApproval, true},
		{ActionApproveSpec, StatusDraft, false},
		{ActionExecute, StatusDraft, true},
		{ActionExecute, Status("backlog"), true},
		{ActionExecute, StatusApproved, true},
		{ActionExecute, StatusFailed, true},
		{ActionExecute, StatusChangesRequested, true},
		{ActionExecute, StatusCoding, false},
		{ActionExecute, StatusDone, false},
		{ActionApprovePlan, StatusPlanReview, true},
		{ActionApprovePlan, StatusPlanning, false},
		{ActionCancel, StatusCoding, true},
		{ActionCancel, Status("in_progress"), true},
		{ActionCancel, StatusAwaitingReview, true},
		{ActionCancel, StatusDone, false},
		{ActionCancel, StatusPRCreated, false},
		{ActionApprove, StatusAwaitingReview, true},
		{ActionApprove, Status("review"), true},
		{ActionApprove, StatusCoding, false},
		{ActionRequestChanges, StatusPRCreated, true},
		{ActionRequestChanges, Status("review"), true},
		{ActionPRMerged, StatusPRCreated, true},
		{ActionPRMerged, StatusDraft, false},
		{ActionPRClosed, StatusChangesRequested, true},
		{ActionResolveConflict, StatusMergeConflicts, true},
		{ActionResolveConflict, StatusCoding, false},
		// Runtime-gated actions pass the static check from any status.
		{ActionDelete, StatusDone, true},
		{ActionFeedback, StatusPlanReview, true},
		{ActionCleanupWorktree, StatusFailed, true},
		{ActionExtendTimeout, StatusCoding, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanApply(tt.action, tt.status),
			"%s from %s", tt.action, tt.status)
	}
}

func TestValidTaskID(t *testing.T) {
	assert.True(t, ValidTaskID("abcd1234-0000-4000-8000-000000000000"))
	assert.False(t, ValidTaskID("not-a-uuid"))
	assert.False(t, ValidTaskID("../../etc/passwd"))
	assert.False(t, ValidTaskID(""))
	assert.False(t, ValidTaskID("ABCD1234-0000-4000-8000-000000000000"))
}
