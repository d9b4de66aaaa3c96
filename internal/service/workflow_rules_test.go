package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/moc-api/internal/models"
)

func TestTallyBallots(t *testing.T) {
	approvers := []string{"a", "b", "c"}

	require.Equal(t, models.DecisionPending, tallyBallots(approvers, models.VoteMap{}))
	require.Equal(t, models.DecisionPending, tallyBallots(approvers, models.VoteMap{
		"a": models.DecisionApproved,
	}))
	require.Equal(t, models.DecisionApproved, tallyBallots(approvers, models.VoteMap{
		"a": models.DecisionApproved,
		"b": models.DecisionApproved,
		"c": models.DecisionApproved,
	}))
	// one rejection is final regardless of other ballots
	require.Equal(t, models.DecisionRejected, tallyBallots(approvers, models.VoteMap{
		"a": models.DecisionApproved,
		"b": models.DecisionRejected,
	}))
	// no configured approvers means nothing blocks
	require.Equal(t, models.DecisionApproved, tallyBallots(nil, models.VoteMap{}))
}

func TestAggregateDepartments(t *testing.T) {
	slots := func(statuses ...models.ApprovalDecision) []models.DepartmentApproval {
		out := make([]models.DepartmentApproval, len(statuses))
		for i, s := range statuses {
			out[i] = models.DepartmentApproval{Status: s}
		}
		return out
	}

	require.Equal(t, models.DecisionApproved, aggregateDepartments(slots(models.DecisionApproved, models.DecisionApproved)))
	require.Equal(t, models.DecisionPending, aggregateDepartments(slots(models.DecisionApproved, models.DecisionPending)))
	require.Equal(t, models.DecisionRejected, aggregateDepartments(slots(models.DecisionRejected, models.DecisionPending)))
	require.Equal(t, models.DecisionApproved, aggregateDepartments(nil))
}

func TestTransitionExists(t *testing.T) {
	require.True(t, transitionExists(models.StatusDraft, models.StatusPendingDepartment))
	require.True(t, transitionExists(models.StatusPendingCloseout, models.StatusInProgress))
	require.False(t, transitionExists(models.StatusDraft, models.StatusCompleted))
	require.False(t, transitionExists(models.StatusCompleted, models.StatusDraft))
	require.False(t, transitionExists(models.StatusCancelled, models.StatusPendingDepartment))
}

func TestAuthorizeTransitionFinalReviewFallback(t *testing.T) {
	cr := &models.ChangeRequest{Status: models.StatusPendingFinal, SubmitterID: "alice"}

	// no technical authority configured: submitter may finalise
	roles := rolesFor(cr, engineerClaims("alice"))
	require.True(t, authorizeTransition(cr, roles, models.StatusApproved))

	// once a technical authority is configured, the submitter may not
	cr.TechnicalAuthorityIDs = []string{"tina"}
	roles = rolesFor(cr, engineerClaims("alice"))
	require.False(t, authorizeTransition(cr, roles, models.StatusApproved))

	roles = rolesFor(cr, engineerClaims("tina"))
	require.True(t, authorizeTransition(cr, roles, models.StatusApproved))
}

func TestAuthorizeTransitionAdminBypass(t *testing.T) {
	cr := &models.ChangeRequest{Status: models.StatusPendingDepartment, SubmitterID: "alice"}

	roles := rolesFor(cr, adminClaims("root"))
	require.True(t, authorizeTransition(cr, roles, models.StatusRejected))

	// the submitter cannot force a department-stage rejection
	roles = rolesFor(cr, engineerClaims("alice"))
	require.False(t, authorizeTransition(cr, roles, models.StatusRejected))
}

func TestBuildApprovalSlotsSeedsDefaultApprover(t *testing.T) {
	byID := map[string]*models.Department{
		"d-ops": {ID: "d-ops", Name: "Operations", ApproverIDs: []string{"olga", "oscar"}},
	}
	slots := buildApprovalSlots("cr-1", []string{"d-ops", "d-empty"}, byID)

	require.Len(t, slots, 2)
	require.Equal(t, 0, slots[0].Position)
	require.Equal(t, "olga", *slots[0].ApproverID)
	require.Equal(t, models.DecisionPending, slots[0].Status)
	require.Nil(t, slots[1].ApproverID)
}
