package service

import (
	"github.com/fieldops/moc-api/internal/models"
)

// actorRole classifies the acting user relative to one change request.
type actorRole string

const (
	roleAdmin              actorRole = "admin"
	roleSubmitter          actorRole = "submitter"
	roleAssignee           actorRole = "assignee"
	roleTechnicalAuthority actorRole = "technical_authority"
	roleCloseoutApprover   actorRole = "closeout_approver"
)

// roleSet holds the roles an actor carries for a specific request.
type roleSet map[actorRole]bool

// rolesFor derives the actor's role set for a change request.
func rolesFor(cr *models.ChangeRequest, claims *models.JWTClaims) roleSet {
	roles := roleSet{}
	if claims == nil {
		return roles
	}
	if claims.IsAdmin() {
		roles[roleAdmin] = true
	}
	if cr.IsSubmitter(claims.UserID) {
		roles[roleSubmitter] = true
	}
	if cr.IsAssignee(claims.UserID) {
		roles[roleAssignee] = true
	}
	if cr.IsTechnicalAuthority(claims.UserID) {
		roles[roleTechnicalAuthority] = true
	}
	if cr.IsCloseoutApprover(claims.UserID) {
		roles[roleCloseoutApprover] = true
	}
	return roles
}

// transitionRule is one row of the declarative state machine. A transition
// request must match a row; the actor must then satisfy the row's allow
// predicate. Administrators pass every row.
type transitionRule struct {
	from    models.ChangeStatus
	to      models.ChangeStatus
	allowed func(cr *models.ChangeRequest, roles roleSet) bool
}

func anyOf(wanted ...actorRole) func(*models.ChangeRequest, roleSet) bool {
	return func(_ *models.ChangeRequest, roles roleSet) bool {
		for _, role := range wanted {
			if roles[role] {
				return true
			}
		}
		return false
	}
}

// adminOnly matches no non-administrator role; the admin bypass in
// authorizeTransition handles the rest.
func adminOnly(*models.ChangeRequest, roleSet) bool { return false }

// finalReviewActor allows the technical authority when one is configured,
// otherwise falls back to submitter/assignee.
func finalReviewActor(cr *models.ChangeRequest, roles roleSet) bool {
	if len(cr.TechnicalAuthorityIDs) > 0 {
		return roles[roleTechnicalAuthority]
	}
	return roles[roleSubmitter] || roles[roleAssignee]
}

// closeoutActor allows closeout approvers when configured, otherwise
// falls back to submitter/assignee.
func closeoutActor(cr *models.ChangeRequest, roles roleSet) bool {
	if len(cr.CloseoutApproverIDs) > 0 {
		return roles[roleCloseoutApprover]
	}
	return roles[roleSubmitter] || roles[roleAssignee]
}

var transitionTable = []transitionRule{
	{models.StatusDraft, models.StatusPendingDepartment, anyOf(roleSubmitter)},
	{models.StatusRejected, models.StatusPendingDepartment, anyOf(roleSubmitter)},
	{models.StatusPendingDepartment, models.StatusRejected, adminOnly},
	{models.StatusPendingDepartment, models.StatusCancelled, anyOf(roleSubmitter)},
	{models.StatusPendingFinal, models.StatusCancelled, anyOf(roleSubmitter)},
	{models.StatusApproved, models.StatusCancelled, anyOf(roleSubmitter)},
	{models.StatusRejected, models.StatusCancelled, anyOf(roleSubmitter)},
	{models.StatusPendingFinal, models.StatusApproved, finalReviewActor},
	{models.StatusPendingFinal, models.StatusRejected, finalReviewActor},
	{models.StatusApproved, models.StatusInProgress, anyOf(roleSubmitter, roleAssignee)},
	{models.StatusInProgress, models.StatusPendingCloseout, anyOf(roleSubmitter, roleAssignee)},
	{models.StatusPendingCloseout, models.StatusCompleted, closeoutActor},
	{models.StatusPendingCloseout, models.StatusInProgress, closeoutActor},
}

// transitionExists reports whether any rule covers (from, to).
func transitionExists(from, to models.ChangeStatus) bool {
	for _, rule := range transitionTable {
		if rule.from == from && rule.to == to {
			return true
		}
	}
	return false
}

// authorizeTransition checks the declarative table. It reports whether the
// actor may drive the transition; administrators may drive any listed row.
func authorizeTransition(cr *models.ChangeRequest, roles roleSet, to models.ChangeStatus) bool {
	for _, rule := range transitionTable {
		if rule.from != cr.Status || rule.to != to {
			continue
		}
		if roles[roleAdmin] {
			return true
		}
		if rule.allowed(cr, roles) {
			return true
		}
	}
	return false
}

// tallyBallots folds the full configured approver set against the recorded
// votes, treating absent entries as pending. Any rejection is final; all
// approvals advance; anything else stays pending.
func tallyBallots(approverIDs []string, votes models.VoteMap) models.ApprovalDecision {
	pending := false
	for _, id := range approverIDs {
		switch votes[id] {
		case models.DecisionRejected:
			return models.DecisionRejected
		case models.DecisionApproved:
		default:
			pending = true
		}
	}
	if pending {
		return models.DecisionPending
	}
	return models.DecisionApproved
}

// aggregateDepartments folds the department approval slots: any rejected
// slot rejects the whole request, all approved advances, otherwise pending.
func aggregateDepartments(approvals []models.DepartmentApproval) models.ApprovalDecision {
	pending := false
	for _, slot := range approvals {
		switch slot.Status {
		case models.DecisionRejected:
			return models.DecisionRejected
		case models.DecisionApproved:
		default:
			pending = true
		}
	}
	if pending {
		return models.DecisionPending
	}
	return models.DecisionApproved
}

// buildApprovalSlots creates fresh pending approval slots, one per affected
// department in order, seeding each with the department's default approver.
func buildApprovalSlots(changeRequestID string, departmentIDs []string, byID map[string]*models.Department) []models.DepartmentApproval {
	slots := make([]models.DepartmentApproval, 0, len(departmentIDs))
	for i, deptID := range departmentIDs {
		slot := models.DepartmentApproval{
			ChangeRequestID: changeRequestID,
			DepartmentID:    deptID,
			Position:        i,
			Status:          models.DecisionPending,
		}
		if dept, ok := byID[deptID]; ok {
			if def := dept.DefaultApproverID(); def != "" {
				approver := def
				slot.ApproverID = &approver
			}
		}
		slots = append(slots, slot)
	}
	return slots
}
