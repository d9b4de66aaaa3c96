package service

import (
	"fmt"

	"github.com/fieldops/moc-api/internal/models"
)

// fanoutPlan is the computed recipient set and message for one transition.
type fanoutPlan struct {
	Recipients []string
	Type       models.NotificationType
	Message    string
}

// transitionFanout computes who hears about a status transition. Recipient
// sets are unions that always exclude the acting user. An empty plan means
// the transition is silent.
func transitionFanout(from, to models.ChangeStatus, cr *models.ChangeRequest, departmentApproverIDs []string, actorID string) fanoutPlan {
	display := cr.DisplayID()
	set := newRecipientSet(actorID)

	switch to {
	case models.StatusPendingDepartment:
		set.add(departmentApproverIDs...)
		if cr.AssignedToID != nil {
			set.add(*cr.AssignedToID)
		}
		set.add(cr.TechnicalAuthorityIDs...)
		set.add(cr.ViewerIDs...)
		return fanoutPlan{
			Recipients: set.list(),
			Type:       models.NotificationApprovalRequest,
			Message:    fmt.Sprintf("%s has been submitted for department approval", display),
		}
	case models.StatusPendingFinal:
		set.add(cr.TechnicalAuthorityIDs...)
		return fanoutPlan{
			Recipients: set.list(),
			Type:       models.NotificationApprovalRequest,
			Message:    fmt.Sprintf("%s is awaiting your final review", display),
		}
	case models.StatusApproved, models.StatusRejected:
		set.add(cr.SubmitterID)
		if cr.AssignedToID != nil {
			set.add(*cr.AssignedToID)
		}
		set.add(cr.ViewerIDs...)
		verb := "approved"
		if to == models.StatusRejected {
			verb = "rejected"
		}
		return fanoutPlan{
			Recipients: set.list(),
			Type:       models.NotificationStatusChange,
			Message:    fmt.Sprintf("%s has been %s", display, verb),
		}
	case models.StatusPendingCloseout:
		set.add(cr.CloseoutApproverIDs...)
		return fanoutPlan{
			Recipients: set.list(),
			Type:       models.NotificationCloseoutRequest,
			Message:    fmt.Sprintf("%s is awaiting closeout approval", display),
		}
	case models.StatusInProgress, models.StatusCompleted, models.StatusCancelled:
		set.add(cr.SubmitterID)
		if cr.AssignedToID != nil {
			set.add(*cr.AssignedToID)
		}
		set.add(cr.ViewerIDs...)
		return fanoutPlan{
			Recipients: set.list(),
			Type:       models.NotificationStatusChange,
			Message:    fmt.Sprintf("%s is now %s", display, statusLabel(to)),
		}
	}
	return fanoutPlan{}
}

// departmentVoteFanout notifies the submitter about a recorded department
// vote, unless the submitter cast it.
func departmentVoteFanout(cr *models.ChangeRequest, departmentName string, decision models.ApprovalDecision, actorID string) fanoutPlan {
	set := newRecipientSet(actorID)
	set.add(cr.SubmitterID)
	verb := "approved"
	if decision == models.DecisionRejected {
		verb = "rejected"
	}
	return fanoutPlan{
		Recipients: set.list(),
		Type:       models.NotificationDepartmentVote,
		Message:    fmt.Sprintf("%s department %s %s", departmentName, verb, cr.DisplayID()),
	}
}

// assignmentFanout notifies a newly assigned delegate.
func assignmentFanout(cr *models.ChangeRequest, assigneeID, actorID string) fanoutPlan {
	set := newRecipientSet(actorID)
	set.add(assigneeID)
	return fanoutPlan{
		Recipients: set.list(),
		Type:       models.NotificationAssignment,
		Message:    fmt.Sprintf("You have been assigned to %s", cr.DisplayID()),
	}
}

func statusLabel(s models.ChangeStatus) string {
	switch s {
	case models.StatusInProgress:
		return "in progress"
	case models.StatusCompleted:
		return "completed"
	case models.StatusCancelled:
		return "cancelled"
	default:
		return string(s)
	}
}

// recipientSet deduplicates recipients and drops the acting user and
// empty IDs, preserving insertion order.
type recipientSet struct {
	exclude string
	seen    map[string]struct{}
	order   []string
}

func newRecipientSet(exclude string) *recipientSet {
	return &recipientSet{exclude: exclude, seen: map[string]struct{}{}}
}

func (s *recipientSet) add(ids ...string) {
	for _, id := range ids {
		if id == "" || id == s.exclude {
			continue
		}
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		s.order = append(s.order, id)
	}
}

func (s *recipientSet) list() []string {
	return s.order
}
