package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/moc-api/internal/dto"
	"github.com/fieldops/moc-api/internal/models"
	"github.com/fieldops/moc-api/internal/repository"
	appErrors "github.com/fieldops/moc-api/pkg/errors"
)

// WorkflowConfig tunes transition behaviour.
type WorkflowConfig struct {
	RequireRejectComments bool
	ConflictRetries       int
}

// WorkflowService drives status transitions and approval voting.
type WorkflowService struct {
	repo        changeRequestStore
	departments departmentStore
	notifier    transitionNotifier
	metrics     *MetricsService
	logger      *zap.Logger
	cfg         WorkflowConfig
}

// NewWorkflowService constructs the service.
func NewWorkflowService(
	repo changeRequestStore,
	departments departmentStore,
	notifier transitionNotifier,
	metrics *MetricsService,
	logger *zap.Logger,
	cfg WorkflowConfig,
) *WorkflowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	return &WorkflowService{
		repo:        repo,
		departments: departments,
		notifier:    notifier,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
	}
}

// ChangeStatus requests a transition to the target status. The transition
// must be a known edge of the status machine and the actor must be allowed
// to drive it. Entering pending_final or completed through the consensus
// stages records the actor's ballot first; the status only advances when
// every configured approver has approved, and a single rejection is final.
func (s *WorkflowService) ChangeStatus(ctx context.Context, id string, req dto.ChangeStatusRequest, actor *models.JWTClaims) (*models.ChangeRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	target := models.ChangeStatus(req.Status)
	if !target.Valid() {
		return nil, appErrors.Clone(appErrors.ErrInvalidStatus, fmt.Sprintf("unknown status %q", req.Status))
	}
	comments := strings.TrimSpace(req.Comments)

	for attempt := 0; attempt <= s.cfg.ConflictRetries; attempt++ {
		cr, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if cr.Status == target {
			return nil, appErrors.Clone(appErrors.ErrAlreadyProcessed, fmt.Sprintf("change request is already %s", target))
		}
		if !transitionExists(cr.Status, target) {
			return nil, appErrors.Clone(appErrors.ErrInvalidStatus,
				fmt.Sprintf("cannot move from %s to %s", cr.Status, target))
		}
		roles := rolesFor(cr, actor)
		if !authorizeTransition(cr, roles, target) {
			return nil, appErrors.ErrForbidden
		}
		if target == models.StatusRejected && s.cfg.RequireRejectComments && comments == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "rejection requires comments")
		}

		updated := *cr
		from := cr.Status
		replaceApprovals := false

		switch {
		// Final review stage: ballots from the technical authorities,
		// administrators override the tally directly.
		case from == models.StatusPendingFinal && target == models.StatusApproved && !actor.IsAdmin() && len(cr.TechnicalAuthorityIDs) > 0:
			votes := cloneVotes(cr.TechnicalAuthorityVotes)
			votes[actor.UserID] = models.DecisionApproved
			updated.TechnicalAuthorityVotes = votes
			if s.metrics != nil {
				s.metrics.RecordVote("technical_authority", string(models.DecisionApproved))
			}
			if tallyBallots(cr.TechnicalAuthorityIDs, votes) != models.DecisionApproved {
				// Partial consensus: record the ballot, keep the status.
				if err := s.save(ctx, &updated, false); err != nil {
					if errors.Is(err, repository.ErrVersionConflict) {
						continue
					}
					return nil, err
				}
				return &updated, nil
			}
			s.enterStatus(&updated, target, actor, comments)

		case from == models.StatusPendingFinal && target == models.StatusRejected && !actor.IsAdmin() && len(cr.TechnicalAuthorityIDs) > 0:
			votes := cloneVotes(cr.TechnicalAuthorityVotes)
			votes[actor.UserID] = models.DecisionRejected
			updated.TechnicalAuthorityVotes = votes
			if s.metrics != nil {
				s.metrics.RecordVote("technical_authority", string(models.DecisionRejected))
			}
			// One rejection is final.
			s.enterStatus(&updated, target, actor, comments)

		case from == models.StatusPendingCloseout && target == models.StatusCompleted && !actor.IsAdmin() && len(cr.CloseoutApproverIDs) > 0:
			votes := cloneVotes(cr.CloseoutVotes)
			votes[actor.UserID] = models.DecisionApproved
			updated.CloseoutVotes = votes
			if s.metrics != nil {
				s.metrics.RecordVote("closeout", string(models.DecisionApproved))
			}
			if tallyBallots(cr.CloseoutApproverIDs, votes) != models.DecisionApproved {
				if err := s.save(ctx, &updated, false); err != nil {
					if errors.Is(err, repository.ErrVersionConflict) {
						continue
					}
					return nil, err
				}
				return &updated, nil
			}
			s.enterStatus(&updated, target, actor, comments)

		default:
			s.enterStatus(&updated, target, actor, comments)
			if target == models.StatusPendingDepartment {
				slots, err := s.freshSlots(ctx, &updated)
				if err != nil {
					return nil, err
				}
				updated.DepartmentApprovals = slots
				replaceApprovals = true
			}
		}

		if err := s.save(ctx, &updated, replaceApprovals); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return nil, err
		}

		s.afterTransition(from, updated.Status, &updated, actor.UserID)
		return &updated, nil
	}
	return nil, appErrors.Clone(appErrors.ErrConflict, "change request was modified concurrently, please retry")
}

// CastDepartmentVote records one department's decision while the request is
// collecting department approvals. A vote may be replaced while the stage is
// open; once every department approves or any department rejects, the
// request advances and further votes are refused.
func (s *WorkflowService) CastDepartmentVote(ctx context.Context, id, departmentID string, req dto.DepartmentVoteRequest, actor *models.JWTClaims) (*models.ChangeRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	decision := models.ApprovalDecision(strings.ToUpper(strings.TrimSpace(req.Decision)))
	if decision != models.DecisionApproved && decision != models.DecisionRejected {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("decision must be APPROVED or REJECTED, got %q", req.Decision))
	}
	comments := strings.TrimSpace(req.Comments)
	if decision == models.DecisionRejected && s.cfg.RequireRejectComments && comments == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "rejection requires comments")
	}

	for attempt := 0; attempt <= s.cfg.ConflictRetries; attempt++ {
		cr, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if cr.Status != models.StatusPendingDepartment {
			return nil, appErrors.Clone(appErrors.ErrAlreadyProcessed,
				fmt.Sprintf("change request is no longer collecting department approvals (%s)", cr.Status))
		}

		updated := *cr
		updated.DepartmentApprovals = append([]models.DepartmentApproval(nil), cr.DepartmentApprovals...)

		slot := findSlot(updated.DepartmentApprovals, departmentID)
		if slot == nil {
			return nil, appErrors.Clone(appErrors.ErrNotFound,
				fmt.Sprintf("department %s is not part of this review", departmentID))
		}

		dept, err := s.departments.GetByID(ctx, departmentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("department %s not found", departmentID))
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load department")
		}
		if !actor.IsAdmin() && !dept.HasApprover(actor.UserID) {
			return nil, appErrors.ErrForbidden
		}

		now := time.Now().UTC()
		voter := actor.UserID
		slot.Status = decision
		slot.ApproverID = &voter
		slot.ApprovedAt = &now
		if comments != "" {
			slot.Comments = &comments
		} else {
			slot.Comments = nil
		}
		if s.metrics != nil {
			s.metrics.RecordVote("department", string(decision))
		}

		from := cr.Status
		switch aggregateDepartments(updated.DepartmentApprovals) {
		case models.DecisionRejected:
			s.enterStatus(&updated, models.StatusRejected, actor, comments)
		case models.DecisionApproved:
			if len(updated.TechnicalAuthorityIDs) > 0 {
				s.enterStatus(&updated, models.StatusPendingFinal, actor, "")
			} else {
				s.enterStatus(&updated, models.StatusApproved, actor, "All departments approved")
			}
		}

		if err := s.save(ctx, &updated, true); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return nil, err
		}

		if s.notifier != nil {
			s.notifier.Dispatch(&updated, departmentVoteFanout(&updated, dept.Name, decision, actor.UserID), actor.UserID)
		}
		if updated.Status != from {
			s.afterTransition(from, updated.Status, &updated, actor.UserID)
		}
		return &updated, nil
	}
	return nil, appErrors.Clone(appErrors.ErrConflict, "change request was modified concurrently, please retry")
}

// Resubmit sends a rejected request back into department review with every
// prior approval voided.
func (s *WorkflowService) Resubmit(ctx context.Context, id string, actor *models.JWTClaims) (*models.ChangeRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}

	for attempt := 0; attempt <= s.cfg.ConflictRetries; attempt++ {
		cr, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if cr.Status != models.StatusRejected {
			return nil, appErrors.Clone(appErrors.ErrInvalidStatus,
				fmt.Sprintf("only rejected change requests can be resubmitted, current status is %s", cr.Status))
		}
		if !actor.IsAdmin() && !cr.IsSubmitter(actor.UserID) {
			return nil, appErrors.ErrForbidden
		}

		updated := *cr
		from := cr.Status
		s.enterStatus(&updated, models.StatusPendingDepartment, actor, "")
		slots, err := s.freshSlots(ctx, &updated)
		if err != nil {
			return nil, err
		}
		updated.DepartmentApprovals = slots

		if err := s.save(ctx, &updated, true); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return nil, err
		}

		s.afterTransition(from, updated.Status, &updated, actor.UserID)
		return &updated, nil
	}
	return nil, appErrors.Clone(appErrors.ErrConflict, "change request was modified concurrently, please retry")
}

// enterStatus applies the side effects of entering a status.
func (s *WorkflowService) enterStatus(cr *models.ChangeRequest, to models.ChangeStatus, actor *models.JWTClaims, comments string) {
	now := time.Now().UTC()
	cr.Status = to

	switch to {
	case models.StatusPendingDepartment:
		cr.SubmittedAt = &now
		cr.TechnicalAuthorityVotes = models.VoteMap{}
		cr.CloseoutVotes = models.VoteMap{}
		cr.ReviewedAt = nil
		cr.ReviewerID = nil
		cr.ReviewComments = nil
	case models.StatusApproved, models.StatusRejected:
		reviewer := actor.UserID
		cr.ReviewedAt = &now
		cr.ReviewerID = &reviewer
		if comments != "" {
			c := comments
			cr.ReviewComments = &c
		}
	case models.StatusPendingCloseout:
		// Closeout consensus starts from a clean ballot box every time the
		// request re-enters the stage.
		cr.CloseoutVotes = models.VoteMap{}
	}
}

func (s *WorkflowService) afterTransition(from, to models.ChangeStatus, cr *models.ChangeRequest, actorID string) {
	if s.metrics != nil {
		s.metrics.RecordTransition(string(from), string(to))
	}
	s.logger.Info("change request transitioned",
		zap.String("change_request_id", cr.ID),
		zap.String("display_id", cr.DisplayID()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor_id", actorID))
	if s.notifier != nil {
		s.notifier.Dispatch(cr, transitionFanout(from, to, cr, s.departmentApproverIDs(cr), actorID), actorID)
	}
}

// departmentApproverIDs collects every approver of every affected
// department, for approval-request fan-out.
func (s *WorkflowService) departmentApproverIDs(cr *models.ChangeRequest) []string {
	byID, err := s.departments.GetByIDs(context.Background(), cr.DepartmentsAffected)
	if err != nil {
		s.logger.Warn("failed to load departments for notification fan-out",
			zap.String("change_request_id", cr.ID),
			zap.Error(err))
		return nil
	}
	var ids []string
	for _, deptID := range cr.DepartmentsAffected {
		if dept, ok := byID[deptID]; ok {
			ids = append(ids, dept.ApproverIDs...)
		}
	}
	return ids
}

func (s *WorkflowService) freshSlots(ctx context.Context, cr *models.ChangeRequest) ([]models.DepartmentApproval, error) {
	byID, err := s.departments.GetByIDs(ctx, cr.DepartmentsAffected)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load departments")
	}
	return buildApprovalSlots(cr.ID, cr.DepartmentsAffected, byID), nil
}

func (s *WorkflowService) load(ctx context.Context, id string) (*models.ChangeRequest, error) {
	cr, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "change request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load change request")
	}
	return cr, nil
}

func (s *WorkflowService) save(ctx context.Context, cr *models.ChangeRequest, replaceApprovals bool) error {
	err := s.repo.Update(ctx, repository.UpdateChangeRequestParams{Request: cr, ReplaceApprovals: replaceApprovals})
	if err == nil || errors.Is(err, repository.ErrVersionConflict) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update change request")
}

func cloneVotes(votes models.VoteMap) models.VoteMap {
	clone := make(models.VoteMap, len(votes)+1)
	for k, v := range votes {
		clone[k] = v
	}
	return clone
}

func findSlot(slots []models.DepartmentApproval, departmentID string) *models.DepartmentApproval {
	for i := range slots {
		if slots[i].DepartmentID == departmentID {
			return &slots[i]
		}
	}
	return nil
}
