package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fieldops/moc-api/internal/dto"
	"github.com/fieldops/moc-api/internal/models"
	"github.com/fieldops/moc-api/internal/repository"
	appErrors "github.com/fieldops/moc-api/pkg/errors"
)

type changeRequestStore interface {
	NextSequence(ctx context.Context) (int64, error)
	Create(ctx context.Context, cr *models.ChangeRequest) error
	GetByID(ctx context.Context, id string) (*models.ChangeRequest, error)
	List(ctx context.Context, filter models.ChangeRequestFilter) ([]models.ChangeRequest, int, error)
	Update(ctx context.Context, params repository.UpdateChangeRequestParams) error
	Delete(ctx context.Context, id string) error
}

type departmentStore interface {
	GetByID(ctx context.Context, id string) (*models.Department, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]*models.Department, error)
}

type userDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	ExistsApproved(ctx context.Context, id string) (bool, error)
	DisplayNames(ctx context.Context, ids []string) (map[string]string, error)
}

type editHistoryStore interface {
	Create(ctx context.Context, entry *models.EditHistoryEntry) error
	ListByChangeRequest(ctx context.Context, changeRequestID string) ([]models.EditHistoryEntry, error)
}

type transitionNotifier interface {
	Dispatch(cr *models.ChangeRequest, plan fanoutPlan, actorID string)
}

// storeResolver adapts the user/department lookups into the diff engine's
// name resolver.
type storeResolver struct {
	users       userDirectory
	departments departmentStore
}

func (r storeResolver) UserNames(ctx context.Context, ids []string) (map[string]string, error) {
	return r.users.DisplayNames(ctx, ids)
}

func (r storeResolver) DepartmentNames(ctx context.Context, ids []string) (map[string]string, error) {
	byID, err := r.departments.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(byID))
	for id, dept := range byID {
		names[id] = dept.Name
	}
	return names, nil
}

// ChangeRequestService owns the change request lifecycle outside of status
// transitions: drafting, content edits, visibility, deletion, history.
type ChangeRequestService struct {
	repo        changeRequestStore
	departments departmentStore
	users       userDirectory
	history     editHistoryStore
	notifier    transitionNotifier
	diff        *DiffEngine
	validator   *validator.Validate
	logger      *zap.Logger
	retries     int
}

// NewChangeRequestService constructs the service.
func NewChangeRequestService(
	repo changeRequestStore,
	departments departmentStore,
	users userDirectory,
	history editHistoryStore,
	notifier transitionNotifier,
	validate *validator.Validate,
	logger *zap.Logger,
	conflictRetries int,
) *ChangeRequestService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if conflictRetries <= 0 {
		conflictRetries = 3
	}
	return &ChangeRequestService{
		repo:        repo,
		departments: departments,
		users:       users,
		history:     history,
		notifier:    notifier,
		diff:        NewDiffEngine(storeResolver{users: users, departments: departments}),
		validator:   validate,
		logger:      logger,
		retries:     conflictRetries,
	}
}

// Create drafts a new change request owned by the acting user.
func (s *ChangeRequestService) Create(ctx context.Context, req dto.CreateChangeRequestRequest, actor *models.JWTClaims) (*models.ChangeRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change request payload")
	}
	if err := s.checkDepartmentsExist(ctx, req.DepartmentsAffected); err != nil {
		return nil, err
	}
	if err := s.checkAssignee(ctx, req.AssignedToID); err != nil {
		return nil, err
	}

	seq, err := s.repo.NextSequence(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to allocate sequence number")
	}

	cr := &models.ChangeRequest{
		SequenceNumber:          seq,
		Status:                  models.StatusDraft,
		SubmitterID:             actor.UserID,
		AssignedToID:            req.AssignedToID,
		RequestingDepartmentID:  req.RequestingDepartmentID,
		DepartmentsAffected:     req.DepartmentsAffected,
		TechnicalAuthorityIDs:   req.TechnicalAuthorityIDs,
		TechnicalAuthorityVotes: models.VoteMap{},
		CloseoutApproverIDs:     req.CloseoutApproverIDs,
		CloseoutVotes:           models.VoteMap{},
		ViewerIDs:               req.ViewerIDs,
		Title:                   req.Title,
		Description:             req.Description,
		ReasonForChange:         req.ReasonForChange,
		RiskAssessment:          req.RiskAssessment,
		ImpactAssessment:        req.ImpactAssessment,
		Category:                req.Category,
		Priority:                req.Priority,
		TargetDate:              req.TargetDate,
		EstimatedCost:           req.EstimatedCost,
		RequiresShutdown:        req.RequiresShutdown,
	}
	if err := s.repo.Create(ctx, cr); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create change request")
	}

	if s.notifier != nil && cr.AssignedToID != nil {
		s.notifier.Dispatch(cr, assignmentFanout(cr, *cr.AssignedToID, actor.UserID), actor.UserID)
	}
	return cr, nil
}

// Get returns one change request enforcing visibility.
func (s *ChangeRequestService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.ChangeRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	cr, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.visibleTo(ctx, cr, actor) {
		return nil, appErrors.ErrForbidden
	}
	return cr, nil
}

// visibleTo extends canView for requests with a restricted audience:
// members of an affected department's approver set can always read a
// request they may be asked to vote on.
func (s *ChangeRequestService) visibleTo(ctx context.Context, cr *models.ChangeRequest, actor *models.JWTClaims) bool {
	if canView(cr, actor) {
		return true
	}
	if cr.Status == models.StatusDraft || len(cr.ViewerIDs) == 0 || len(cr.DepartmentsAffected) == 0 {
		return false
	}
	byID, err := s.departments.GetByIDs(ctx, cr.DepartmentsAffected)
	if err != nil {
		s.logger.Warn("failed to resolve departments for visibility check",
			zap.String("change_request_id", cr.ID), zap.Error(err))
		return false
	}
	for _, dept := range byID {
		if dept.HasApprover(actor.UserID) {
			return true
		}
	}
	return false
}

// List returns change requests visible to the actor. Audience
// restrictions are applied after the page is read: TotalCount is an
// upper bound, and a page intersecting restricted rows comes back
// shorter than page_size.
func (s *ChangeRequestService) List(ctx context.Context, query dto.ChangeRequestQuery, actor *models.JWTClaims) ([]models.ChangeRequest, *models.Pagination, error) {
	if actor == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}
	filter := models.ChangeRequestFilter{
		Status:       query.Status,
		SubmitterID:  query.SubmitterID,
		AssignedToID: query.AssignedToID,
		DepartmentID: query.DepartmentID,
		Search:       query.Search,
		Page:         query.Page,
		PageSize:     query.PageSize,
	}
	requests, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list change requests")
	}

	if !actor.IsAdmin() {
		visible := requests[:0]
		for i := range requests {
			if s.visibleTo(ctx, &requests[i], actor) {
				visible = append(visible, requests[i])
			}
		}
		requests = visible
	}

	page := filter.Page
	if page <= 0 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return requests, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// History returns the append-only edit trail.
func (s *ChangeRequestService) History(ctx context.Context, id string, actor *models.JWTClaims) ([]models.EditHistoryEntry, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	cr, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.visibleTo(ctx, cr, actor) {
		return nil, appErrors.ErrForbidden
	}
	entries, err := s.history.ListByChangeRequest(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list edit history")
	}
	return entries, nil
}

// UpdateContent applies a content patch. A patch that differs in no tracked
// field after normalisation is a successful no-op: no history entry, no
// status change. A material edit while approvals are being collected resets
// the request to draft and voids every prior approval.
func (s *ChangeRequestService) UpdateContent(ctx context.Context, id string, req dto.UpdateChangeRequestRequest, actor *models.JWTClaims) (*models.ChangeRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}

	for attempt := 0; attempt <= s.retries; attempt++ {
		cr, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}

		roles := rolesFor(cr, actor)
		if !roles[roleAdmin] && !roles[roleSubmitter] && !roles[roleAssignee] && !roles[roleTechnicalAuthority] {
			return nil, appErrors.ErrForbidden
		}
		switch cr.Status {
		case models.StatusDraft, models.StatusRejected, models.StatusPendingDepartment, models.StatusPendingFinal:
		default:
			return nil, appErrors.Clone(appErrors.ErrInvalidStatus, fmt.Sprintf("change request is not editable while %s", cr.Status))
		}

		updated := *cr
		applyContentPatch(&updated, req)

		if req.DepartmentsAffected != nil {
			if err := s.checkDepartmentsExist(ctx, *req.DepartmentsAffected); err != nil {
				return nil, err
			}
		}
		if req.AssignedToID != nil && *req.AssignedToID != "" {
			if err := s.checkAssignee(ctx, req.AssignedToID); err != nil {
				return nil, err
			}
		}

		changes, err := s.diff.Compute(ctx, cr, &updated)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute edit diff")
		}
		if len(changes) == 0 {
			return cr, nil
		}

		replaceApprovals := false
		if cr.Status.UnderReview() {
			updated.Status = models.StatusDraft
			updated.TechnicalAuthorityVotes = models.VoteMap{}
			updated.ReviewedAt = nil
			updated.ReviewerID = nil
			updated.ReviewComments = nil
			slots, err := s.freshApprovalSlots(ctx, &updated)
			if err != nil {
				return nil, err
			}
			updated.DepartmentApprovals = slots
			replaceApprovals = true
		}

		err = s.repo.Update(ctx, repository.UpdateChangeRequestParams{Request: &updated, ReplaceApprovals: replaceApprovals})
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update change request")
		}

		s.appendHistory(ctx, &updated, changes, actor)

		oldAssignee := ""
		if cr.AssignedToID != nil {
			oldAssignee = *cr.AssignedToID
		}
		if s.notifier != nil && updated.AssignedToID != nil && *updated.AssignedToID != oldAssignee {
			s.notifier.Dispatch(&updated, assignmentFanout(&updated, *updated.AssignedToID, actor.UserID), actor.UserID)
		}
		return &updated, nil
	}
	return nil, appErrors.Clone(appErrors.ErrConflict, "change request was modified concurrently, please retry")
}

// Delete removes a change request and everything attached to it.
// Administrators may delete any terminal-safe request; submitters may
// delete their own.
func (s *ChangeRequestService) Delete(ctx context.Context, id string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	cr, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !actor.IsAdmin() && !cr.IsSubmitter(actor.UserID) {
		return appErrors.ErrForbidden
	}
	if !cr.Status.DeletableState() {
		return appErrors.Clone(appErrors.ErrInvalidStatus, fmt.Sprintf("change request cannot be deleted while %s", cr.Status))
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "change request not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete change request")
	}
	return nil
}

func (s *ChangeRequestService) load(ctx context.Context, id string) (*models.ChangeRequest, error) {
	cr, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "change request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load change request")
	}
	return cr, nil
}

func (s *ChangeRequestService) checkDepartmentsExist(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	byID, err := s.departments.GetByIDs(ctx, ids)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load departments")
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("department %s not found", id))
		}
	}
	return nil
}

func (s *ChangeRequestService) checkAssignee(ctx context.Context, assigneeID *string) error {
	if assigneeID == nil || *assigneeID == "" {
		return nil
	}
	ok, err := s.users.ExistsApproved(ctx, *assigneeID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify assignee")
	}
	if !ok {
		return appErrors.Clone(appErrors.ErrValidation, "assignee is not an approved user")
	}
	return nil
}

func (s *ChangeRequestService) freshApprovalSlots(ctx context.Context, cr *models.ChangeRequest) ([]models.DepartmentApproval, error) {
	byID, err := s.departments.GetByIDs(ctx, cr.DepartmentsAffected)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load departments")
	}
	return buildApprovalSlots(cr.ID, cr.DepartmentsAffected, byID), nil
}

func (s *ChangeRequestService) appendHistory(ctx context.Context, cr *models.ChangeRequest, changes []models.FieldChange, actor *models.JWTClaims) {
	labels := make([]string, 0, len(changes))
	for _, change := range changes {
		labels = append(labels, change.FieldLabel)
	}
	editorName := actor.FullName
	if editorName == "" {
		if user, err := s.users.FindByID(ctx, actor.UserID); err == nil {
			editorName = user.FullName
		}
	}
	entry := &models.EditHistoryEntry{
		ChangeRequestID: cr.ID,
		EditedByID:      actor.UserID,
		EditedByName:    editorName,
		Description:     fmt.Sprintf("Updated %s", strings.Join(labels, ", ")),
		FieldChanges:    changes,
	}
	if err := s.history.Create(ctx, entry); err != nil {
		s.logger.Warn("failed to append edit history",
			zap.String("change_request_id", cr.ID),
			zap.Error(err))
	}
}

// canView applies the visibility rule: admins see everything, drafts stay
// private to the submitter and assignee, an empty viewer list makes a
// non-draft request visible to any authenticated user, and a non-empty
// viewer list restricts reads to participants.
func canView(cr *models.ChangeRequest, actor *models.JWTClaims) bool {
	if actor == nil {
		return false
	}
	if actor.IsAdmin() {
		return true
	}
	if cr.IsSubmitter(actor.UserID) || cr.IsAssignee(actor.UserID) {
		return true
	}
	if cr.Status == models.StatusDraft {
		return false
	}
	if len(cr.ViewerIDs) == 0 {
		return true
	}
	return cr.IsViewer(actor.UserID) || cr.IsTechnicalAuthority(actor.UserID) || cr.IsCloseoutApprover(actor.UserID)
}

// applyContentPatch copies non-nil patch fields onto the snapshot.
func applyContentPatch(cr *models.ChangeRequest, req dto.UpdateChangeRequestRequest) {
	if req.Title != nil {
		cr.Title = *req.Title
	}
	if req.Description != nil {
		cr.Description = *req.Description
	}
	if req.ReasonForChange != nil {
		cr.ReasonForChange = *req.ReasonForChange
	}
	if req.RiskAssessment != nil {
		cr.RiskAssessment = *req.RiskAssessment
	}
	if req.ImpactAssessment != nil {
		cr.ImpactAssessment = *req.ImpactAssessment
	}
	if req.Category != nil {
		cr.Category = *req.Category
	}
	if req.Priority != nil {
		cr.Priority = *req.Priority
	}
	if req.TargetDate != nil {
		cr.TargetDate = req.TargetDate
	}
	if req.ClearTargetDate {
		cr.TargetDate = nil
	}
	if req.EstimatedCost != nil {
		cr.EstimatedCost = req.EstimatedCost
	}
	if req.RequiresShutdown != nil {
		cr.RequiresShutdown = *req.RequiresShutdown
	}
	if req.AssignedToID != nil {
		if *req.AssignedToID == "" {
			cr.AssignedToID = nil
		} else {
			cr.AssignedToID = req.AssignedToID
		}
	}
	if req.RequestingDepartmentID != nil {
		if *req.RequestingDepartmentID == "" {
			cr.RequestingDepartmentID = nil
		} else {
			cr.RequestingDepartmentID = req.RequestingDepartmentID
		}
	}
	if req.DepartmentsAffected != nil {
		cr.DepartmentsAffected = *req.DepartmentsAffected
	}
	if req.TechnicalAuthorityIDs != nil {
		cr.TechnicalAuthorityIDs = *req.TechnicalAuthorityIDs
	}
	if req.CloseoutApproverIDs != nil {
		cr.CloseoutApproverIDs = *req.CloseoutApproverIDs
	}
	if req.ViewerIDs != nil {
		cr.ViewerIDs = *req.ViewerIDs
	}
}
