package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fieldops/moc-api/internal/dto"
	"github.com/fieldops/moc-api/internal/models"
	appErrors "github.com/fieldops/moc-api/pkg/errors"
	"github.com/fieldops/moc-api/pkg/response"
)

type changeRequestService interface {
	Create(ctx context.Context, req dto.CreateChangeRequestRequest, actor *models.JWTClaims) (*models.ChangeRequest, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.ChangeRequest, error)
	List(ctx context.Context, query dto.ChangeRequestQuery, actor *models.JWTClaims) ([]models.ChangeRequest, *models.Pagination, error)
	UpdateContent(ctx context.Context, id string, req dto.UpdateChangeRequestRequest, actor *models.JWTClaims) (*models.ChangeRequest, error)
	Delete(ctx context.Context, id string, actor *models.JWTClaims) error
	History(ctx context.Context, id string, actor *models.JWTClaims) ([]models.EditHistoryEntry, error)
}

type workflowService interface {
	ChangeStatus(ctx context.Context, id string, req dto.ChangeStatusRequest, actor *models.JWTClaims) (*models.ChangeRequest, error)
	CastDepartmentVote(ctx context.Context, id, departmentID string, req dto.DepartmentVoteRequest, actor *models.JWTClaims) (*models.ChangeRequest, error)
	Resubmit(ctx context.Context, id string, actor *models.JWTClaims) (*models.ChangeRequest, error)
}

// ChangeRequestHandler exposes REST endpoints for the change request lifecycle.
type ChangeRequestHandler struct {
	service  changeRequestService
	workflow workflowService
}

// NewChangeRequestHandler constructs the handler.
func NewChangeRequestHandler(service changeRequestService, workflow workflowService) *ChangeRequestHandler {
	return &ChangeRequestHandler{service: service, workflow: workflow}
}

// Create godoc
// @Summary Draft a change request
// @Tags ChangeRequests
// @Accept json
// @Produce json
// @Param payload body dto.CreateChangeRequestRequest true "Change request payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /change-requests [post]
func (h *ChangeRequestHandler) Create(c *gin.Context) {
	var req dto.CreateChangeRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid change request payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	cr, err := h.service.Create(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, cr, nil)
}

// List godoc
// @Summary List change requests
// @Tags ChangeRequests
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param submitter_id query string false "Submitter ID"
// @Param assigned_to_id query string false "Assignee ID"
// @Param department_id query string false "Affected department ID"
// @Param search query string false "Free text search over title and description"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /change-requests [get]
func (h *ChangeRequestHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.ChangeRequestQuery{
		SubmitterID:  strings.TrimSpace(c.Query("submitter_id")),
		AssignedToID: strings.TrimSpace(c.Query("assigned_to_id")),
		DepartmentID: strings.TrimSpace(c.Query("department_id")),
		Search:       strings.TrimSpace(c.Query("search")),
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		parts := strings.Split(rawStatus, ",")
		statuses := make([]models.ChangeStatus, 0, len(parts))
		for _, part := range parts {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			status := models.ChangeStatus(part)
			if !status.Valid() {
				response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown status filter "+part))
				return
			}
			statuses = append(statuses, status)
		}
		query.Status = statuses
	}
	query.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	query.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	requests, pagination, err := h.service.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination)
}

// Get godoc
// @Summary Get change request detail
// @Tags ChangeRequests
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /change-requests/{id} [get]
func (h *ChangeRequestHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	cr, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cr, nil)
}

// Update godoc
// @Summary Edit change request content
// @Tags ChangeRequests
// @Accept json
// @Produce json
// @Param id path string true "Change request ID"
// @Param payload body dto.UpdateChangeRequestRequest true "Content patch"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /change-requests/{id} [patch]
func (h *ChangeRequestHandler) Update(c *gin.Context) {
	var req dto.UpdateChangeRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid change request patch"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	cr, err := h.service.UpdateContent(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cr, nil)
}

// Delete godoc
// @Summary Delete a change request
// @Tags ChangeRequests
// @Param id path string true "Change request ID"
// @Success 204 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /change-requests/{id} [delete]
func (h *ChangeRequestHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// History godoc
// @Summary Edit history of a change request
// @Tags ChangeRequests
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Router /change-requests/{id}/history [get]
func (h *ChangeRequestHandler) History(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	entries, err := h.service.History(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// ChangeStatus godoc
// @Summary Drive a workflow transition
// @Tags Workflow
// @Accept json
// @Produce json
// @Param id path string true "Change request ID"
// @Param payload body dto.ChangeStatusRequest true "Target status"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /change-requests/{id}/status [post]
func (h *ChangeRequestHandler) ChangeStatus(c *gin.Context) {
	var req dto.ChangeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid status payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	cr, err := h.workflow.ChangeStatus(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cr, nil)
}

// DepartmentVote godoc
// @Summary Cast a department approval vote
// @Tags Workflow
// @Accept json
// @Produce json
// @Param id path string true "Change request ID"
// @Param departmentId path string true "Department ID"
// @Param payload body dto.DepartmentVoteRequest true "Vote"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /change-requests/{id}/departments/{departmentId}/vote [post]
func (h *ChangeRequestHandler) DepartmentVote(c *gin.Context) {
	var req dto.DepartmentVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid vote payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	cr, err := h.workflow.CastDepartmentVote(c.Request.Context(), c.Param("id"), c.Param("departmentId"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cr, nil)
}

// Resubmit godoc
// @Summary Resubmit a rejected change request
// @Tags Workflow
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /change-requests/{id}/resubmit [post]
func (h *ChangeRequestHandler) Resubmit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	cr, err := h.workflow.Resubmit(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cr, nil)
}
