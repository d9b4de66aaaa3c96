package dto

import (
	"time"

	"github.com/fieldops/moc-api/internal/models"
)

// CreateChangeRequestRequest describes the payload for drafting a new
// change request.
type CreateChangeRequestRequest struct {
	Title                  string     `json:"title" validate:"required"`
	Description            string     `json:"description"`
	ReasonForChange        string     `json:"reason_for_change"`
	RiskAssessment         string     `json:"risk_assessment"`
	ImpactAssessment       string     `json:"impact_assessment"`
	Category               string     `json:"category"`
	Priority               string     `json:"priority"`
	TargetDate             *time.Time `json:"target_date"`
	EstimatedCost          *float64   `json:"estimated_cost"`
	RequiresShutdown       bool       `json:"requires_shutdown"`
	AssignedToID           *string    `json:"assigned_to_id"`
	RequestingDepartmentID *string    `json:"requesting_department_id"`
	DepartmentsAffected    []string   `json:"departments_affected"`
	TechnicalAuthorityIDs  []string   `json:"technical_authority_ids"`
	CloseoutApproverIDs    []string   `json:"closeout_approver_ids"`
	ViewerIDs              []string   `json:"viewer_ids"`
}

// UpdateChangeRequestRequest is a partial patch; nil fields are untouched.
type UpdateChangeRequestRequest struct {
	Title                  *string    `json:"title"`
	Description            *string    `json:"description"`
	ReasonForChange        *string    `json:"reason_for_change"`
	RiskAssessment         *string    `json:"risk_assessment"`
	ImpactAssessment       *string    `json:"impact_assessment"`
	Category               *string    `json:"category"`
	Priority               *string    `json:"priority"`
	TargetDate             *time.Time `json:"target_date"`
	ClearTargetDate        bool       `json:"clear_target_date"`
	EstimatedCost          *float64   `json:"estimated_cost"`
	RequiresShutdown       *bool      `json:"requires_shutdown"`
	AssignedToID           *string    `json:"assigned_to_id"`
	RequestingDepartmentID *string    `json:"requesting_department_id"`
	DepartmentsAffected    *[]string  `json:"departments_affected"`
	TechnicalAuthorityIDs  *[]string  `json:"technical_authority_ids"`
	CloseoutApproverIDs    *[]string  `json:"closeout_approver_ids"`
	ViewerIDs              *[]string  `json:"viewer_ids"`
}

// ChangeStatusRequest drives a workflow transition.
type ChangeStatusRequest struct {
	Status   string `json:"status" validate:"required"`
	Comments string `json:"comments"`
}

// DepartmentVoteRequest records a department approver's decision.
type DepartmentVoteRequest struct {
	Decision string `json:"decision" validate:"required,oneof=APPROVED REJECTED"`
	Comments string `json:"comments"`
}

// ChangeRequestQuery constrains listing.
type ChangeRequestQuery struct {
	Status       []models.ChangeStatus
	SubmitterID  string
	AssignedToID string
	DepartmentID string
	Search       string
	Page         int
	PageSize     int
}
