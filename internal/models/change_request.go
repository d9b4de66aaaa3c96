package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ChangeStatus captures the workflow state of a change request.
type ChangeStatus string

const (
	StatusDraft             ChangeStatus = "DRAFT"
	StatusPendingDepartment ChangeStatus = "PENDING_DEPARTMENT_APPROVAL"
	StatusPendingFinal      ChangeStatus = "PENDING_FINAL_REVIEW"
	StatusApproved          ChangeStatus = "APPROVED"
	StatusRejected          ChangeStatus = "REJECTED"
	StatusInProgress        ChangeStatus = "IN_PROGRESS"
	StatusPendingCloseout   ChangeStatus = "PENDING_CLOSEOUT"
	StatusCompleted         ChangeStatus = "COMPLETED"
	StatusCancelled         ChangeStatus = "CANCELLED"
)

// AllStatuses enumerates every recognised workflow state.
var AllStatuses = []ChangeStatus{
	StatusDraft,
	StatusPendingDepartment,
	StatusPendingFinal,
	StatusApproved,
	StatusRejected,
	StatusInProgress,
	StatusPendingCloseout,
	StatusCompleted,
	StatusCancelled,
}

// Valid reports whether the status is one of the enumerated states.
func (s ChangeStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// DeletableState reports whether a change request in this state may be
// removed along with its approvals, history and notifications.
func (s ChangeStatus) DeletableState() bool {
	return s == StatusDraft || s == StatusRejected || s == StatusCancelled
}

// UnderReview reports whether approvals are actively being collected.
// A material content edit in these states invalidates all prior approvals.
func (s ChangeStatus) UnderReview() bool {
	return s == StatusPendingDepartment || s == StatusPendingFinal
}

// ApprovalDecision is a single pending/approved/rejected vote value.
type ApprovalDecision string

const (
	DecisionPending  ApprovalDecision = "PENDING"
	DecisionApproved ApprovalDecision = "APPROVED"
	DecisionRejected ApprovalDecision = "REJECTED"
)

// VoteMap stores per-approver ballots keyed by user ID, persisted as JSONB.
// An approver absent from the map is treated as pending.
type VoteMap map[string]ApprovalDecision

// Value implements driver.Valuer.
func (v VoteMap) Value() (driver.Value, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner.
func (v *VoteMap) Scan(src interface{}) error {
	if src == nil {
		*v = VoteMap{}
		return nil
	}
	var raw []byte
	switch data := src.(type) {
	case []byte:
		raw = data
	case string:
		raw = []byte(data)
	default:
		return fmt.Errorf("unsupported vote map source %T", src)
	}
	if len(raw) == 0 {
		*v = VoteMap{}
		return nil
	}
	return json.Unmarshal(raw, v)
}

// DepartmentApproval is one department's sign-off slot on a change request.
type DepartmentApproval struct {
	ID              string           `db:"id" json:"id"`
	ChangeRequestID string           `db:"change_request_id" json:"change_request_id"`
	DepartmentID    string           `db:"department_id" json:"department_id"`
	Position        int              `db:"position" json:"position"`
	Status          ApprovalDecision `db:"status" json:"status"`
	ApproverID      *string          `db:"approver_id" json:"approver_id,omitempty"`
	ApprovedAt      *time.Time       `db:"approved_at" json:"approved_at,omitempty"`
	Comments        *string          `db:"comments" json:"comments,omitempty"`
}

// ChangeRequest is the unit under review.
type ChangeRequest struct {
	ID                      string       `db:"id" json:"id"`
	SequenceNumber          int64        `db:"sequence_number" json:"sequence_number"`
	Status                  ChangeStatus `db:"status" json:"status"`
	SubmitterID             string       `db:"submitter_id" json:"submitter_id"`
	AssignedToID            *string      `db:"assigned_to_id" json:"assigned_to_id,omitempty"`
	RequestingDepartmentID  *string      `db:"requesting_department_id" json:"requesting_department_id,omitempty"`
	DepartmentsAffected     pq.StringArray `db:"departments_affected" json:"departments_affected"`
	TechnicalAuthorityIDs   pq.StringArray `db:"technical_authority_ids" json:"technical_authority_ids"`
	TechnicalAuthorityVotes VoteMap      `db:"technical_authority_votes" json:"technical_authority_votes"`
	CloseoutApproverIDs     pq.StringArray `db:"closeout_approver_ids" json:"closeout_approver_ids"`
	CloseoutVotes           VoteMap      `db:"closeout_votes" json:"closeout_votes"`
	ViewerIDs               pq.StringArray `db:"viewer_ids" json:"viewer_ids"`

	Title            string     `db:"title" json:"title"`
	Description      string     `db:"description" json:"description"`
	ReasonForChange  string     `db:"reason_for_change" json:"reason_for_change"`
	RiskAssessment   string     `db:"risk_assessment" json:"risk_assessment"`
	ImpactAssessment string     `db:"impact_assessment" json:"impact_assessment"`
	Category         string     `db:"category" json:"category"`
	Priority         string     `db:"priority" json:"priority"`
	TargetDate       *time.Time `db:"target_date" json:"target_date,omitempty"`
	EstimatedCost    *float64   `db:"estimated_cost" json:"estimated_cost,omitempty"`
	RequiresShutdown bool       `db:"requires_shutdown" json:"requires_shutdown"`

	DateRaised     time.Time  `db:"date_raised" json:"date_raised"`
	SubmittedAt    *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
	ReviewedAt     *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ReviewerID     *string    `db:"reviewer_id" json:"reviewer_id,omitempty"`
	ReviewComments *string    `db:"review_comments" json:"review_comments,omitempty"`

	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	// Populated by the repository from the department_approvals table,
	// ordered by position.
	DepartmentApprovals []DepartmentApproval `db:"-" json:"department_approvals"`
}

// DisplayID renders the human-facing identifier, e.g. MOC-42.
func (c *ChangeRequest) DisplayID() string {
	return fmt.Sprintf("MOC-%d", c.SequenceNumber)
}

// IsSubmitter reports whether the given user created the request.
func (c *ChangeRequest) IsSubmitter(userID string) bool {
	return c != nil && c.SubmitterID == userID
}

// IsAssignee reports whether the given user is the assigned delegate.
func (c *ChangeRequest) IsAssignee(userID string) bool {
	return c != nil && c.AssignedToID != nil && *c.AssignedToID == userID
}

// IsTechnicalAuthority reports whether the user belongs to the
// technical-authority approver set.
func (c *ChangeRequest) IsTechnicalAuthority(userID string) bool {
	if c == nil {
		return false
	}
	for _, id := range c.TechnicalAuthorityIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsCloseoutApprover reports whether the user belongs to the closeout set.
func (c *ChangeRequest) IsCloseoutApprover(userID string) bool {
	if c == nil {
		return false
	}
	for _, id := range c.CloseoutApproverIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsViewer reports whether the user is in the explicit viewer list.
func (c *ChangeRequest) IsViewer(userID string) bool {
	if c == nil {
		return false
	}
	for _, id := range c.ViewerIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ChangeRequestFilter constrains listing queries.
type ChangeRequestFilter struct {
	Status       []ChangeStatus
	SubmitterID  string
	AssignedToID string
	DepartmentID string
	Search       string
	Page         int
	PageSize     int
}
