package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fieldops/moc-api/internal/models"
)

// ErrVersionConflict signals that a concurrent writer advanced the change
// request between the caller's read and write. Callers retry the whole
// read-validate-write cycle.
var ErrVersionConflict = errors.New("change request version conflict")

const changeRequestColumns = `id, sequence_number, status, submitter_id, assigned_to_id, requesting_department_id,
       departments_affected, technical_authority_ids, technical_authority_votes,
       closeout_approver_ids, closeout_votes, viewer_ids,
       title, description, reason_for_change, risk_assessment, impact_assessment,
       category, priority, target_date, estimated_cost, requires_shutdown,
       date_raised, submitted_at, reviewed_at, reviewer_id, review_comments,
       version, created_at, updated_at`

// ChangeRequestRepository persists change requests and their approval slots.
type ChangeRequestRepository struct {
	db *sqlx.DB
}

// NewChangeRequestRepository constructs the repository.
func NewChangeRequestRepository(db *sqlx.DB) *ChangeRequestRepository {
	return &ChangeRequestRepository{db: db}
}

// NextSequence atomically allocates the next sequence number. The dedicated
// counter row is locked for the duration of the statement, so concurrent
// creations observe distinct, contiguous values.
func (r *ChangeRequestRepository) NextSequence(ctx context.Context) (int64, error) {
	const query = `INSERT INTO sequences (name, value) VALUES ('change_requests', 1)
	ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
	RETURNING value`
	var value int64
	if err := r.db.GetContext(ctx, &value, query); err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	return value, nil
}

// Create inserts a new change request row.
func (r *ChangeRequestRepository) Create(ctx context.Context, cr *models.ChangeRequest) error {
	now := time.Now().UTC()
	if cr.ID == "" {
		cr.ID = uuid.NewString()
	}
	if cr.Status == "" {
		cr.Status = models.StatusDraft
	}
	if cr.DateRaised.IsZero() {
		cr.DateRaised = now
	}
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = now
	}
	cr.UpdatedAt = now
	if cr.Version == 0 {
		cr.Version = 1
	}
	if cr.TechnicalAuthorityVotes == nil {
		cr.TechnicalAuthorityVotes = models.VoteMap{}
	}
	if cr.CloseoutVotes == nil {
		cr.CloseoutVotes = models.VoteMap{}
	}

	const query = `INSERT INTO change_requests
	(id, sequence_number, status, submitter_id, assigned_to_id, requesting_department_id,
	 departments_affected, technical_authority_ids, technical_authority_votes,
	 closeout_approver_ids, closeout_votes, viewer_ids,
	 title, description, reason_for_change, risk_assessment, impact_assessment,
	 category, priority, target_date, estimated_cost, requires_shutdown,
	 date_raised, submitted_at, reviewed_at, reviewer_id, review_comments,
	 version, created_at, updated_at)
	VALUES (:id, :sequence_number, :status, :submitter_id, :assigned_to_id, :requesting_department_id,
	 :departments_affected, :technical_authority_ids, :technical_authority_votes,
	 :closeout_approver_ids, :closeout_votes, :viewer_ids,
	 :title, :description, :reason_for_change, :risk_assessment, :impact_assessment,
	 :category, :priority, :target_date, :estimated_cost, :requires_shutdown,
	 :date_raised, :submitted_at, :reviewed_at, :reviewer_id, :review_comments,
	 :version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, cr); err != nil {
		return fmt.Errorf("create change request: %w", err)
	}
	return nil
}

// GetByID fetches a change request with its ordered department approvals.
func (r *ChangeRequestRepository) GetByID(ctx context.Context, id string) (*models.ChangeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM change_requests WHERE id = $1`, changeRequestColumns)
	var cr models.ChangeRequest
	if err := r.db.GetContext(ctx, &cr, query, id); err != nil {
		return nil, err
	}
	approvals, err := r.listApprovals(ctx, id)
	if err != nil {
		return nil, err
	}
	cr.DepartmentApprovals = approvals
	return &cr, nil
}

func (r *ChangeRequestRepository) listApprovals(ctx context.Context, changeRequestID string) ([]models.DepartmentApproval, error) {
	const query = `SELECT id, change_request_id, department_id, position, status, approver_id, approved_at, comments
	FROM department_approvals WHERE change_request_id = $1 ORDER BY position ASC`
	var approvals []models.DepartmentApproval
	if err := r.db.SelectContext(ctx, &approvals, query, changeRequestID); err != nil {
		return nil, fmt.Errorf("list department approvals: %w", err)
	}
	return approvals, nil
}

// List returns change requests matching the filter (newest first) plus the
// total count for pagination. Approvals are not hydrated for list views.
func (r *ChangeRequestRepository) List(ctx context.Context, filter models.ChangeRequestFilter) ([]models.ChangeRequest, int, error) {
	conditions := make([]string, 0, 4)
	args := make([]interface{}, 0, 6)

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.SubmitterID != "" {
		args = append(args, filter.SubmitterID)
		conditions = append(conditions, fmt.Sprintf("submitter_id = $%d", len(args)))
	}
	if filter.AssignedToID != "" {
		args = append(args, filter.AssignedToID)
		conditions = append(conditions, fmt.Sprintf("assigned_to_id = $%d", len(args)))
	}
	if filter.DepartmentID != "" {
		args = append(args, filter.DepartmentID)
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(departments_affected)", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		conditions = append(conditions, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM change_requests"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count change requests: %w", err)
	}

	page := filter.Page
	if page <= 0 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	query := fmt.Sprintf("SELECT %s FROM change_requests%s ORDER BY sequence_number DESC LIMIT %d OFFSET %d",
		changeRequestColumns, where, pageSize, (page-1)*pageSize)

	var requests []models.ChangeRequest
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list change requests: %w", err)
	}
	return requests, total, nil
}

// UpdateChangeRequestParams groups a versioned update.
type UpdateChangeRequestParams struct {
	Request *models.ChangeRequest
	// ReplaceApprovals rewrites the department_approvals rows from
	// Request.DepartmentApprovals inside the same transaction.
	ReplaceApprovals bool
}

// Update persists the change request guarded by its version column. The row
// is only written when the stored version matches the version the caller
// read; otherwise ErrVersionConflict is returned and nothing changes.
func (r *ChangeRequestRepository) Update(ctx context.Context, params UpdateChangeRequestParams) error {
	cr := params.Request
	cr.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `UPDATE change_requests SET
	 status = :status,
	 assigned_to_id = :assigned_to_id,
	 requesting_department_id = :requesting_department_id,
	 departments_affected = :departments_affected,
	 technical_authority_ids = :technical_authority_ids,
	 technical_authority_votes = :technical_authority_votes,
	 closeout_approver_ids = :closeout_approver_ids,
	 closeout_votes = :closeout_votes,
	 viewer_ids = :viewer_ids,
	 title = :title,
	 description = :description,
	 reason_for_change = :reason_for_change,
	 risk_assessment = :risk_assessment,
	 impact_assessment = :impact_assessment,
	 category = :category,
	 priority = :priority,
	 target_date = :target_date,
	 estimated_cost = :estimated_cost,
	 requires_shutdown = :requires_shutdown,
	 submitted_at = :submitted_at,
	 reviewed_at = :reviewed_at,
	 reviewer_id = :reviewer_id,
	 review_comments = :review_comments,
	 updated_at = :updated_at,
	 version = version + 1
	WHERE id = :id AND version = :version`

	result, err := tx.NamedExecContext(ctx, query, cr)
	if err != nil {
		return fmt.Errorf("update change request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update change request: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}

	if params.ReplaceApprovals {
		if _, err := tx.ExecContext(ctx, `DELETE FROM department_approvals WHERE change_request_id = $1`, cr.ID); err != nil {
			return fmt.Errorf("clear department approvals: %w", err)
		}
		const insert = `INSERT INTO department_approvals
		(id, change_request_id, department_id, position, status, approver_id, approved_at, comments)
		VALUES (:id, :change_request_id, :department_id, :position, :status, :approver_id, :approved_at, :comments)`
		for i := range cr.DepartmentApprovals {
			slot := &cr.DepartmentApprovals[i]
			if slot.ID == "" {
				slot.ID = uuid.NewString()
			}
			slot.ChangeRequestID = cr.ID
			if _, err := tx.NamedExecContext(ctx, insert, slot); err != nil {
				return fmt.Errorf("write department approval: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	cr.Version++
	return nil
}

// Delete removes a change request and cascades its approvals, edit history
// and notifications in one transaction.
func (r *ChangeRequestRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM department_approvals WHERE change_request_id = $1`,
		`DELETE FROM edit_history WHERE change_request_id = $1`,
		`DELETE FROM notifications WHERE change_request_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("cascade delete: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM change_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete change request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete change request: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return tx.Commit()
}
