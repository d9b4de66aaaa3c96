package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fieldops/moc-api/internal/models"
)

// DepartmentRepository provides read access to departments and their
// configured approver lists.
type DepartmentRepository struct {
	db *sqlx.DB
}

// NewDepartmentRepository constructs the repository.
func NewDepartmentRepository(db *sqlx.DB) *DepartmentRepository {
	return &DepartmentRepository{db: db}
}

// GetByID returns a department by identifier.
func (r *DepartmentRepository) GetByID(ctx context.Context, id string) (*models.Department, error) {
	const query = `SELECT id, name, approver_ids, created_at, updated_at FROM departments WHERE id = $1`
	var dept models.Department
	if err := r.db.GetContext(ctx, &dept, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find department: %w", err)
	}
	return &dept, nil
}

// GetByIDs returns the named departments keyed by ID. Unknown IDs are
// omitted; the caller decides whether that is an error.
func (r *DepartmentRepository) GetByIDs(ctx context.Context, ids []string) (map[string]*models.Department, error) {
	if len(ids) == 0 {
		return map[string]*models.Department{}, nil
	}
	const query = `SELECT id, name, approver_ids, created_at, updated_at FROM departments WHERE id = ANY($1)`
	var departments []models.Department
	if err := r.db.SelectContext(ctx, &departments, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("find departments: %w", err)
	}
	result := make(map[string]*models.Department, len(departments))
	for i := range departments {
		result[departments[i].ID] = &departments[i]
	}
	return result, nil
}

// List returns all departments ordered by name.
func (r *DepartmentRepository) List(ctx context.Context) ([]models.Department, error) {
	const query = `SELECT id, name, approver_ids, created_at, updated_at FROM departments ORDER BY name ASC`
	var departments []models.Department
	if err := r.db.SelectContext(ctx, &departments, query); err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	return departments, nil
}
