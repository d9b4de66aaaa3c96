package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fieldops/moc-api/internal/models"
)

// EditHistoryRepository persists the append-only edit trail.
type EditHistoryRepository struct {
	db *sqlx.DB
}

// NewEditHistoryRepository constructs the repository.
func NewEditHistoryRepository(db *sqlx.DB) *EditHistoryRepository {
	return &EditHistoryRepository{db: db}
}

// Create appends an edit history entry. Entries are never updated or
// deleted individually; only a cascade delete of the parent removes them.
func (r *EditHistoryRepository) Create(ctx context.Context, entry *models.EditHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO edit_history
	(id, change_request_id, edited_by_id, edited_by_name, description, field_changes, created_at)
	VALUES (:id, :change_request_id, :edited_by_id, :edited_by_name, :description, :field_changes, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("create edit history entry: %w", err)
	}
	return nil
}

// ListByChangeRequest returns the edit trail, newest first.
func (r *EditHistoryRepository) ListByChangeRequest(ctx context.Context, changeRequestID string) ([]models.EditHistoryEntry, error) {
	const query = `SELECT id, change_request_id, edited_by_id, edited_by_name, description, field_changes, created_at
	FROM edit_history WHERE change_request_id = $1 ORDER BY created_at DESC`
	var entries []models.EditHistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, changeRequestID); err != nil {
		return nil, fmt.Errorf("list edit history: %w", err)
	}
	return entries, nil
}
