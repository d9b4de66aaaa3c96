package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// FieldChangeType classifies a single field difference.
type FieldChangeType string

const (
	FieldChangeAdded   FieldChangeType = "added"
	FieldChangeChanged FieldChangeType = "changed"
	FieldChangeRemoved FieldChangeType = "removed"
)

// FieldChange is one entry in an edit's field-level diff. Old and new values
// carry normalised display strings, with identifier fields already resolved
// to human-readable names.
type FieldChange struct {
	FieldLabel string          `json:"field_label"`
	OldValue   string          `json:"old_value,omitempty"`
	NewValue   string          `json:"new_value,omitempty"`
	ChangeType FieldChangeType `json:"change_type"`
}

// FieldChangeList persists a diff as a JSONB column.
type FieldChangeList []FieldChange

// Value implements driver.Valuer.
func (l FieldChangeList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *FieldChangeList) Scan(src interface{}) error {
	if src == nil {
		*l = FieldChangeList{}
		return nil
	}
	var raw []byte
	switch data := src.(type) {
	case []byte:
		raw = data
	case string:
		raw = []byte(data)
	default:
		return fmt.Errorf("unsupported field change source %T", src)
	}
	if len(raw) == 0 {
		*l = FieldChangeList{}
		return nil
	}
	return json.Unmarshal(raw, l)
}

// EditHistoryEntry records one material content edit. Entries are append-only
// and immutable once written.
type EditHistoryEntry struct {
	ID              string          `db:"id" json:"id"`
	ChangeRequestID string          `db:"change_request_id" json:"change_request_id"`
	EditedByID      string          `db:"edited_by_id" json:"edited_by_id"`
	EditedByName    string          `db:"edited_by_name" json:"edited_by_name"`
	Description     string          `db:"description" json:"description"`
	FieldChanges    FieldChangeList `db:"field_changes" json:"field_changes"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}
