package models

import (
	"time"

	"github.com/lib/pq"
)

// Department groups approvers responsible for one per-department sign-off.
// ApproverIDs is ordered; the first entry is the department's default
// approver used when approval slots are initialised.
type Department struct {
	ID          string         `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	ApproverIDs pq.StringArray `db:"approver_ids" json:"approver_ids"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// DefaultApproverID returns the first configured approver, if any.
func (d *Department) DefaultApproverID() string {
	if d == nil || len(d.ApproverIDs) == 0 {
		return ""
	}
	return d.ApproverIDs[0]
}

// HasApprover reports whether the given user belongs to the approver set.
func (d *Department) HasApprover(userID string) bool {
	if d == nil {
		return false
	}
	for _, id := range d.ApproverIDs {
		if id == userID {
			return true
		}
	}
	return false
}
