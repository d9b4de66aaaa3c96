package models

import "time"

// NotificationType enumerates notification categories.
type NotificationType string

const (
	NotificationAssignment       NotificationType = "ASSIGNMENT"
	NotificationStatusChange     NotificationType = "STATUS_CHANGE"
	NotificationApprovalRequest  NotificationType = "APPROVAL_REQUEST"
	NotificationDepartmentVote   NotificationType = "DEPARTMENT_VOTE"
	NotificationCloseoutRequest  NotificationType = "CLOSEOUT_REQUEST"
)

// Notification is a per-recipient message created by the engine after a
// state transition. The engine never mutates a notification once written;
// only the recipient flips the read flag.
type Notification struct {
	ID              string           `db:"id" json:"id"`
	RecipientID     string           `db:"recipient_id" json:"recipient_id"`
	ActorID         *string          `db:"actor_id" json:"actor_id,omitempty"`
	ChangeRequestID string           `db:"change_request_id" json:"change_request_id"`
	Type            NotificationType `db:"type" json:"type"`
	Message         string           `db:"message" json:"message"`
	IsRead          bool             `db:"is_read" json:"is_read"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
}

// NotificationFilter constrains listing queries.
type NotificationFilter struct {
	RecipientID string
	UnreadOnly  bool
	Limit       int
	Offset      int
}
