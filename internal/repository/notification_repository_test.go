package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/moc-api/internal/models"
)

func TestNotificationRepositoryCreateFillsDefaults(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewNotificationRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO notifications")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	n := &models.Notification{
		RecipientID:     "user-1",
		ChangeRequestID: "cr-1",
		Type:            models.NotificationStatusChange,
		Message:         "MOC-7 has been approved",
	}
	require.NoError(t, repo.Create(context.Background(), n))
	require.NotEmpty(t, n.ID)
	require.False(t, n.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepositoryListUnreadOnly(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewNotificationRepository(db)
	rows := sqlmock.NewRows([]string{"id", "recipient_id", "actor_id", "change_request_id", "type", "message", "is_read", "created_at"}).
		AddRow("n-1", "user-1", nil, "cr-1", "APPROVAL_REQUEST", "MOC-7 is awaiting your final review", false, time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, recipient_id, actor_id")).
		WithArgs("user-1").
		WillReturnRows(rows)

	list, err := repo.List(context.Background(), models.NotificationFilter{
		RecipientID: "user-1",
		UnreadOnly:  true,
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, models.NotificationApprovalRequest, list[0].Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepositoryMarkReadScopedToRecipient(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewNotificationRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET is_read = TRUE WHERE id")).
		WithArgs("n-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.MarkRead(context.Background(), "n-1", "user-1")
	require.NoError(t, err)
	require.True(t, ok)

	// someone else's notification is untouched
	mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET is_read = TRUE WHERE id")).
		WithArgs("n-1", "user-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.MarkRead(context.Background(), "n-1", "user-2")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepositoryUnreadCount(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewNotificationRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM notifications")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(5)))

	count, err := repo.UnreadCount(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), count)
	require.NoError(t, mock.ExpectationsWereMet())
}
