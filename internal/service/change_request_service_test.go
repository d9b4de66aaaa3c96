package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/moc-api/internal/dto"
	"github.com/fieldops/moc-api/internal/models"
	appErrors "github.com/fieldops/moc-api/pkg/errors"
)

type userDirectoryStub struct {
	names    map[string]string
	approved map[string]bool
}

func newUserDirectoryStub() *userDirectoryStub {
	return &userDirectoryStub{names: map[string]string{}, approved: map[string]bool{}}
}

func (m *userDirectoryStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	name, ok := m.names[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.User{ID: id, FullName: name, Active: true, Approved: m.approved[id]}, nil
}

func (m *userDirectoryStub) ExistsApproved(ctx context.Context, id string) (bool, error) {
	return m.approved[id], nil
}

func (m *userDirectoryStub) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	result := make(map[string]string)
	for _, id := range ids {
		if name, ok := m.names[id]; ok {
			result[id] = name
		}
	}
	return result, nil
}

type editHistoryStub struct {
	entries []*models.EditHistoryEntry
}

func (m *editHistoryStub) Create(ctx context.Context, entry *models.EditHistoryEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *editHistoryStub) ListByChangeRequest(ctx context.Context, changeRequestID string) ([]models.EditHistoryEntry, error) {
	var result []models.EditHistoryEntry
	for _, entry := range m.entries {
		if entry.ChangeRequestID == changeRequestID {
			result = append(result, *entry)
		}
	}
	return result, nil
}

type changeRequestFixture struct {
	repo     *changeRequestRepoStub
	users    *userDirectoryStub
	history  *editHistoryStub
	notifier *notifierStub
	svc      *ChangeRequestService
}

func newChangeRequestFixture(t *testing.T, departments ...*models.Department) *changeRequestFixture {
	t.Helper()
	repo := newChangeRequestRepoStub()
	users := newUserDirectoryStub()
	history := &editHistoryStub{}
	notifier := &notifierStub{}
	svc := NewChangeRequestService(repo, newDepartmentRepoStub(departments...), users, history, notifier, nil, nil, 3)
	return &changeRequestFixture{repo: repo, users: users, history: history, notifier: notifier, svc: svc}
}

func TestCreateAllocatesSequenceAndDrafts(t *testing.T) {
	ops := &models.Department{ID: "dept-ops", Name: "Operations", ApproverIDs: []string{"olga"}}
	f := newChangeRequestFixture(t, ops)
	f.users.approved["bob"] = true
	assignee := "bob"

	first, err := f.svc.Create(context.Background(), dto.CreateChangeRequestRequest{
		Title:               "Replace relief valve",
		DepartmentsAffected: []string{"dept-ops"},
		AssignedToID:        &assignee,
	}, engineerClaims("alice"))
	require.NoError(t, err)
	require.Equal(t, models.StatusDraft, first.Status)
	require.Equal(t, int64(1), first.SequenceNumber)
	require.Equal(t, "MOC-1", first.DisplayID())
	require.Equal(t, "alice", first.SubmitterID)

	second, err := f.svc.Create(context.Background(), dto.CreateChangeRequestRequest{
		Title: "Spare pump rewire",
	}, engineerClaims("alice"))
	require.NoError(t, err)
	require.Equal(t, int64(2), second.SequenceNumber)

	// assignment notification for the first request only
	require.Len(t, f.notifier.plans, 1)
	require.Equal(t, models.NotificationAssignment, f.notifier.plans[0].Type)
	require.Equal(t, []string{"bob"}, f.notifier.plans[0].Recipients)
}

func TestCreateRejectsUnknownDepartment(t *testing.T) {
	f := newChangeRequestFixture(t)

	_, err := f.svc.Create(context.Background(), dto.CreateChangeRequestRequest{
		Title:               "Bad routing",
		DepartmentsAffected: []string{"dept-ghost"},
	}, engineerClaims("alice"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestCreateRejectsUnapprovedAssignee(t *testing.T) {
	f := newChangeRequestFixture(t)
	assignee := "ghost"

	_, err := f.svc.Create(context.Background(), dto.CreateChangeRequestRequest{
		Title:        "Unassignable",
		AssignedToID: &assignee,
	}, engineerClaims("alice"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestEditDuringReviewResetsApprovals(t *testing.T) {
	ops := &models.Department{ID: "dept-ops", Name: "Operations", ApproverIDs: []string{"olga"}}
	f := newChangeRequestFixture(t, ops)
	cr := pendingDepartmentRequest("dept-ops")
	cr.Title = "Replace relief valve"
	cr.DepartmentApprovals[0].Status = models.DecisionApproved
	cr.TechnicalAuthorityVotes = models.VoteMap{"tina": models.DecisionApproved}
	f.repo.requests["cr-1"] = cr

	title := "Replace relief valve and bypass"
	result, err := f.svc.UpdateContent(context.Background(), "cr-1",
		dto.UpdateChangeRequestRequest{Title: &title}, engineerClaims("alice"))
	require.NoError(t, err)
	require.Equal(t, models.StatusDraft, result.Status)
	require.Empty(t, result.TechnicalAuthorityVotes)
	require.Len(t, result.DepartmentApprovals, 1)
	require.Equal(t, models.DecisionPending, result.DepartmentApprovals[0].Status)

	require.Len(t, f.history.entries, 1)
	entry := f.history.entries[0]
	require.Equal(t, "alice", entry.EditedByID)
	require.Len(t, entry.FieldChanges, 1)
	require.Equal(t, "Title", entry.FieldChanges[0].FieldLabel)
	require.Equal(t, models.FieldChangeChanged, entry.FieldChanges[0].ChangeType)
}

func TestImmaterialEditIsANoOp(t *testing.T) {
	ops := &models.Department{ID: "dept-ops", Name: "Operations", ApproverIDs: []string{"olga"}}
	f := newChangeRequestFixture(t, ops)
	cr := pendingDepartmentRequest("dept-ops")
	cr.Title = "Replace relief valve"
	cr.ViewerIDs = []string{"vera", "vince"}
	cr.DepartmentApprovals[0].Status = models.DecisionApproved
	f.repo.requests["cr-1"] = cr

	// Same title, viewer list merely reordered.
	title := "Replace relief valve"
	result, err := f.svc.UpdateContent(context.Background(), "cr-1", dto.UpdateChangeRequestRequest{
		Title:     &title,
		ViewerIDs: &[]string{"vince", "vera"},
	}, engineerClaims("alice"))
	require.NoError(t, err)
	require.Equal(t, models.StatusPendingDepartment, result.Status)
	require.Equal(t, models.DecisionApproved, result.DepartmentApprovals[0].Status)
	require.Empty(t, f.history.entries)
	require.Zero(t, f.repo.updates)
}

func TestEditDraftKeepsDraftStatus(t *testing.T) {
	f := newChangeRequestFixture(t)
	cr := pendingDepartmentRequest()
	cr.Status = models.StatusDraft
	f.repo.requests["cr-1"] = cr

	desc := "Install the new control loop"
	result, err := f.svc.UpdateContent(context.Background(), "cr-1",
		dto.UpdateChangeRequestRequest{Description: &desc}, engineerClaims("alice"))
	require.NoError(t, err)
	require.Equal(t, models.StatusDraft, result.Status)
	require.Len(t, f.history.entries, 1)
}

func TestEditRefusedInTerminalStatus(t *testing.T) {
	f := newChangeRequestFixture(t)
	cr := pendingDepartmentRequest()
	cr.Status = models.StatusInProgress
	f.repo.requests["cr-1"] = cr

	title := "too late"
	_, err := f.svc.UpdateContent(context.Background(), "cr-1",
		dto.UpdateChangeRequestRequest{Title: &title}, engineerClaims("alice"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrInvalidStatus.Code, appErrors.FromError(err).Code)
}

func TestEditByUnrelatedActorForbidden(t *testing.T) {
	f := newChangeRequestFixture(t)
	cr := pendingDepartmentRequest()
	cr.Status = models.StatusDraft
	f.repo.requests["cr-1"] = cr

	title := "hijack"
	_, err := f.svc.UpdateContent(context.Background(), "cr-1",
		dto.UpdateChangeRequestRequest{Title: &title}, engineerClaims("stranger"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestClearTargetDateRecordsRemoval(t *testing.T) {
	f := newChangeRequestFixture(t)
	target := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	cr := pendingDepartmentRequest()
	cr.Status = models.StatusDraft
	cr.TargetDate = &target
	f.repo.requests["cr-1"] = cr

	result, err := f.svc.UpdateContent(context.Background(), "cr-1",
		dto.UpdateChangeRequestRequest{ClearTargetDate: true}, engineerClaims("alice"))
	require.NoError(t, err)
	require.Nil(t, result.TargetDate)

	require.Len(t, f.history.entries, 1)
	change := f.history.entries[0].FieldChanges[0]
	require.Equal(t, "Target Date", change.FieldLabel)
	require.Equal(t, models.FieldChangeRemoved, change.ChangeType)
	require.Equal(t, "2026-03-14", change.OldValue)
}

func TestDeleteRequiresDeletableState(t *testing.T) {
	f := newChangeRequestFixture(t)
	f.repo.requests["cr-1"] = pendingDepartmentRequest()

	err := f.svc.Delete(context.Background(), "cr-1", engineerClaims("alice"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrInvalidStatus.Code, appErrors.FromError(err).Code)

	cr := f.repo.requests["cr-1"]
	cr.Status = models.StatusCancelled
	require.NoError(t, f.svc.Delete(context.Background(), "cr-1", engineerClaims("alice")))
	require.Empty(t, f.repo.requests)
}

func TestDeleteByNonSubmitterForbidden(t *testing.T) {
	f := newChangeRequestFixture(t)
	cr := pendingDepartmentRequest()
	cr.Status = models.StatusRejected
	f.repo.requests["cr-1"] = cr

	err := f.svc.Delete(context.Background(), "cr-1", engineerClaims("stranger"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	require.NoError(t, f.svc.Delete(context.Background(), "cr-1", adminClaims("root")))
}

func TestGetEnforcesViewerScoping(t *testing.T) {
	f := newChangeRequestFixture(t)
	cr := pendingDepartmentRequest()
	cr.ViewerIDs = []string{"vera"}
	f.repo.requests["cr-1"] = cr

	_, err := f.svc.Get(context.Background(), "cr-1", engineerClaims("stranger"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	got, err := f.svc.Get(context.Background(), "cr-1", engineerClaims("vera"))
	require.NoError(t, err)
	require.Equal(t, "cr-1", got.ID)

	got, err = f.svc.Get(context.Background(), "cr-1", engineerClaims("alice"))
	require.NoError(t, err)
	require.Equal(t, "cr-1", got.ID)
}

func TestListHidesRestrictedRowsKeepingTotalCount(t *testing.T) {
	f := newChangeRequestFixture(t)
	open := pendingDepartmentRequest()
	open.ID = "cr-open"
	restricted := pendingDepartmentRequest()
	restricted.ID = "cr-restricted"
	restricted.SubmitterID = "bob"
	restricted.ViewerIDs = []string{"vera"}
	f.repo.requests["cr-open"] = open
	f.repo.requests["cr-restricted"] = restricted

	requests, pagination, err := f.svc.List(context.Background(), dto.ChangeRequestQuery{}, engineerClaims("stranger"))
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, "cr-open", requests[0].ID)
	require.Equal(t, 2, pagination.TotalCount)
}

func TestDepartmentApproverCanReadRestrictedRequest(t *testing.T) {
	ops := &models.Department{ID: "dept-ops", Name: "Operations", ApproverIDs: []string{"olga"}}
	f := newChangeRequestFixture(t, ops)
	cr := pendingDepartmentRequest("dept-ops")
	cr.ViewerIDs = []string{"vera"}
	f.repo.requests["cr-1"] = cr

	got, err := f.svc.Get(context.Background(), "cr-1", engineerClaims("olga"))
	require.NoError(t, err)
	require.Equal(t, "cr-1", got.ID)

	_, err = f.svc.Get(context.Background(), "cr-1", engineerClaims("stranger"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestDraftHiddenFromViewers(t *testing.T) {
	f := newChangeRequestFixture(t)
	cr := pendingDepartmentRequest()
	cr.Status = models.StatusDraft
	cr.ViewerIDs = []string{"vera"}
	f.repo.requests["cr-1"] = cr

	_, err := f.svc.Get(context.Background(), "cr-1", engineerClaims("vera"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestHistoryNewestVisibleToParticipants(t *testing.T) {
	f := newChangeRequestFixture(t)
	cr := pendingDepartmentRequest()
	cr.Status = models.StatusDraft
	f.repo.requests["cr-1"] = cr

	title := "v2"
	_, err := f.svc.UpdateContent(context.Background(), "cr-1",
		dto.UpdateChangeRequestRequest{Title: &title}, engineerClaims("alice"))
	require.NoError(t, err)

	entries, err := f.svc.History(context.Background(), "cr-1", engineerClaims("alice"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "User alice", entries[0].EditedByName)
}
