package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/moc-api/internal/models"
)

type staticResolver struct {
	users       map[string]string
	departments map[string]string
}

func (r staticResolver) UserNames(ctx context.Context, ids []string) (map[string]string, error) {
	return pick(r.users, ids), nil
}

func (r staticResolver) DepartmentNames(ctx context.Context, ids []string) (map[string]string, error) {
	return pick(r.departments, ids), nil
}

func pick(source map[string]string, ids []string) map[string]string {
	result := make(map[string]string)
	for _, id := range ids {
		if name, ok := source[id]; ok {
			result[id] = name
		}
	}
	return result
}

func testDiffEngine() *DiffEngine {
	return NewDiffEngine(staticResolver{
		users:       map[string]string{"u-bob": "Bob Carter", "u-amy": "Amy Singh", "u-zed": "Zed Okafor"},
		departments: map[string]string{"d-ops": "Operations", "d-maint": "Maintenance"},
	})
}

func TestDiffComputesChangedAddedRemoved(t *testing.T) {
	engine := testDiffEngine()
	target := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	oldCR := &models.ChangeRequest{Title: "Valve swap", RequiresShutdown: false, TargetDate: &target}
	newCR := &models.ChangeRequest{Title: "Valve swap rev B", RequiresShutdown: true}

	changes, err := engine.Compute(context.Background(), oldCR, newCR)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	byLabel := map[string]models.FieldChange{}
	for _, c := range changes {
		byLabel[c.FieldLabel] = c
	}

	require.Equal(t, models.FieldChangeChanged, byLabel["Title"].ChangeType)
	require.Equal(t, "Valve swap", byLabel["Title"].OldValue)
	require.Equal(t, "Valve swap rev B", byLabel["Title"].NewValue)

	require.Equal(t, models.FieldChangeChanged, byLabel["Requires Shutdown"].ChangeType)
	require.Equal(t, "No", byLabel["Requires Shutdown"].OldValue)
	require.Equal(t, "Yes", byLabel["Requires Shutdown"].NewValue)

	require.Equal(t, models.FieldChangeRemoved, byLabel["Target Date"].ChangeType)
	require.Equal(t, "2026-05-01", byLabel["Target Date"].OldValue)
	require.Empty(t, byLabel["Target Date"].NewValue)
}

func TestDiffResolvesIdentifiersToNames(t *testing.T) {
	engine := testDiffEngine()
	bob := "u-bob"
	amy := "u-amy"

	oldCR := &models.ChangeRequest{AssignedToID: &bob}
	newCR := &models.ChangeRequest{AssignedToID: &amy, DepartmentsAffected: []string{"d-maint", "d-ops"}}

	changes, err := engine.Compute(context.Background(), oldCR, newCR)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	byLabel := map[string]models.FieldChange{}
	for _, c := range changes {
		byLabel[c.FieldLabel] = c
	}
	require.Equal(t, "Bob Carter", byLabel["Assigned To"].OldValue)
	require.Equal(t, "Amy Singh", byLabel["Assigned To"].NewValue)
	// resolved names are sorted, not in stored order
	require.Equal(t, "Maintenance, Operations", byLabel["Departments Affected"].NewValue)
	require.Equal(t, models.FieldChangeAdded, byLabel["Departments Affected"].ChangeType)
}

func TestDiffIgnoresReorderedIdentifierSets(t *testing.T) {
	engine := testDiffEngine()

	oldCR := &models.ChangeRequest{ViewerIDs: []string{"u-bob", "u-amy", "u-zed"}}
	newCR := &models.ChangeRequest{ViewerIDs: []string{"u-zed", "u-bob", "u-amy"}}

	changes, err := engine.Compute(context.Background(), oldCR, newCR)
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestDiffUnresolvableIDFallsBackToRawID(t *testing.T) {
	engine := testDiffEngine()
	ghost := "u-ghost"

	oldCR := &models.ChangeRequest{}
	newCR := &models.ChangeRequest{AssignedToID: &ghost}

	changes, err := engine.Compute(context.Background(), oldCR, newCR)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "u-ghost", changes[0].NewValue)
}

func TestNormalizeValue(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, ""},
		{"string", "hello", "hello"},
		{"true", true, "Yes"},
		{"false", false, "No"},
		{"plain number", 42.5, "42.5"},
		{"epoch millis", float64(1767139200000), "2025-12-31"},
		{"epoch millis int", int64(1767139200000), "2025-12-31"},
		{"list", []string{"a", "b"}, "a, b"},
		{"nil float", (*float64)(nil), ""},
		{"nil time", (*time.Time)(nil), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, NormalizeValue(tc.in))
		})
	}
}
