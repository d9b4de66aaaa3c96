package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fieldops/moc-api/internal/models"
)

// epochMillisThreshold separates plain numbers from epoch-millisecond
// timestamps when normalising numeric values for display.
const epochMillisThreshold = 1e12

// NameResolver resolves identifier fields into human-readable display names.
type NameResolver interface {
	UserNames(ctx context.Context, ids []string) (map[string]string, error)
	DepartmentNames(ctx context.Context, ids []string) (map[string]string, error)
}

type fieldKind int

const (
	kindText fieldKind = iota
	kindBool
	kindNumber
	kindDate
	kindUserID
	kindUserIDSet
	kindDepartmentID
	kindDepartmentIDSet
)

// fieldSpec is one entry in the tracked-field registry. The same registry
// drives both the idempotence check and the emitted diff, so the two can
// never disagree about what counts as a change.
type fieldSpec struct {
	key   string
	label string
	kind  fieldKind
	get   func(cr *models.ChangeRequest) interface{}
}

var trackedFields = []fieldSpec{
	{"title", "Title", kindText, func(cr *models.ChangeRequest) interface{} { return cr.Title }},
	{"description", "Description", kindText, func(cr *models.ChangeRequest) interface{} { return cr.Description }},
	{"reason_for_change", "Reason for Change", kindText, func(cr *models.ChangeRequest) interface{} { return cr.ReasonForChange }},
	{"risk_assessment", "Risk Assessment", kindText, func(cr *models.ChangeRequest) interface{} { return cr.RiskAssessment }},
	{"impact_assessment", "Impact Assessment", kindText, func(cr *models.ChangeRequest) interface{} { return cr.ImpactAssessment }},
	{"category", "Category", kindText, func(cr *models.ChangeRequest) interface{} { return cr.Category }},
	{"priority", "Priority", kindText, func(cr *models.ChangeRequest) interface{} { return cr.Priority }},
	{"target_date", "Target Date", kindDate, func(cr *models.ChangeRequest) interface{} { return cr.TargetDate }},
	{"estimated_cost", "Estimated Cost", kindNumber, func(cr *models.ChangeRequest) interface{} { return cr.EstimatedCost }},
	{"requires_shutdown", "Requires Shutdown", kindBool, func(cr *models.ChangeRequest) interface{} { return cr.RequiresShutdown }},
	{"assigned_to_id", "Assigned To", kindUserID, func(cr *models.ChangeRequest) interface{} { return cr.AssignedToID }},
	{"requesting_department_id", "Requesting Department", kindDepartmentID, func(cr *models.ChangeRequest) interface{} { return cr.RequestingDepartmentID }},
	{"departments_affected", "Departments Affected", kindDepartmentIDSet, func(cr *models.ChangeRequest) interface{} { return []string(cr.DepartmentsAffected) }},
	{"technical_authority_ids", "Technical Authority Approvers", kindUserIDSet, func(cr *models.ChangeRequest) interface{} { return []string(cr.TechnicalAuthorityIDs) }},
	{"closeout_approver_ids", "Closeout Approvers", kindUserIDSet, func(cr *models.ChangeRequest) interface{} { return []string(cr.CloseoutApproverIDs) }},
	{"viewer_ids", "Viewers", kindUserIDSet, func(cr *models.ChangeRequest) interface{} { return []string(cr.ViewerIDs) }},
}

// DiffEngine computes label-resolved field diffs between change request
// snapshots.
type DiffEngine struct {
	resolver NameResolver
}

// NewDiffEngine constructs the engine.
func NewDiffEngine(resolver NameResolver) *DiffEngine {
	return &DiffEngine{resolver: resolver}
}

// Compute returns the ordered field-change list between old and new
// snapshots. Fields equal after normalisation are omitted; identifier sets
// compare order-insensitively. An empty result means the edit is immaterial.
func (e *DiffEngine) Compute(ctx context.Context, oldCR, newCR *models.ChangeRequest) ([]models.FieldChange, error) {
	userNames, deptNames, err := e.resolveNames(ctx, oldCR, newCR)
	if err != nil {
		return nil, err
	}

	changes := make([]models.FieldChange, 0, 4)
	for _, field := range trackedFields {
		oldVal := normalizeField(field, field.get(oldCR), userNames, deptNames)
		newVal := normalizeField(field, field.get(newCR), userNames, deptNames)
		if oldVal == newVal {
			continue
		}
		change := models.FieldChange{FieldLabel: field.label, OldValue: oldVal, NewValue: newVal}
		switch {
		case oldVal == "":
			change.ChangeType = models.FieldChangeAdded
		case newVal == "":
			change.ChangeType = models.FieldChangeRemoved
		default:
			change.ChangeType = models.FieldChangeChanged
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func (e *DiffEngine) resolveNames(ctx context.Context, snapshots ...*models.ChangeRequest) (map[string]string, map[string]string, error) {
	userIDs := map[string]struct{}{}
	deptIDs := map[string]struct{}{}
	for _, cr := range snapshots {
		if cr.AssignedToID != nil && *cr.AssignedToID != "" {
			userIDs[*cr.AssignedToID] = struct{}{}
		}
		for _, id := range cr.TechnicalAuthorityIDs {
			userIDs[id] = struct{}{}
		}
		for _, id := range cr.CloseoutApproverIDs {
			userIDs[id] = struct{}{}
		}
		for _, id := range cr.ViewerIDs {
			userIDs[id] = struct{}{}
		}
		if cr.RequestingDepartmentID != nil && *cr.RequestingDepartmentID != "" {
			deptIDs[*cr.RequestingDepartmentID] = struct{}{}
		}
		for _, id := range cr.DepartmentsAffected {
			deptIDs[id] = struct{}{}
		}
	}

	userNames, err := e.resolver.UserNames(ctx, keys(userIDs))
	if err != nil {
		return nil, nil, fmt.Errorf("resolve user names: %w", err)
	}
	deptNames, err := e.resolver.DepartmentNames(ctx, keys(deptIDs))
	if err != nil {
		return nil, nil, fmt.Errorf("resolve department names: %w", err)
	}
	return userNames, deptNames, nil
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// normalizeField renders a field value as its display string. Identifier
// sets are resolved to names and sorted before joining so reordering never
// produces a spurious diff.
func normalizeField(field fieldSpec, value interface{}, userNames, deptNames map[string]string) string {
	switch field.kind {
	case kindUserID:
		return resolveSingle(value, userNames)
	case kindDepartmentID:
		return resolveSingle(value, deptNames)
	case kindUserIDSet:
		return resolveSet(value, userNames)
	case kindDepartmentIDSet:
		return resolveSet(value, deptNames)
	default:
		return NormalizeValue(value)
	}
}

func resolveSingle(value interface{}, names map[string]string) string {
	id, ok := value.(*string)
	if !ok || id == nil || *id == "" {
		return ""
	}
	if name, found := names[*id]; found {
		return name
	}
	return *id
}

func resolveSet(value interface{}, names map[string]string) string {
	ids, ok := value.([]string)
	if !ok || len(ids) == 0 {
		return ""
	}
	resolved := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, found := names[id]; found {
			resolved = append(resolved, name)
		} else {
			resolved = append(resolved, id)
		}
	}
	sort.Strings(resolved)
	return strings.Join(resolved, ", ")
}

// NormalizeValue renders a scalar for display: booleans become Yes/No,
// epoch-millisecond magnitudes become calendar dates, lists are
// comma-joined, nil pointers become empty strings.
func NormalizeValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "Yes"
		}
		return "No"
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.UTC().Format("2006-01-02")
	case time.Time:
		return v.UTC().Format("2006-01-02")
	case *float64:
		if v == nil {
			return ""
		}
		return NormalizeValue(*v)
	case float64:
		if v >= epochMillisThreshold {
			return time.UnixMilli(int64(v)).UTC().Format("2006-01-02")
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		if float64(v) >= epochMillisThreshold {
			return time.UnixMilli(v).UTC().Format("2006-01-02")
		}
		return strconv.FormatInt(v, 10)
	case []string:
		return strings.Join(v, ", ")
	default:
		return fmt.Sprintf("%v", v)
	}
}
