package scope

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

const (
	FieldID           = "id"
	FieldCompanyID    = "companyId"
	FieldTeamID       = "teamId"
	FieldParentTeamID = "parentTeamId"
	FieldLeaderID     = "leaderId"
	FieldEmployeeID   = "employeeId"
	FieldDepartmentID = "departmentId"
	FieldSubjectKind  = "subjectKind"
	FieldSubjectID    = "subjectId"
	FieldKPIID        = "kpiId"
	FieldAggregateID  = "aggregateId"
	FieldStatus       = "status"
	FieldPeriodStart  = "periodStart"
	FieldPeriodEnd    = "periodEnd"
)

var columns = map[string]string{
	FieldID:           "id",
	FieldCompanyID:    "company_id",
	FieldTeamID:       "team_id",
	FieldParentTeamID: "parent_team_id",
	FieldLeaderID:     "leader_id",
	FieldEmployeeID:   "employee_id",
	FieldDepartmentID: "department_id",
	FieldSubjectKind:  "subject_kind",
	FieldSubjectID:    "subject_id",
	FieldKPIID:        "kpi_id",
	FieldAggregateID:  "aggregate_id",
	FieldStatus:       "status",
	FieldPeriodStart:  "period_start",
	FieldPeriodEnd:    "period_end",
}

// casts types placeholders of non-text columns; values stay YYYY-MM-DD strings.
var casts = map[string]string{
	FieldPeriodStart: "date",
	FieldPeriodEnd:   "date",
}

// Filter is a conjunction of equality constraints keyed by field name. A
// value is either a string or a []string (membership); an empty []string
// matches nothing.
type Filter map[string]any

func (f Filter) Clone() Filter {
	out := make(Filter, len(f))
	for k, v := range f {
		if ids, ok := v.([]string); ok {
			out[k] = slices.Clone(ids)
			continue
		}
		out[k] = v
	}
	return out
}

func (f Filter) Where(field string, value any) Filter {
	f[field] = value
	return f
}

// Value returns the single value constraining field, if any.
func (f Filter) Value(field string) (string, bool) {
	v, ok := f[field].(string)
	return v, ok
}

func (f Filter) fields() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SQL renders the filter as " AND col = $n" clauses with positional
// arguments starting at startPos. Only whitelisted fields are accepted.
func (f Filter) SQL(startPos int) (string, []any, error) {
	var b strings.Builder
	args := make([]any, 0, len(f))
	pos := startPos
	for _, field := range f.fields() {
		column, ok := columns[field]
		if !ok {
			return "", nil, fmt.Errorf("unknown filter field %q", field)
		}
		cast := ""
		if t, ok := casts[field]; ok {
			cast = "::" + t
		}
		switch v := f[field].(type) {
		case string:
			fmt.Fprintf(&b, " AND %s = $%d%s", column, pos, cast)
			args = append(args, v)
		case []string:
			if cast != "" {
				cast += "[]"
			}
			fmt.Fprintf(&b, " AND %s = ANY($%d%s)", column, pos, cast)
			args = append(args, v)
		default:
			return "", nil, fmt.Errorf("unsupported filter value for %q: %T", field, v)
		}
		pos++
	}
	return b.String(), args, nil
}

// Matches evaluates the filter against a row's field values. A field the
// row does not carry compares as the empty string.
func (f Filter) Matches(row map[string]string) bool {
	for field, want := range f {
		got := row[field]
		switch v := want.(type) {
		case string:
			if got != v {
				return false
			}
		case []string:
			if !slices.Contains(v, got) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// And returns the conjunction of f and other. Constraints on the same field
// are intersected; an empty intersection matches nothing.
func (f Filter) And(other Filter) Filter {
	out := f.Clone()
	for field, v := range other {
		existing, ok := out[field]
		if !ok {
			if ids, isSlice := v.([]string); isSlice {
				v = slices.Clone(ids)
			}
			out[field] = v
			continue
		}
		out[field] = intersect(existing, v)
	}
	return out
}

func asSet(v any) ([]string, bool) {
	switch t := v.(type) {
	case string:
		return []string{t}, true
	case []string:
		return t, true
	}
	return nil, false
}

func intersect(a, b any) any {
	left, okA := asSet(a)
	right, okB := asSet(b)
	if !okA || !okB {
		return []string{}
	}
	common := []string{}
	for _, v := range left {
		if slices.Contains(right, v) && !slices.Contains(common, v) {
			common = append(common, v)
		}
	}
	if len(common) == 1 {
		return common[0]
	}
	return common
}
