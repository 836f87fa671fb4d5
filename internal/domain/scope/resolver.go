package scope

import (
	"errors"
	"fmt"
	"slices"

	"hrkpi/internal/domain/auth"
)

var (
	ErrUnauthorizedRole = errors.New("unauthorized role")
	ErrIncompleteCaller = errors.New("caller identity lacks a required scope attribute")
)

// Options lists the dimensions the queried entity carries.
type Options struct {
	Company    bool
	Team       bool
	Employee   bool
	Department bool
}

// EntityTag names entities whose scoping field differs from the default.
type EntityTag string

const (
	TagDefault                             EntityTag = ""
	TagTeam                                EntityTag = "team"
	TagDepartment                          EntityTag = "department"
	TagPerformanceReviewLeader             EntityTag = "performanceReviewLeader"
	TagPerformanceReviewEmployeeLeaderView EntityTag = "performanceReviewEmployeeLeaderView"
	TagPerformanceReviewEmployee           EntityTag = "performanceReviewEmployee"
)

// Resolve narrows base to what caller may see. The result is a new filter;
// base is never modified. Unknown roles are rejected.
func Resolve(caller auth.Caller, base Filter, opts Options, tag EntityTag) (Filter, error) {
	out := base.Clone()

	switch caller.Role {
	case auth.RoleSuperAdmin:
		return out, nil

	case auth.RoleAdmin:
		if opts.Company {
			if err := restrict(out, FieldCompanyID, caller.CompanyID); err != nil {
				return nil, err
			}
		}
		return out, nil

	case auth.RoleManager:
		if opts.Company {
			if err := restrict(out, FieldCompanyID, caller.CompanyID); err != nil {
				return nil, err
			}
		}
		if opts.Team {
			field := managerTeamField(tag)
			value := caller.TeamID
			if field == FieldLeaderID || field == FieldEmployeeID {
				value = caller.EmployeeID
			}
			if err := restrict(out, field, value); err != nil {
				return nil, err
			}
		}
		if opts.Department {
			field := FieldDepartmentID
			if tag == TagDepartment {
				field = FieldID
			}
			if err := restrict(out, field, caller.DepartmentID); err != nil {
				return nil, err
			}
		}
		return out, nil

	case auth.RoleUser:
		if opts.Company {
			if err := restrict(out, FieldCompanyID, caller.CompanyID); err != nil {
				return nil, err
			}
		}
		if opts.Employee || (opts.Team && tag == TagPerformanceReviewEmployee) {
			if err := restrict(out, FieldEmployeeID, caller.EmployeeID); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnauthorizedRole, caller.Role)
}

func managerTeamField(tag EntityTag) string {
	switch tag {
	case TagTeam:
		return FieldParentTeamID
	case TagPerformanceReviewLeader, TagPerformanceReviewEmployeeLeaderView:
		return FieldLeaderID
	case TagPerformanceReviewEmployee:
		return FieldEmployeeID
	default:
		return FieldTeamID
	}
}

// restrict intersects the existing constraint on field with value. An
// intersection that is empty becomes an empty membership, which matches no row.
func restrict(f Filter, field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s", ErrIncompleteCaller, field)
	}
	switch existing := f[field].(type) {
	case nil:
		f[field] = value
	case string:
		if existing != value {
			f[field] = []string{}
		}
	case []string:
		if slices.Contains(existing, value) {
			f[field] = value
		} else {
			f[field] = []string{}
		}
	default:
		f[field] = []string{}
	}
	return nil
}

// WidenTeams replaces a single-team constraint on field with the subtree ids
// rooted at that team. subtree[0] must be the constrained team itself;
// otherwise the filter is returned unchanged.
func WidenTeams(f Filter, field string, subtree []string) Filter {
	if len(subtree) == 0 {
		return f
	}
	current, ok := f.Value(field)
	if !ok || current != subtree[0] {
		return f
	}
	out := f.Clone()
	out[field] = slices.Clone(subtree)
	return out
}
