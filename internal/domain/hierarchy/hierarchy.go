package hierarchy

import (
	"context"
	"errors"
	"fmt"
)

var ErrCycleDetected = errors.New("team hierarchy cycle detected")

type Team struct {
	ID           string `json:"id"`
	CompanyID    string `json:"companyId"`
	Name         string `json:"name"`
	ParentTeamID string `json:"parentTeamId,omitempty"`
	DepartmentID string `json:"departmentId,omitempty"`
}

// Source resolves teams within one company. A team that does not exist in
// the company is reported with ok=false and no error.
type Source interface {
	Team(ctx context.Context, companyID, teamID string) (team Team, ok bool, err error)
	Children(ctx context.Context, companyID, teamID string) ([]Team, error)
}

type Resolver struct {
	Source Source
}

func NewResolver(source Source) *Resolver {
	return &Resolver{Source: source}
}

// UpperTeams returns the ancestors of team, nearest first and root-most last.
// The walk stops silently at an id that does not resolve.
func (r *Resolver) UpperTeams(ctx context.Context, companyID string, team Team) ([]Team, error) {
	visited := map[string]struct{}{team.ID: {}}
	var out []Team
	next := team.ParentTeamID
	for next != "" {
		if _, seen := visited[next]; seen {
			return nil, fmt.Errorf("%w: team %s revisited above %s", ErrCycleDetected, next, team.ID)
		}
		visited[next] = struct{}{}

		parent, ok, err := r.Source.Team(ctx, companyID, next)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, parent)
		next = parent.ParentTeamID
	}
	return out, nil
}

// LowerTeams returns every descendant of team in breadth-first order.
func (r *Resolver) LowerTeams(ctx context.Context, companyID string, team Team) ([]Team, error) {
	visited := map[string]struct{}{team.ID: {}}
	var out []Team
	queue := []string{team.ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		children, err := r.Source.Children(ctx, companyID, current)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, seen := visited[child.ID]; seen {
				return nil, fmt.Errorf("%w: team %s revisited below %s", ErrCycleDetected, child.ID, team.ID)
			}
			visited[child.ID] = struct{}{}
			out = append(out, child)
			queue = append(queue, child.ID)
		}
	}
	return out, nil
}

// SubtreeIDs returns team.ID followed by the ids of all its descendants.
func (r *Resolver) SubtreeIDs(ctx context.Context, companyID string, team Team) ([]string, error) {
	lower, err := r.LowerTeams(ctx, companyID, team)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(lower)+1)
	ids = append(ids, team.ID)
	for _, t := range lower {
		ids = append(ids, t.ID)
	}
	return ids, nil
}
