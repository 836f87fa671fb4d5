package hierarchy

import "context"

// Arena holds one company's teams indexed by id, so parent and child lookups
// during a traversal never go back to storage.
type Arena struct {
	companyID string
	byID      map[string]Team
	children  map[string][]string
}

func NewArena(companyID string, teams []Team) *Arena {
	a := &Arena{
		companyID: companyID,
		byID:      make(map[string]Team, len(teams)),
		children:  make(map[string][]string),
	}
	for _, team := range teams {
		if team.CompanyID != companyID {
			continue
		}
		if _, dup := a.byID[team.ID]; dup {
			continue
		}
		a.byID[team.ID] = team
		if team.ParentTeamID != "" {
			a.children[team.ParentTeamID] = append(a.children[team.ParentTeamID], team.ID)
		}
	}
	return a
}

type TeamLister interface {
	ListTeams(ctx context.Context, companyID string) ([]Team, error)
}

func LoadArena(ctx context.Context, lister TeamLister, companyID string) (*Arena, error) {
	teams, err := lister.ListTeams(ctx, companyID)
	if err != nil {
		return nil, err
	}
	return NewArena(companyID, teams), nil
}

func (a *Arena) Team(_ context.Context, companyID, teamID string) (Team, bool, error) {
	if companyID != a.companyID {
		return Team{}, false, nil
	}
	team, ok := a.byID[teamID]
	return team, ok, nil
}

func (a *Arena) Children(_ context.Context, companyID, teamID string) ([]Team, error) {
	if companyID != a.companyID {
		return nil, nil
	}
	ids := a.children[teamID]
	out := make([]Team, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.byID[id])
	}
	return out, nil
}

func (a *Arena) Len() int {
	return len(a.byID)
}
