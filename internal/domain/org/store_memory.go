package org

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Directory held in process memory. It backs STORAGE=memory
// and the handler tests.
type MemoryStore struct {
	mu        sync.RWMutex
	teams     map[string]Team
	employees map[string]Employee
	members   []TeamMember
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		teams:     make(map[string]Team),
		employees: make(map[string]Employee),
	}
}

func (m *MemoryStore) PutTeam(t Team) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teams[t.ID] = t
}

func (m *MemoryStore) PutEmployee(e Employee) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[e.ID] = e
}

func (m *MemoryStore) AddMember(member TeamMember) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = append(m.members, member)
}

func (m *MemoryStore) Team(_ context.Context, companyID, teamID string) (Team, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[teamID]
	if !ok || t.CompanyID != companyID {
		return Team{}, false, nil
	}
	return t, true, nil
}

func (m *MemoryStore) Children(_ context.Context, companyID, teamID string) ([]Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Team
	for _, t := range m.teams {
		if t.CompanyID == companyID && t.ParentTeamID == teamID {
			out = append(out, t)
		}
	}
	sortTeams(out)
	return out, nil
}

func (m *MemoryStore) ListTeams(_ context.Context, companyID string) ([]Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Team
	for _, t := range m.teams {
		if t.CompanyID == companyID {
			out = append(out, t)
		}
	}
	sortTeams(out)
	return out, nil
}

func (m *MemoryStore) Employee(_ context.Context, companyID, employeeID string) (Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.employees[employeeID]
	if !ok || e.CompanyID != companyID {
		return Employee{}, ErrEmployeeNotFound
	}
	return e, nil
}

func (m *MemoryStore) EmployeeTeam(_ context.Context, companyID, employeeID string, at time.Time) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *TeamMember
	for i := range m.members {
		member := &m.members[i]
		if member.EmployeeID != employeeID || !member.ActiveAt(at) {
			continue
		}
		if t, ok := m.teams[member.TeamID]; !ok || t.CompanyID != companyID {
			continue
		}
		if best == nil || member.StartDate.After(best.StartDate) {
			best = member
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.TeamID, true, nil
}

func sortTeams(teams []Team) {
	sort.Slice(teams, func(i, j int) bool {
		if teams[i].Name != teams[j].Name {
			return teams[i].Name < teams[j].Name
		}
		return teams[i].ID < teams[j].ID
	})
}
