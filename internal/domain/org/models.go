package org

import (
	"time"

	"hrkpi/internal/domain/hierarchy"
)

type Team = hierarchy.Team

type Employee struct {
	ID           string `json:"id"`
	CompanyID    string `json:"companyId"`
	DepartmentID string `json:"departmentId,omitempty"`
	Name         string `json:"name"`
	Email        string `json:"email"`
}

// TeamMember is a time-boxed membership of an employee in a team.
type TeamMember struct {
	ID              string     `json:"id"`
	TeamID          string     `json:"teamId"`
	EmployeeID      string     `json:"employeeId"`
	ParentTeamID    string     `json:"parentTeamId,omitempty"`
	IsLeader        bool       `json:"isLeader"`
	StartDate       time.Time  `json:"startDate"`
	EndDate         *time.Time `json:"endDate,omitempty"`
	IsHierarchyEdge bool       `json:"isHierarchyEdge"`
}

// ActiveAt reports whether the membership covers at. EndDate is inclusive.
func (m TeamMember) ActiveAt(at time.Time) bool {
	if at.Before(m.StartDate) {
		return false
	}
	return m.EndDate == nil || !at.After(*m.EndDate)
}
