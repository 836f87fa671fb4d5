package org

import (
	"context"
	"time"

	"hrkpi/internal/domain/hierarchy"
)

// Directory is the read side of the org chart used by the KPI engine.
type Directory interface {
	hierarchy.Source
	hierarchy.TeamLister
	Employee(ctx context.Context, companyID, employeeID string) (Employee, error)
	// EmployeeTeam returns the team of the employee's membership active at
	// the given time. The most recently started membership wins.
	EmployeeTeam(ctx context.Context, companyID, employeeID string, at time.Time) (teamID string, ok bool, err error)
}
