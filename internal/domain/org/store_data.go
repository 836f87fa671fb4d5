package org

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

const teamColumns = `id, company_id, name, COALESCE(parent_team_id, ''), COALESCE(department_id, '')`

func scanTeam(row pgx.Row) (Team, error) {
	var t Team
	err := row.Scan(&t.ID, &t.CompanyID, &t.Name, &t.ParentTeamID, &t.DepartmentID)
	return t, err
}

func (s *Store) Team(ctx context.Context, companyID, teamID string) (Team, bool, error) {
	t, err := scanTeam(s.DB.QueryRow(ctx, `
    SELECT `+teamColumns+`
    FROM teams
    WHERE company_id = $1 AND id = $2
  `, companyID, teamID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Team{}, false, nil
	}
	if err != nil {
		return Team{}, false, err
	}
	return t, true, nil
}

func (s *Store) Children(ctx context.Context, companyID, teamID string) ([]Team, error) {
	return s.queryTeams(ctx, `
    SELECT `+teamColumns+`
    FROM teams
    WHERE company_id = $1 AND parent_team_id = $2
    ORDER BY name, id
  `, companyID, teamID)
}

func (s *Store) ListTeams(ctx context.Context, companyID string) ([]Team, error) {
	return s.queryTeams(ctx, `
    SELECT `+teamColumns+`
    FROM teams
    WHERE company_id = $1
    ORDER BY name, id
  `, companyID)
}

func (s *Store) queryTeams(ctx context.Context, sql string, args ...any) ([]Team, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

func (s *Store) Employee(ctx context.Context, companyID, employeeID string) (Employee, error) {
	var e Employee
	err := s.DB.QueryRow(ctx, `
    SELECT id, company_id, COALESCE(department_id, ''), name, email
    FROM employees
    WHERE company_id = $1 AND id = $2
  `, companyID, employeeID).Scan(&e.ID, &e.CompanyID, &e.DepartmentID, &e.Name, &e.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return Employee{}, ErrEmployeeNotFound
	}
	return e, err
}

func (s *Store) EmployeeTeam(ctx context.Context, companyID, employeeID string, at time.Time) (string, bool, error) {
	var teamID string
	err := s.DB.QueryRow(ctx, `
    SELECT tm.team_id
    FROM team_members tm
    JOIN teams t ON t.id = tm.team_id
    WHERE t.company_id = $1 AND tm.employee_id = $2
      AND tm.start_date <= $3 AND (tm.end_date IS NULL OR tm.end_date >= $3)
    ORDER BY tm.start_date DESC
    LIMIT 1
  `, companyID, employeeID, at).Scan(&teamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return teamID, true, nil
}
