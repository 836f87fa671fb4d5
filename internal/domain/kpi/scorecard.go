package kpi

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"

	"hrkpi/internal/domain/auth"
	"hrkpi/internal/domain/hierarchy"
	"hrkpi/internal/domain/scope"
)

type ScorecardRow struct {
	TeamName      string
	KPIName       string
	Unit          string
	Goal          string
	AchievedValue string
	Status        string
}

// ScorecardRows collects the team aggregates of teamID and every team below
// it for one period, restricted to what the caller may see.
func (s *Service) ScorecardRows(ctx context.Context, caller auth.Caller, teamID string, start, end time.Time) ([]ScorecardRow, error) {
	team, arena, err := s.team(ctx, caller.CompanyID, teamID)
	if err != nil {
		return nil, err
	}
	ids, err := hierarchy.NewResolver(arena).SubtreeIDs(ctx, caller.CompanyID, team)
	if err != nil {
		return nil, err
	}
	visible, err := s.visible(ctx, caller, subjectScope)
	if err != nil {
		return nil, err
	}
	f := visible.And(scope.Filter{
		scope.FieldCompanyID:   caller.CompanyID,
		scope.FieldSubjectKind: SubjectTeam,
		scope.FieldTeamID:      ids,
		scope.FieldPeriodStart: day(start).Format(dateLayout),
		scope.FieldPeriodEnd:   day(end).Format(dateLayout),
	})
	aggregates, _, err := s.Store.ListAggregates(ctx, f, Page{})
	if err != nil {
		return nil, err
	}

	kpis := make(map[string]KPI)
	var rows []ScorecardRow
	for _, agg := range aggregates {
		k, ok := kpis[agg.KPIID]
		if !ok {
			if k, err = s.Store.GetKPI(ctx, agg.CompanyID, agg.KPIID); err != nil {
				return nil, err
			}
			kpis[agg.KPIID] = k
		}
		t, _, _ := arena.Team(ctx, caller.CompanyID, agg.SubjectID)
		rows = append(rows, ScorecardRow{
			TeamName:      t.Name,
			KPIName:       k.Name,
			Unit:          k.Unit,
			Goal:          deref(agg.Goal),
			AchievedValue: deref(agg.AchievedValue),
			Status:        agg.Status,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TeamName != rows[j].TeamName {
			return rows[i].TeamName < rows[j].TeamName
		}
		return rows[i].KPIName < rows[j].KPIName
	})
	return rows, nil
}

// Scorecard renders ScorecardRows as a PDF.
func (s *Service) Scorecard(ctx context.Context, caller auth.Caller, teamID string, start, end time.Time) ([]byte, error) {
	team, _, err := s.team(ctx, caller.CompanyID, teamID)
	if err != nil {
		return nil, err
	}
	rows, err := s.ScorecardRows(ctx, caller, teamID, start, end)
	if err != nil {
		return nil, err
	}
	return renderScorecard(team.Name, day(start), day(end), rows)
}

func renderScorecard(teamName string, start, end time.Time, rows []ScorecardRow) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, fmt.Sprintf("KPI scorecard: %s", teamName))
	pdf.Ln(10)
	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 8, fmt.Sprintf("Period: %s to %s", start.Format(dateLayout), end.Format(dateLayout)))
	pdf.Ln(12)

	widths := []float64{40, 50, 30, 30, 30}
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range []string{"Team", "KPI", "Goal", "Achieved", "Status"} {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 10)
	if len(rows) == 0 {
		pdf.CellFormat(0, 7, "No KPI assignments for this period.", "1", 1, "L", false, 0, "")
	}
	for _, row := range rows {
		achieved := row.AchievedValue
		if achieved != "" && row.Unit != "" {
			achieved += " " + row.Unit
		}
		for i, v := range []string{row.TeamName, row.KPIName, row.Goal, achieved, row.Status} {
			pdf.CellFormat(widths[i], 7, v, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render scorecard: %w", err)
	}
	return buf.Bytes(), nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
