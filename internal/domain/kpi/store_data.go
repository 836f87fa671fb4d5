package kpi

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"hrkpi/internal/domain/scope"
)

const pgUniqueViolation = "23505"

type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// foldLedger keeps the column NOT NULL for aggregates that never folded.
func foldLedger(tokens []string) []string {
	if tokens == nil {
		return []string{}
	}
	return tokens
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// filtered appends the scope filter and paging to a base query ending in a
// WHERE clause. It returns the count query, the page query and their args.
func filtered(selectCols, from, orderBy string, filter scope.Filter, page Page) (string, string, []any, error) {
	where, args, err := filter.SQL(1)
	if err != nil {
		return "", "", nil, err
	}
	countSQL := "SELECT COUNT(1) FROM " + from + " WHERE TRUE" + where
	pageSQL := "SELECT " + selectCols + " FROM " + from + " WHERE TRUE" + where +
		fmt.Sprintf(" ORDER BY %s LIMIT $%d OFFSET $%d", orderBy, len(args)+1, len(args)+2)
	return countSQL, pageSQL, args, nil
}

const evalTypeColumns = `id, company_id, name, code, COALESCE(department_id, ''), created_at`

func scanEvaluationType(row pgx.Row) (EvaluationType, error) {
	var t EvaluationType
	err := row.Scan(&t.ID, &t.CompanyID, &t.Name, &t.Code, &t.DepartmentID, &t.CreatedAt)
	return t, err
}

func (s *Store) CreateEvaluationType(ctx context.Context, t EvaluationType) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
    INSERT INTO kpi_evaluation_types (company_id, name, code, department_id)
    VALUES ($1,$2,$3,$4)
    RETURNING id
  `, t.CompanyID, t.Name, t.Code, nullIfEmpty(t.DepartmentID)).Scan(&id)
	if isUniqueViolation(err) {
		return "", ErrConflict
	}
	return id, err
}

func (s *Store) GetEvaluationType(ctx context.Context, companyID, id string) (EvaluationType, error) {
	t, err := scanEvaluationType(s.DB.QueryRow(ctx, `
    SELECT `+evalTypeColumns+`
    FROM kpi_evaluation_types
    WHERE company_id = $1 AND id = $2
  `, companyID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return EvaluationType{}, ErrNotFound
	}
	return t, err
}

func (s *Store) UpdateEvaluationType(ctx context.Context, t EvaluationType) error {
	tag, err := s.DB.Exec(ctx, `
    UPDATE kpi_evaluation_types
    SET name = $3, code = $4, department_id = $5
    WHERE company_id = $1 AND id = $2
  `, t.CompanyID, t.ID, t.Name, t.Code, nullIfEmpty(t.DepartmentID))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListEvaluationTypes(ctx context.Context, filter scope.Filter, page Page) ([]EvaluationType, int, error) {
	countSQL, pageSQL, args, err := filtered(evalTypeColumns, "kpi_evaluation_types", "name, id", filter, page)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.DB.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.Query(ctx, pageSQL, append(args, limitArg(page.Limit), page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []EvaluationType
	for rows.Next() {
		t, err := scanEvaluationType(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (s *Store) CountEvolutionsByEvaluationType(ctx context.Context, companyID, evaluationTypeID string) (int, error) {
	var count int
	err := s.DB.QueryRow(ctx, `
    SELECT COUNT(1)
    FROM kpi_evolutions e
    JOIN kpi_aggregates a ON a.id = e.aggregate_id
    WHERE e.company_id = $1 AND a.evaluation_type_id = $2
  `, companyID, evaluationTypeID).Scan(&count)
	return count, err
}

const kpiColumns = `id, company_id, name, COALESCE(department_id, ''), evaluation_type_id, COALESCE(unit, ''), created_at`

func scanKPI(row pgx.Row) (KPI, error) {
	var k KPI
	err := row.Scan(&k.ID, &k.CompanyID, &k.Name, &k.DepartmentID, &k.EvaluationTypeID, &k.Unit, &k.CreatedAt)
	return k, err
}

func (s *Store) CreateKPI(ctx context.Context, k KPI) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
    INSERT INTO kpis (company_id, name, department_id, evaluation_type_id, unit)
    VALUES ($1,$2,$3,$4,$5)
    RETURNING id
  `, k.CompanyID, k.Name, nullIfEmpty(k.DepartmentID), k.EvaluationTypeID, nullIfEmpty(k.Unit)).Scan(&id)
	if isUniqueViolation(err) {
		return "", ErrConflict
	}
	return id, err
}

func (s *Store) GetKPI(ctx context.Context, companyID, id string) (KPI, error) {
	k, err := scanKPI(s.DB.QueryRow(ctx, `
    SELECT `+kpiColumns+`
    FROM kpis
    WHERE company_id = $1 AND id = $2
  `, companyID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return KPI{}, ErrNotFound
	}
	return k, err
}

func (s *Store) ListKPIs(ctx context.Context, filter scope.Filter, page Page) ([]KPI, int, error) {
	countSQL, pageSQL, args, err := filtered(kpiColumns, "kpis", "name, id", filter, page)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.DB.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.Query(ctx, pageSQL, append(args, limitArg(page.Limit), page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []KPI
	for rows.Next() {
		k, err := scanKPI(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, k)
	}
	return out, total, rows.Err()
}

const aggregateColumns = `id, company_id, subject_kind, subject_id, COALESCE(team_id, ''), kpi_id, evaluation_type_id,
  period_start, period_end, goal, achieved_value, status, submitted_by, submitted_date,
  COALESCE(approved_by, ''), approved_date, rejection_reason, version, applied_folds`

func scanAggregate(row pgx.Row) (Aggregate, error) {
	var a Aggregate
	err := row.Scan(
		&a.ID, &a.CompanyID, &a.SubjectKind, &a.SubjectID, &a.TeamID, &a.KPIID, &a.EvaluationTypeID,
		&a.PeriodStart, &a.PeriodEnd, &a.Goal, &a.AchievedValue, &a.Status, &a.SubmittedBy, &a.SubmittedDate,
		&a.ApprovedBy, &a.ApprovedDate, &a.RejectionReason, &a.Version, &a.AppliedFolds,
	)
	return a, err
}

func (s *Store) CreateAggregate(ctx context.Context, a Aggregate) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
    INSERT INTO kpi_aggregates (company_id, subject_kind, subject_id, team_id, kpi_id, evaluation_type_id,
      period_start, period_end, goal, achieved_value, status, submitted_by, submitted_date)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
    RETURNING id
  `, a.CompanyID, a.SubjectKind, a.SubjectID, nullIfEmpty(a.TeamID), a.KPIID, a.EvaluationTypeID,
		a.PeriodStart, a.PeriodEnd, a.Goal, a.AchievedValue, a.Status, a.SubmittedBy, a.SubmittedDate).Scan(&id)
	if isUniqueViolation(err) {
		return "", ErrConflict
	}
	return id, err
}

func (s *Store) GetAggregate(ctx context.Context, companyID, id string) (Aggregate, error) {
	a, err := scanAggregate(s.DB.QueryRow(ctx, `
    SELECT `+aggregateColumns+`
    FROM kpi_aggregates
    WHERE company_id = $1 AND id = $2
  `, companyID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Aggregate{}, ErrNotFound
	}
	return a, err
}

func (s *Store) FindAggregate(ctx context.Context, key AggregateKey) (Aggregate, bool, error) {
	a, err := scanAggregate(s.DB.QueryRow(ctx, `
    SELECT `+aggregateColumns+`
    FROM kpi_aggregates
    WHERE company_id = $1 AND subject_kind = $2 AND subject_id = $3 AND kpi_id = $4
      AND period_start = $5 AND period_end = $6
  `, key.CompanyID, key.SubjectKind, key.SubjectID, key.KPIID, key.PeriodStart, key.PeriodEnd))
	if errors.Is(err, pgx.ErrNoRows) {
		return Aggregate{}, false, nil
	}
	if err != nil {
		return Aggregate{}, false, err
	}
	return a, true, nil
}

func (s *Store) ListAggregates(ctx context.Context, filter scope.Filter, page Page) ([]Aggregate, int, error) {
	countSQL, pageSQL, args, err := filtered(aggregateColumns, "kpi_aggregates", "period_start DESC, id", filter, page)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.DB.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.Query(ctx, pageSQL, append(args, limitArg(page.Limit), page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Aggregate
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (s *Store) UpdateAggregate(ctx context.Context, a Aggregate) (Aggregate, error) {
	updated, err := scanAggregate(s.DB.QueryRow(ctx, `
    UPDATE kpi_aggregates
    SET team_id = $4, period_start = $5, period_end = $6, goal = $7, achieved_value = $8,
        status = $9, approved_by = $10, approved_date = $11, rejection_reason = $12,
        applied_folds = $13, version = version + 1
    WHERE company_id = $1 AND id = $2 AND version = $3
    RETURNING `+aggregateColumns,
		a.CompanyID, a.ID, a.Version, nullIfEmpty(a.TeamID), a.PeriodStart, a.PeriodEnd, a.Goal, a.AchievedValue,
		a.Status, nullIfEmpty(a.ApprovedBy), a.ApprovedDate, a.RejectionReason, foldLedger(a.AppliedFolds)))
	if isUniqueViolation(err) {
		return Aggregate{}, ErrConflict
	}
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.DB.QueryRow(ctx, `
      SELECT EXISTS (SELECT 1 FROM kpi_aggregates WHERE company_id = $1 AND id = $2)
    `, a.CompanyID, a.ID).Scan(&exists); err != nil {
			return Aggregate{}, err
		}
		if !exists {
			return Aggregate{}, ErrNotFound
		}
		return Aggregate{}, ErrVersionConflict
	}
	return updated, err
}

const evolutionColumns = `id, company_id, subject_kind, subject_id, COALESCE(team_id, ''), aggregate_id,
  achieved_value_evolution, status, submitted_by, submitted_date,
  COALESCE(approved_by, ''), approved_date, rejection_reason, corrections`

func scanEvolution(row pgx.Row) (Evolution, error) {
	var e Evolution
	err := row.Scan(
		&e.ID, &e.CompanyID, &e.SubjectKind, &e.SubjectID, &e.TeamID, &e.AggregateID,
		&e.AchievedValueEvolution, &e.Status, &e.SubmittedBy, &e.SubmittedDate,
		&e.ApprovedBy, &e.ApprovedDate, &e.RejectionReason, &e.Corrections,
	)
	return e, err
}

func (s *Store) CreateEvolution(ctx context.Context, e Evolution) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
    INSERT INTO kpi_evolutions (company_id, subject_kind, subject_id, team_id, aggregate_id,
      achieved_value_evolution, status, submitted_by, submitted_date)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    RETURNING id
  `, e.CompanyID, e.SubjectKind, e.SubjectID, nullIfEmpty(e.TeamID), e.AggregateID,
		e.AchievedValueEvolution, e.Status, e.SubmittedBy, e.SubmittedDate).Scan(&id)
	if isUniqueViolation(err) {
		return "", ErrConflict
	}
	return id, err
}

func (s *Store) GetEvolution(ctx context.Context, companyID, id string) (Evolution, error) {
	e, err := scanEvolution(s.DB.QueryRow(ctx, `
    SELECT `+evolutionColumns+`
    FROM kpi_evolutions
    WHERE company_id = $1 AND id = $2
  `, companyID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Evolution{}, ErrNotFound
	}
	return e, err
}

func (s *Store) CountEvolutions(ctx context.Context, companyID, subjectID, aggregateID string) (int, error) {
	var count int
	err := s.DB.QueryRow(ctx, `
    SELECT COUNT(1)
    FROM kpi_evolutions
    WHERE company_id = $1 AND subject_id = $2 AND aggregate_id = $3
  `, companyID, subjectID, aggregateID).Scan(&count)
	return count, err
}

func (s *Store) ListEvolutions(ctx context.Context, filter scope.Filter, page Page) ([]Evolution, int, error) {
	countSQL, pageSQL, args, err := filtered(evolutionColumns, "kpi_evolutions", "submitted_date DESC, id", filter, page)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.DB.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.Query(ctx, pageSQL, append(args, limitArg(page.Limit), page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Evolution
	for rows.Next() {
		e, err := scanEvolution(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (s *Store) UpdateEvolution(ctx context.Context, e Evolution) error {
	tag, err := s.DB.Exec(ctx, `
    UPDATE kpi_evolutions
    SET team_id = $3, aggregate_id = $4, achieved_value_evolution = $5, status = $6,
        submitted_date = $7, approved_by = $8, approved_date = $9, rejection_reason = $10,
        corrections = $11
    WHERE company_id = $1 AND id = $2
  `, e.CompanyID, e.ID, nullIfEmpty(e.TeamID), e.AggregateID, e.AchievedValueEvolution, e.Status,
		e.SubmittedDate, nullIfEmpty(e.ApprovedBy), e.ApprovedDate, e.RejectionReason, e.Corrections)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteEvolution(ctx context.Context, companyID, id string) error {
	tag, err := s.DB.Exec(ctx, "DELETE FROM kpi_evolutions WHERE company_id = $1 AND id = $2", companyID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
