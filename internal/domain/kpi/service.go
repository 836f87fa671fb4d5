package kpi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"hrkpi/internal/domain/audit"
	"hrkpi/internal/domain/auth"
	"hrkpi/internal/domain/hierarchy"
	"hrkpi/internal/domain/org"
	"hrkpi/internal/domain/scope"
	"hrkpi/internal/platform/email"
	"hrkpi/internal/platform/lock"
)

var (
	definitionScope = scope.Options{Company: true}
	subjectScope    = scope.Options{Company: true, Team: true, Employee: true}
)

type AuditRecorder interface {
	Record(ctx context.Context, companyID, actorID, action, entityType, entityID string, before, after any) error
}

type Deps struct {
	Locker     lock.Locker
	Metrics    Recorder
	Audit      AuditRecorder
	Mailer     email.Mailer
	MailFrom   string
	MaxRetries int
}

type Service struct {
	Store     StoreAPI
	Directory org.Directory
	Engine    *Engine
	Locker    lock.Locker
	Metrics   Recorder
	Audit     AuditRecorder
	Mailer    email.Mailer
	MailFrom  string
	Now       func() time.Time
}

func NewService(store StoreAPI, directory org.Directory, deps Deps) *Service {
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	engine := NewEngine(store, directory, deps.Locker, deps.Metrics, deps.MaxRetries)
	return &Service{
		Store:     store,
		Directory: directory,
		Engine:    engine,
		Locker:    deps.Locker,
		Metrics:   deps.Metrics,
		Audit:     deps.Audit,
		Mailer:    deps.Mailer,
		MailFrom:  deps.MailFrom,
		Now:       time.Now,
	}
}

func (s *Service) now() time.Time {
	return s.Now().UTC().Truncate(time.Microsecond)
}

// visible is the caller's scope for an entity. A manager's team constraint
// covers the whole subtree below their team.
func (s *Service) visible(ctx context.Context, caller auth.Caller, opts scope.Options) (scope.Filter, error) {
	f, err := scope.Resolve(caller, scope.Filter{}, opts, scope.TagDefault)
	if err != nil {
		return nil, err
	}
	if caller.Role != auth.RoleManager || !opts.Team {
		return f, nil
	}
	teamID, ok := f.Value(scope.FieldTeamID)
	if !ok {
		return f, nil
	}
	ids, err := s.subtree(ctx, caller.CompanyID, teamID)
	if err != nil {
		return nil, err
	}
	return scope.WidenTeams(f, scope.FieldTeamID, ids), nil
}

func (s *Service) subtree(ctx context.Context, companyID, teamID string) ([]string, error) {
	arena, err := hierarchy.LoadArena(ctx, s.Directory, companyID)
	if err != nil {
		return nil, err
	}
	team, ok, _ := arena.Team(ctx, companyID, teamID)
	if !ok {
		return []string{teamID}, nil
	}
	return hierarchy.NewResolver(arena).SubtreeIDs(ctx, companyID, team)
}

// authorize hides rows outside the caller's scope as not found.
func (s *Service) authorize(ctx context.Context, caller auth.Caller, opts scope.Options, row map[string]string) error {
	f, err := s.visible(ctx, caller, opts)
	if err != nil {
		return err
	}
	if !f.Matches(row) {
		return ErrNotFound
	}
	return nil
}

func (s *Service) record(ctx context.Context, caller auth.Caller, action, entityType, entityID string, before, after any) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Record(ctx, caller.CompanyID, caller.UserID, action, entityType, entityID, before, after); err != nil {
		slog.Warn("audit record failed", "action", action, "entityId", entityID, "err", err)
	}
}

func (s *Service) codeOf(ctx context.Context, agg Aggregate) (string, error) {
	t, err := s.Store.GetEvaluationType(ctx, agg.CompanyID, agg.EvaluationTypeID)
	if err != nil {
		return "", fmt.Errorf("evaluation type of aggregate %s: %w", agg.ID, err)
	}
	return t.Code, nil
}

type EvaluationTypeInput struct {
	Name         string
	Code         string
	DepartmentID string
}

func (s *Service) CreateEvaluationType(ctx context.Context, caller auth.Caller, in EvaluationTypeInput) (EvaluationType, error) {
	if strings.TrimSpace(in.Name) == "" {
		return EvaluationType{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !ValidCode(in.Code) {
		return EvaluationType{}, fmt.Errorf("%w: unknown evaluation code %q", ErrInvalidValue, in.Code)
	}
	t := EvaluationType{
		CompanyID:    caller.CompanyID,
		Name:         strings.TrimSpace(in.Name),
		Code:         in.Code,
		DepartmentID: in.DepartmentID,
		CreatedAt:    s.now(),
	}
	id, err := s.Store.CreateEvaluationType(ctx, t)
	if err != nil {
		return EvaluationType{}, err
	}
	t.ID = id
	return t, nil
}

// UpdateEvaluationType renames or re-codes a type. The code cannot change
// once any evolution was recorded against an aggregate of this type.
func (s *Service) UpdateEvaluationType(ctx context.Context, caller auth.Caller, id string, in EvaluationTypeInput) (EvaluationType, error) {
	current, err := s.Store.GetEvaluationType(ctx, caller.CompanyID, id)
	if err != nil {
		return EvaluationType{}, err
	}
	next := current
	if strings.TrimSpace(in.Name) != "" {
		next.Name = strings.TrimSpace(in.Name)
	}
	if in.DepartmentID != "" {
		next.DepartmentID = in.DepartmentID
	}
	if in.Code != "" && in.Code != current.Code {
		if !ValidCode(in.Code) {
			return EvaluationType{}, fmt.Errorf("%w: unknown evaluation code %q", ErrInvalidValue, in.Code)
		}
		count, err := s.Store.CountEvolutionsByEvaluationType(ctx, caller.CompanyID, id)
		if err != nil {
			return EvaluationType{}, err
		}
		if count > 0 {
			return EvaluationType{}, ErrEvaluationTypeLocked
		}
		next.Code = in.Code
	}
	if err := s.Store.UpdateEvaluationType(ctx, next); err != nil {
		return EvaluationType{}, err
	}
	s.record(ctx, caller, audit.ActionEvalTypeUpdated, EntityEvaluationType, id, current, next)
	return next, nil
}

func (s *Service) ListEvaluationTypes(ctx context.Context, caller auth.Caller, base scope.Filter, page Page) ([]EvaluationType, int, error) {
	f, err := s.visible(ctx, caller, definitionScope)
	if err != nil {
		return nil, 0, err
	}
	return s.Store.ListEvaluationTypes(ctx, f.And(base), page)
}

type KPIInput struct {
	Name             string
	DepartmentID     string
	EvaluationTypeID string
	Unit             string
}

func (s *Service) CreateKPI(ctx context.Context, caller auth.Caller, in KPIInput) (KPI, error) {
	if strings.TrimSpace(in.Name) == "" {
		return KPI{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := s.Store.GetEvaluationType(ctx, caller.CompanyID, in.EvaluationTypeID); err != nil {
		return KPI{}, fmt.Errorf("evaluation type %s: %w", in.EvaluationTypeID, err)
	}
	k := KPI{
		CompanyID:        caller.CompanyID,
		Name:             strings.TrimSpace(in.Name),
		DepartmentID:     in.DepartmentID,
		EvaluationTypeID: in.EvaluationTypeID,
		Unit:             in.Unit,
		CreatedAt:        s.now(),
	}
	id, err := s.Store.CreateKPI(ctx, k)
	if err != nil {
		return KPI{}, err
	}
	k.ID = id
	return k, nil
}

func (s *Service) ListKPIs(ctx context.Context, caller auth.Caller, base scope.Filter, page Page) ([]KPI, int, error) {
	f, err := s.visible(ctx, caller, definitionScope)
	if err != nil {
		return nil, 0, err
	}
	return s.Store.ListKPIs(ctx, f.And(base), page)
}

type AggregateInput struct {
	SubjectKind   string
	SubjectID     string
	KPIID         string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	Goal          *string
	AchievedValue *string
}

// CreateAggregate opens a period assignment for an employee or team.
func (s *Service) CreateAggregate(ctx context.Context, caller auth.Caller, in AggregateInput) (Aggregate, error) {
	start, end := day(in.PeriodStart), day(in.PeriodEnd)
	if end.Before(start) {
		return Aggregate{}, fmt.Errorf("%w: period ends before it starts", ErrInvalidInput)
	}
	k, err := s.Store.GetKPI(ctx, caller.CompanyID, in.KPIID)
	if err != nil {
		return Aggregate{}, fmt.Errorf("kpi %s: %w", in.KPIID, err)
	}
	evalType, err := s.Store.GetEvaluationType(ctx, caller.CompanyID, k.EvaluationTypeID)
	if err != nil {
		return Aggregate{}, fmt.Errorf("evaluation type %s: %w", k.EvaluationTypeID, err)
	}
	if in.AchievedValue != nil {
		if err := ValidateValue(*in.AchievedValue, evalType.Code); err != nil {
			return Aggregate{}, err
		}
	}

	now := s.now()
	agg := Aggregate{
		CompanyID:        caller.CompanyID,
		SubjectKind:      in.SubjectKind,
		SubjectID:        in.SubjectID,
		KPIID:            k.ID,
		EvaluationTypeID: evalType.ID,
		PeriodStart:      start,
		PeriodEnd:        end,
		Goal:             in.Goal,
		AchievedValue:    in.AchievedValue,
		Status:           StatusSubmitted,
		SubmittedBy:      caller.UserID,
		SubmittedDate:    now,
	}
	if agg.TeamID, err = s.subjectTeam(ctx, caller.CompanyID, in.SubjectKind, in.SubjectID); err != nil {
		return Aggregate{}, err
	}
	if err := s.authorize(ctx, caller, subjectScope, agg.ScopeFields()); err != nil {
		return Aggregate{}, err
	}

	id, err := s.Store.CreateAggregate(ctx, agg)
	if err != nil {
		return Aggregate{}, err
	}
	agg.ID = id
	agg.Version = 1
	s.record(ctx, caller, audit.ActionAggregateCreated, EntityAggregate, id, nil, agg)
	return agg, nil
}

func (s *Service) subjectTeam(ctx context.Context, companyID, kind, subjectID string) (string, error) {
	switch kind {
	case SubjectEmployee:
		if _, err := s.Directory.Employee(ctx, companyID, subjectID); err != nil {
			if errors.Is(err, org.ErrEmployeeNotFound) {
				return "", fmt.Errorf("employee %s: %w", subjectID, ErrNotFound)
			}
			return "", err
		}
		teamID, _, err := s.Directory.EmployeeTeam(ctx, companyID, subjectID, s.Now())
		return teamID, err
	case SubjectTeam:
		_, ok, err := s.Directory.Team(ctx, companyID, subjectID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("team %s: %w", subjectID, ErrNotFound)
		}
		return subjectID, nil
	}
	return "", fmt.Errorf("%w: subject kind %q", ErrInvalidInput, kind)
}

func (s *Service) GetAggregate(ctx context.Context, caller auth.Caller, id string) (Aggregate, error) {
	agg, err := s.Store.GetAggregate(ctx, caller.CompanyID, id)
	if err != nil {
		return Aggregate{}, err
	}
	if err := s.authorize(ctx, caller, subjectScope, agg.ScopeFields()); err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}

func (s *Service) ListAggregates(ctx context.Context, caller auth.Caller, base scope.Filter, page Page) ([]Aggregate, int, error) {
	f, err := s.visible(ctx, caller, subjectScope)
	if err != nil {
		return nil, 0, err
	}
	return s.Store.ListAggregates(ctx, f.And(base), page)
}

type AggregateUpdate struct {
	Goal          *string
	AchievedValue *string
	PeriodStart   *time.Time
	PeriodEnd     *time.Time
}

// UpdateAggregate edits goal, period or a directly submitted value. An
// approved aggregate's value only changes through the cascade.
func (s *Service) UpdateAggregate(ctx context.Context, caller auth.Caller, id string, in AggregateUpdate) (Aggregate, error) {
	before, err := s.GetAggregate(ctx, caller, id)
	if err != nil {
		return Aggregate{}, err
	}
	code, err := s.codeOf(ctx, before)
	if err != nil {
		return Aggregate{}, err
	}
	saved, err := s.Engine.Mutate(ctx, caller.CompanyID, id, func(a *Aggregate) error {
		if in.Goal != nil {
			a.Goal = stringPtr(*in.Goal)
		}
		if in.AchievedValue != nil {
			if a.Status == StatusApproved {
				return fmt.Errorf("%w: approved aggregate values change only through evolutions", ErrInvalidTransition)
			}
			if err := ValidateValue(*in.AchievedValue, code); err != nil {
				return err
			}
			v := *in.AchievedValue
			a.AchievedValue = &v
		}
		if in.PeriodStart != nil {
			a.PeriodStart = day(*in.PeriodStart)
		}
		if in.PeriodEnd != nil {
			a.PeriodEnd = day(*in.PeriodEnd)
		}
		if a.PeriodEnd.Before(a.PeriodStart) {
			return fmt.Errorf("%w: period ends before it starts", ErrInvalidInput)
		}
		return nil
	})
	if err != nil {
		return Aggregate{}, err
	}
	s.record(ctx, caller, audit.ActionAggregateUpdated, EntityAggregate, id, before, saved)
	return saved, nil
}

// ApproveAggregate signs off a period assignment. Approving an approved
// aggregate is a no-op; a rejected one must be resubmitted first.
func (s *Service) ApproveAggregate(ctx context.Context, caller auth.Caller, id string) (Aggregate, error) {
	before, err := s.GetAggregate(ctx, caller, id)
	if err != nil {
		return Aggregate{}, err
	}
	saved, err := s.Engine.Mutate(ctx, caller.CompanyID, id, func(a *Aggregate) error {
		switch a.Status {
		case StatusApproved:
			return errUnchanged
		case StatusRejected:
			return fmt.Errorf("%w: aggregate is rejected", ErrInvalidTransition)
		}
		now := s.now()
		a.Status = StatusApproved
		a.ApprovedBy = caller.UserID
		a.ApprovedDate = &now
		a.RejectionReason = nil
		return nil
	})
	if errors.Is(err, errUnchanged) {
		s.Metrics.Decision("aggregate_approve", "noop")
		return saved, nil
	}
	if err != nil {
		return Aggregate{}, err
	}
	s.Metrics.Decision("aggregate_approve", "applied")
	s.record(ctx, caller, audit.ActionAggregateApproved, EntityAggregate, id, before, saved)
	return saved, nil
}

// RejectAggregate is the mirror of ApproveAggregate: rejecting twice is a
// no-op and an approved aggregate cannot be rejected.
func (s *Service) RejectAggregate(ctx context.Context, caller auth.Caller, id, reason string) (Aggregate, error) {
	before, err := s.GetAggregate(ctx, caller, id)
	if err != nil {
		return Aggregate{}, err
	}
	saved, err := s.Engine.Mutate(ctx, caller.CompanyID, id, func(a *Aggregate) error {
		return rejectAggregate(a, caller.UserID, reason, s.now())
	})
	if errors.Is(err, errUnchanged) {
		s.Metrics.Decision("aggregate_reject", "noop")
		return saved, nil
	}
	if err != nil {
		return Aggregate{}, err
	}
	s.Metrics.Decision("aggregate_reject", "applied")
	s.record(ctx, caller, audit.ActionAggregateRejected, EntityAggregate, id, before, saved)
	return saved, nil
}

func rejectAggregate(a *Aggregate, decidedBy, reason string, at time.Time) error {
	if a.Status == StatusRejected {
		return errUnchanged
	}
	if a.Status == StatusApproved {
		return fmt.Errorf("%w: aggregate is approved", ErrInvalidTransition)
	}
	a.Status = StatusRejected
	a.ApprovedBy = decidedBy
	a.ApprovedDate = &at
	a.RejectionReason = stringPtr(reason)
	return nil
}

// ResubmitAggregate moves a rejected aggregate back to SUBMITTED.
func (s *Service) ResubmitAggregate(ctx context.Context, caller auth.Caller, id string) (Aggregate, error) {
	before, err := s.GetAggregate(ctx, caller, id)
	if err != nil {
		return Aggregate{}, err
	}
	saved, err := s.Engine.Mutate(ctx, caller.CompanyID, id, func(a *Aggregate) error {
		if a.Status != StatusRejected {
			return fmt.Errorf("%w: only rejected aggregates can be resubmitted", ErrInvalidTransition)
		}
		a.Status = StatusSubmitted
		a.SubmittedBy = caller.UserID
		a.SubmittedDate = s.now()
		a.ApprovedBy = ""
		a.ApprovedDate = nil
		return nil
	})
	if err != nil {
		return Aggregate{}, err
	}
	s.record(ctx, caller, audit.ActionAggregateResubmit, EntityAggregate, id, before, saved)
	return saved, nil
}

func (s *Service) team(ctx context.Context, companyID, teamID string) (hierarchy.Team, *hierarchy.Arena, error) {
	arena, err := hierarchy.LoadArena(ctx, s.Directory, companyID)
	if err != nil {
		return hierarchy.Team{}, nil, err
	}
	team, ok, _ := arena.Team(ctx, companyID, teamID)
	if !ok {
		return hierarchy.Team{}, nil, fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}
	return team, arena, nil
}

func (s *Service) UpperTeams(ctx context.Context, caller auth.Caller, teamID string) ([]hierarchy.Team, error) {
	team, arena, err := s.team(ctx, caller.CompanyID, teamID)
	if err != nil {
		return nil, err
	}
	return hierarchy.NewResolver(arena).UpperTeams(ctx, caller.CompanyID, team)
}

func (s *Service) LowerTeams(ctx context.Context, caller auth.Caller, teamID string) ([]hierarchy.Team, error) {
	team, arena, err := s.team(ctx, caller.CompanyID, teamID)
	if err != nil {
		return nil, err
	}
	return hierarchy.NewResolver(arena).LowerTeams(ctx, caller.CompanyID, team)
}
