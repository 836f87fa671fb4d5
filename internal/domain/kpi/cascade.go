package kpi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"hrkpi/internal/domain/hierarchy"
	"hrkpi/internal/domain/org"
	"hrkpi/internal/platform/lock"
)

// Recorder receives engine metrics.
type Recorder interface {
	FoldApplied(level, code string)
	FoldSkipped(level string)
	VersionRetry()
	Decision(action, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) FoldApplied(string, string) {}
func (nopRecorder) FoldSkipped(string)         {}
func (nopRecorder) VersionRetry()              {}
func (nopRecorder) Decision(string, string)    {}

// Engine folds approved values into aggregates and propagates them up the
// team tree. Every write to an aggregate holds the lock for its natural key
// and is a version-checked update retried on conflict.
type Engine struct {
	Store      AggregateStore
	Directory  org.Directory
	Locker     lock.Locker
	Metrics    Recorder
	MaxRetries int
	Now        func() time.Time
}

func NewEngine(store AggregateStore, directory org.Directory, locker lock.Locker, metrics Recorder, maxRetries int) *Engine {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Engine{
		Store:      store,
		Directory:  directory,
		Locker:     locker,
		Metrics:    metrics,
		MaxRetries: maxRetries,
		Now:        time.Now,
	}
}

var (
	// errUnchanged aborts a Mutate without writing.
	errUnchanged = errors.New("aggregate unchanged")
	errTerminal  = errors.New("aggregate is terminal")
)

// Mutate applies change to the latest stored version of an aggregate under
// its key lock, retrying when a concurrent writer bumped the version. When
// change fails, the aggregate it was given is returned with the error.
func (e *Engine) Mutate(ctx context.Context, companyID, aggregateID string, change func(*Aggregate) error) (Aggregate, error) {
	current, err := e.Store.GetAggregate(ctx, companyID, aggregateID)
	if err != nil {
		return Aggregate{}, err
	}
	release, err := e.Locker.Lock(ctx, current.Key().String())
	if err != nil {
		return Aggregate{}, fmt.Errorf("lock aggregate %s: %w", aggregateID, err)
	}
	defer release()

	for attempt := 1; ; attempt++ {
		current, err = e.Store.GetAggregate(ctx, companyID, aggregateID)
		if err != nil {
			return Aggregate{}, err
		}
		next := current
		if err := change(&next); err != nil {
			return current, err
		}
		next.Version = current.Version
		saved, err := e.Store.UpdateAggregate(ctx, next)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= e.MaxRetries {
			return Aggregate{}, err
		}
		e.Metrics.VersionRetry()
	}
}

// Fold combines value into one aggregate and clears its rejection reason.
// The token is recorded on the aggregate; a token already recorded is not
// applied again, so a retried cascade only writes the levels it missed.
// Approved or rejected team levels are skipped; a terminal own aggregate is
// an invalid transition.
func (e *Engine) Fold(ctx context.Context, companyID, aggregateID, token, value, code, level string) (Aggregate, error) {
	saved, err := e.Mutate(ctx, companyID, aggregateID, func(a *Aggregate) error {
		if slices.Contains(a.AppliedFolds, token) {
			return errUnchanged
		}
		if a.Terminal() {
			if level == LevelOwn {
				return fmt.Errorf("%w: aggregate is %s", ErrInvalidTransition, strings.ToLower(a.Status))
			}
			return errTerminal
		}
		next, err := ApplyApproval(a.AchievedValue, value, code)
		if err != nil {
			return err
		}
		a.AchievedValue = &next
		a.RejectionReason = nil
		a.AppliedFolds = append(slices.Clone(a.AppliedFolds), token)
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
		return saved, nil
	case errors.Is(err, errTerminal):
		e.Metrics.FoldSkipped(level)
		return saved, nil
	case err != nil:
		return Aggregate{}, err
	}
	e.Metrics.FoldApplied(level, code)
	return saved, nil
}

type foldTarget struct {
	aggregateID string
	level       string
}

// Cascade folds value into the evolution's own aggregate, the aggregate of
// the owning team for the same KPI and period, and each ancestor team's
// aggregate. Levels without an aggregate are skipped. The full target list
// is resolved before any write, so a broken hierarchy leaves every
// aggregate untouched. Every level is folded under token.
func (e *Engine) Cascade(ctx context.Context, ev Evolution, own Aggregate, token, value, code string) ([]Aggregate, error) {
	targets, err := e.plan(ctx, ev, own)
	if err != nil {
		return nil, err
	}
	touched := make([]Aggregate, 0, len(targets))
	for _, target := range targets {
		saved, err := e.Fold(ctx, own.CompanyID, target.aggregateID, token, value, code, target.level)
		if err != nil {
			return touched, fmt.Errorf("fold %s aggregate %s: %w", target.level, target.aggregateID, err)
		}
		touched = append(touched, saved)
	}
	return touched, nil
}

func (e *Engine) plan(ctx context.Context, ev Evolution, own Aggregate) ([]foldTarget, error) {
	targets := []foldTarget{{aggregateID: own.ID, level: LevelOwn}}

	var start hierarchy.Team
	switch ev.SubjectKind {
	case SubjectEmployee:
		teamID, err := e.employeeTeam(ctx, ev)
		if err != nil {
			return nil, err
		}
		if teamID == "" {
			e.Metrics.FoldSkipped(LevelTeam)
			return targets, nil
		}
		team, ok, err := e.Directory.Team(ctx, ev.CompanyID, teamID)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.Metrics.FoldSkipped(LevelTeam)
			return targets, nil
		}
		target, found, err := e.teamTarget(ctx, own, team.ID, LevelTeam)
		if err != nil {
			return nil, err
		}
		if found {
			targets = append(targets, target)
		}
		start = team

	case SubjectTeam:
		team, ok, err := e.Directory.Team(ctx, ev.CompanyID, ev.SubjectID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return targets, nil
		}
		start = team

	default:
		return nil, fmt.Errorf("%w: subject kind %q", ErrInvalidInput, ev.SubjectKind)
	}

	ancestors, err := hierarchy.NewResolver(e.Directory).UpperTeams(ctx, ev.CompanyID, start)
	if err != nil {
		return nil, err
	}
	for _, ancestor := range ancestors {
		target, found, err := e.teamTarget(ctx, own, ancestor.ID, LevelAncestor)
		if err != nil {
			return nil, err
		}
		if found {
			targets = append(targets, target)
		}
	}
	return targets, nil
}

// employeeTeam is the employee's current team, falling back to the team
// recorded on the evolution when no membership is active.
func (e *Engine) employeeTeam(ctx context.Context, ev Evolution) (string, error) {
	teamID, ok, err := e.Directory.EmployeeTeam(ctx, ev.CompanyID, ev.SubjectID, e.Now())
	if err != nil {
		return "", err
	}
	if ok {
		return teamID, nil
	}
	return ev.TeamID, nil
}

func (e *Engine) teamTarget(ctx context.Context, own Aggregate, teamID, level string) (foldTarget, bool, error) {
	key := own.Key()
	key.SubjectKind = SubjectTeam
	key.SubjectID = teamID
	agg, found, err := e.Store.FindAggregate(ctx, key)
	if err != nil {
		return foldTarget{}, false, err
	}
	if !found {
		e.Metrics.FoldSkipped(level)
		return foldTarget{}, false, nil
	}
	return foldTarget{aggregateID: agg.ID, level: level}, true, nil
}
