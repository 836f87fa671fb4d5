package kpi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hrkpi/internal/domain/audit"
	"hrkpi/internal/domain/auth"
	"hrkpi/internal/domain/scope"
)

func evolutionLockKey(id string) string {
	return "evolution:" + id
}

// submissionLockKey serialises submissions against one aggregate so the
// single-evolution rule for binary KPIs holds under concurrency.
func submissionLockKey(aggregateID string) string {
	return "submissions:" + aggregateID
}

type SubmitInput struct {
	AggregateID string
	Value       string
}

// SubmitEvolution records a new evolution toward an aggregate in SUBMITTED.
// Approved and rejected aggregates take no further submissions; a rejected
// one must be resubmitted first.
func (s *Service) SubmitEvolution(ctx context.Context, caller auth.Caller, in SubmitInput) (Evolution, error) {
	agg, err := s.GetAggregate(ctx, caller, in.AggregateID)
	if err != nil {
		return Evolution{}, err
	}
	if agg.Terminal() {
		return Evolution{}, fmt.Errorf("%w: aggregate %s is %s", ErrInvalidTransition, agg.ID, agg.Status)
	}
	code, err := s.codeOf(ctx, agg)
	if err != nil {
		return Evolution{}, err
	}
	if err := ValidateValue(in.Value, code); err != nil {
		return Evolution{}, err
	}

	release, err := s.Locker.Lock(ctx, submissionLockKey(agg.ID))
	if err != nil {
		return Evolution{}, err
	}
	defer release()

	if err := s.checkBinarySlot(ctx, agg, code); err != nil {
		return Evolution{}, err
	}

	ev := Evolution{
		CompanyID:              agg.CompanyID,
		SubjectKind:            agg.SubjectKind,
		SubjectID:              agg.SubjectID,
		TeamID:                 agg.TeamID,
		AggregateID:            agg.ID,
		AchievedValueEvolution: in.Value,
		Status:                 StatusSubmitted,
		SubmittedBy:            caller.UserID,
		SubmittedDate:          s.now(),
	}
	if agg.SubjectKind == SubjectEmployee {
		if teamID, ok, err := s.Directory.EmployeeTeam(ctx, agg.CompanyID, agg.SubjectID, s.Now()); err == nil && ok {
			ev.TeamID = teamID
		}
	}
	id, err := s.Store.CreateEvolution(ctx, ev)
	if err != nil {
		return Evolution{}, err
	}
	ev.ID = id
	s.Metrics.Decision("submit", "applied")
	s.record(ctx, caller, audit.ActionEvolutionSubmitted, EntityEvolution, id, nil, ev)
	return ev, nil
}

// checkBinarySlot enforces at most one evolution per subject and aggregate
// for binary KPIs.
func (s *Service) checkBinarySlot(ctx context.Context, agg Aggregate, code string) error {
	if code != CodeBinary {
		return nil
	}
	count, err := s.Store.CountEvolutions(ctx, agg.CompanyID, agg.SubjectID, agg.ID)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: binary KPI already has an evolution for this subject", ErrConflict)
	}
	return nil
}

func (s *Service) GetEvolution(ctx context.Context, caller auth.Caller, id string) (Evolution, error) {
	ev, err := s.Store.GetEvolution(ctx, caller.CompanyID, id)
	if err != nil {
		return Evolution{}, err
	}
	if err := s.authorize(ctx, caller, subjectScope, ev.ScopeFields()); err != nil {
		return Evolution{}, err
	}
	return ev, nil
}

func (s *Service) ListEvolutions(ctx context.Context, caller auth.Caller, base scope.Filter, page Page) ([]Evolution, int, error) {
	f, err := s.visible(ctx, caller, subjectScope)
	if err != nil {
		return nil, 0, err
	}
	return s.Store.ListEvolutions(ctx, f.And(base), page)
}

// ApproveEvolution runs the cascade and marks the evolution APPROVED.
// Approving twice is a no-op; approving a rejected evolution fails. A
// cascade that failed partway is completed by approving again.
func (s *Service) ApproveEvolution(ctx context.Context, caller auth.Caller, id string) (Evolution, error) {
	release, err := s.Locker.Lock(ctx, evolutionLockKey(id))
	if err != nil {
		return Evolution{}, err
	}
	defer release()

	ev, err := s.GetEvolution(ctx, caller, id)
	if err != nil {
		return Evolution{}, err
	}
	switch ev.Status {
	case StatusApproved:
		s.Metrics.Decision("approve", "noop")
		return ev, nil
	case StatusRejected:
		s.Metrics.Decision("approve", "invalid")
		return ev, fmt.Errorf("%w: evolution %s is rejected", ErrInvalidTransition, id)
	}

	own, err := s.Store.GetAggregate(ctx, ev.CompanyID, ev.AggregateID)
	if err != nil {
		return Evolution{}, err
	}
	code, err := s.codeOf(ctx, own)
	if err != nil {
		return Evolution{}, err
	}
	if _, err := s.Engine.Cascade(ctx, ev, own, ev.foldToken(0), ev.AchievedValueEvolution, code); err != nil {
		return Evolution{}, err
	}

	before := ev
	now := s.now()
	ev.Status = StatusApproved
	ev.ApprovedBy = caller.UserID
	ev.ApprovedDate = &now
	ev.RejectionReason = nil
	if err := s.Store.UpdateEvolution(ctx, ev); err != nil {
		return Evolution{}, err
	}
	s.Metrics.Decision("approve", "applied")
	s.record(ctx, caller, audit.ActionEvolutionApproved, EntityEvolution, id, before, ev)
	s.notify(ctx, ev)
	return ev, nil
}

// RejectEvolution marks the evolution REJECTED without touching aggregate
// values. For binary KPIs the owning aggregate is rejected first, under the
// same rules as RejectAggregate.
func (s *Service) RejectEvolution(ctx context.Context, caller auth.Caller, id, reason string) (Evolution, error) {
	release, err := s.Locker.Lock(ctx, evolutionLockKey(id))
	if err != nil {
		return Evolution{}, err
	}
	defer release()

	ev, err := s.GetEvolution(ctx, caller, id)
	if err != nil {
		return Evolution{}, err
	}
	switch ev.Status {
	case StatusRejected:
		s.Metrics.Decision("reject", "noop")
		return ev, nil
	case StatusApproved:
		s.Metrics.Decision("reject", "invalid")
		return ev, fmt.Errorf("%w: evolution %s is approved", ErrInvalidTransition, id)
	}

	own, err := s.Store.GetAggregate(ctx, ev.CompanyID, ev.AggregateID)
	if err != nil {
		return Evolution{}, err
	}
	code, err := s.codeOf(ctx, own)
	if err != nil {
		return Evolution{}, err
	}

	now := s.now()
	if code == CodeBinary {
		rejected, err := s.Engine.Mutate(ctx, own.CompanyID, own.ID, func(a *Aggregate) error {
			return rejectAggregate(a, caller.UserID, reason, now)
		})
		switch {
		case errors.Is(err, errUnchanged):
		case err != nil:
			return Evolution{}, fmt.Errorf("reject binary aggregate %s: %w", own.ID, err)
		default:
			s.record(ctx, caller, audit.ActionAggregateRejected, EntityAggregate, own.ID, own, rejected)
		}
	}

	before := ev
	ev.Status = StatusRejected
	ev.ApprovedBy = caller.UserID
	ev.ApprovedDate = &now
	ev.RejectionReason = stringPtr(reason)
	if err := s.Store.UpdateEvolution(ctx, ev); err != nil {
		return Evolution{}, err
	}

	s.Metrics.Decision("reject", "applied")
	s.record(ctx, caller, audit.ActionEvolutionRejected, EntityEvolution, id, before, ev)
	s.notify(ctx, ev)
	return ev, nil
}

type EvolutionUpdate struct {
	AggregateID            *string
	SubmittedDate          *time.Time
	AchievedValueEvolution *string
}

// UpdateEvolution edits an evolution in any state. Identity changes are
// checked against the uniqueness rules. Only approvers may change an
// approved evolution; a new value is folded through the cascade as a
// correction, and a failed correction is completed by repeating the update.
func (s *Service) UpdateEvolution(ctx context.Context, caller auth.Caller, id string, in EvolutionUpdate) (Evolution, error) {
	release, err := s.Locker.Lock(ctx, evolutionLockKey(id))
	if err != nil {
		return Evolution{}, err
	}
	defer release()

	ev, err := s.GetEvolution(ctx, caller, id)
	if err != nil {
		return Evolution{}, err
	}
	if ev.Status == StatusApproved && !caller.Can(auth.PermKPIApprove) {
		return Evolution{}, fmt.Errorf("%w: approved evolutions are changed by approvers only", ErrInvalidTransition)
	}
	before := ev

	parent, err := s.Store.GetAggregate(ctx, ev.CompanyID, ev.AggregateID)
	if err != nil {
		return Evolution{}, err
	}
	code, err := s.codeOf(ctx, parent)
	if err != nil {
		return Evolution{}, err
	}

	if in.AggregateID != nil && *in.AggregateID != ev.AggregateID {
		if ev.Status == StatusApproved {
			return Evolution{}, fmt.Errorf("%w: approved evolutions cannot move to another aggregate", ErrInvalidTransition)
		}
		target, err := s.GetAggregate(ctx, caller, *in.AggregateID)
		if err != nil {
			return Evolution{}, err
		}
		if target.SubjectKind != ev.SubjectKind || target.SubjectID != ev.SubjectID {
			return Evolution{}, fmt.Errorf("%w: aggregate belongs to another subject", ErrInvalidInput)
		}
		if target.Terminal() {
			return Evolution{}, fmt.Errorf("%w: aggregate %s is %s", ErrInvalidTransition, target.ID, target.Status)
		}
		if code, err = s.codeOf(ctx, target); err != nil {
			return Evolution{}, err
		}
		releaseTarget, err := s.Locker.Lock(ctx, submissionLockKey(target.ID))
		if err != nil {
			return Evolution{}, err
		}
		defer releaseTarget()
		if err := s.checkBinarySlot(ctx, target, code); err != nil {
			return Evolution{}, err
		}
		ev.AggregateID = target.ID
		parent = target
	}
	if in.SubmittedDate != nil {
		ev.SubmittedDate = in.SubmittedDate.UTC().Truncate(time.Microsecond)
	}

	correction := ""
	if in.AchievedValueEvolution != nil && *in.AchievedValueEvolution != ev.AchievedValueEvolution {
		if err := ValidateValue(*in.AchievedValueEvolution, code); err != nil {
			return Evolution{}, err
		}
		if ev.Status == StatusApproved {
			if correction, err = CorrectionValue(ev.AchievedValueEvolution, *in.AchievedValueEvolution, code); err != nil {
				return Evolution{}, err
			}
		}
		ev.AchievedValueEvolution = *in.AchievedValueEvolution
	}

	if correction != "" {
		// Identity changes land first so a conflict leaves aggregates as they were.
		staged := ev
		staged.AchievedValueEvolution = before.AchievedValueEvolution
		if err := s.Store.UpdateEvolution(ctx, staged); err != nil {
			return Evolution{}, err
		}
		ev.Corrections++
		if _, err := s.Engine.Cascade(ctx, ev, parent, ev.foldToken(ev.Corrections), correction, code); err != nil {
			return Evolution{}, fmt.Errorf("cascade correction for evolution %s: %w", id, err)
		}
		s.Metrics.Decision("correct", "applied")
	}
	if err := s.Store.UpdateEvolution(ctx, ev); err != nil {
		return Evolution{}, err
	}
	s.record(ctx, caller, audit.ActionEvolutionUpdated, EntityEvolution, id, before, ev)
	return ev, nil
}

// DeleteEvolution removes an evolution. Contributions already folded into
// aggregates stay in place.
func (s *Service) DeleteEvolution(ctx context.Context, caller auth.Caller, id string) error {
	release, err := s.Locker.Lock(ctx, evolutionLockKey(id))
	if err != nil {
		return err
	}
	defer release()

	ev, err := s.GetEvolution(ctx, caller, id)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteEvolution(ctx, caller.CompanyID, id); err != nil {
		return err
	}
	s.record(ctx, caller, audit.ActionEvolutionDeleted, EntityEvolution, id, ev, nil)
	return nil
}

// notify mails the employee behind a decided evolution. Failures are logged.
func (s *Service) notify(ctx context.Context, ev Evolution) {
	if s.Mailer == nil || ev.SubjectKind != SubjectEmployee {
		return
	}
	emp, err := s.Directory.Employee(ctx, ev.CompanyID, ev.SubjectID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Warn("kpi notification lookup failed", "employeeId", ev.SubjectID, "err", err)
		}
		return
	}
	subject := fmt.Sprintf("KPI submission %s", statusWord(ev.Status))
	body := fmt.Sprintf("Your KPI submission of %s was %s.", ev.AchievedValueEvolution, statusWord(ev.Status))
	if ev.RejectionReason != nil {
		body += "\nReason: " + *ev.RejectionReason
	}
	if err := s.Mailer.Send(ctx, s.MailFrom, emp.Email, subject, body); err != nil {
		slog.Warn("kpi notification email failed", "employeeId", ev.SubjectID, "err", err)
	}
}

func statusWord(status string) string {
	switch status {
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	}
	return "updated"
}
