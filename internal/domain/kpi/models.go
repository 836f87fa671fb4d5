package kpi

import (
	"fmt"
	"time"

	"hrkpi/internal/domain/scope"
)

type EvaluationType struct {
	ID           string    `json:"id"`
	CompanyID    string    `json:"companyId"`
	Name         string    `json:"name"`
	Code         string    `json:"code"`
	DepartmentID string    `json:"departmentId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (t EvaluationType) ScopeFields() map[string]string {
	return map[string]string{
		scope.FieldID:           t.ID,
		scope.FieldCompanyID:    t.CompanyID,
		scope.FieldDepartmentID: t.DepartmentID,
	}
}

type KPI struct {
	ID               string    `json:"id"`
	CompanyID        string    `json:"companyId"`
	Name             string    `json:"name"`
	DepartmentID     string    `json:"departmentId,omitempty"`
	EvaluationTypeID string    `json:"evaluationTypeId"`
	Unit             string    `json:"unit,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

func (k KPI) ScopeFields() map[string]string {
	return map[string]string{
		scope.FieldID:           k.ID,
		scope.FieldCompanyID:    k.CompanyID,
		scope.FieldDepartmentID: k.DepartmentID,
	}
}

// Aggregate is the goal/achieved snapshot of one subject, KPI and period.
// Version increases on every write.
type Aggregate struct {
	ID               string     `json:"id"`
	CompanyID        string     `json:"companyId"`
	SubjectKind      string     `json:"subjectKind"`
	SubjectID        string     `json:"subjectId"`
	TeamID           string     `json:"teamId,omitempty"`
	KPIID            string     `json:"kpiId"`
	EvaluationTypeID string     `json:"evaluationTypeId"`
	PeriodStart      time.Time  `json:"periodStart"`
	PeriodEnd        time.Time  `json:"periodEnd"`
	Goal             *string    `json:"goal,omitempty"`
	AchievedValue    *string    `json:"achievedValue,omitempty"`
	Status           string     `json:"status"`
	SubmittedBy      string     `json:"submittedBy"`
	SubmittedDate    time.Time  `json:"submittedDate"`
	ApprovedBy       string     `json:"approvedBy,omitempty"`
	ApprovedDate     *time.Time `json:"approvedDate,omitempty"`
	RejectionReason  *string    `json:"rejectionReason,omitempty"`
	Version          int        `json:"version"`
	// AppliedFolds lists the fold tokens already combined into AchievedValue.
	AppliedFolds []string `json:"-"`
}

func (a Aggregate) Key() AggregateKey {
	return AggregateKey{
		CompanyID:   a.CompanyID,
		SubjectKind: a.SubjectKind,
		SubjectID:   a.SubjectID,
		KPIID:       a.KPIID,
		PeriodStart: a.PeriodStart,
		PeriodEnd:   a.PeriodEnd,
	}
}

func (a Aggregate) ScopeFields() map[string]string {
	fields := map[string]string{
		scope.FieldID:          a.ID,
		scope.FieldCompanyID:   a.CompanyID,
		scope.FieldSubjectKind: a.SubjectKind,
		scope.FieldSubjectID:   a.SubjectID,
		scope.FieldTeamID:      a.TeamID,
		scope.FieldKPIID:       a.KPIID,
		scope.FieldStatus:      a.Status,
		scope.FieldPeriodStart: a.PeriodStart.Format(dateLayout),
		scope.FieldPeriodEnd:   a.PeriodEnd.Format(dateLayout),
	}
	if a.SubjectKind == SubjectEmployee {
		fields[scope.FieldEmployeeID] = a.SubjectID
	}
	return fields
}

// Terminal reports whether the aggregate no longer takes folds.
func (a Aggregate) Terminal() bool {
	return a.Status == StatusApproved || a.Status == StatusRejected
}

// AggregateKey identifies an aggregate by its natural key. It is also the
// unit of write serialisation.
type AggregateKey struct {
	CompanyID   string
	SubjectKind string
	SubjectID   string
	KPIID       string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

func (k AggregateKey) String() string {
	return fmt.Sprintf("aggregate:%s:%s:%s:%s:%s:%s",
		k.CompanyID, k.SubjectKind, k.SubjectID, k.KPIID,
		k.PeriodStart.Format(dateLayout), k.PeriodEnd.Format(dateLayout))
}

// Evolution is one incremental submission toward an aggregate.
type Evolution struct {
	ID                     string     `json:"id"`
	CompanyID              string     `json:"companyId"`
	SubjectKind            string     `json:"subjectKind"`
	SubjectID              string     `json:"subjectId"`
	TeamID                 string     `json:"teamId,omitempty"`
	AggregateID            string     `json:"aggregateId"`
	AchievedValueEvolution string     `json:"achievedValueEvolution"`
	Status                 string     `json:"status"`
	SubmittedBy            string     `json:"submittedBy"`
	SubmittedDate          time.Time  `json:"submittedDate"`
	ApprovedBy             string     `json:"approvedBy,omitempty"`
	ApprovedDate           *time.Time `json:"approvedDate,omitempty"`
	RejectionReason        *string    `json:"rejectionReason,omitempty"`
	// Corrections counts value changes folded after approval.
	Corrections int `json:"corrections"`
}

// foldToken names one application of the evolution's value: its approval
// for n == 0, its n-th correction otherwise.
func (e Evolution) foldToken(n int) string {
	if n == 0 {
		return e.ID
	}
	return fmt.Sprintf("%s#%d", e.ID, n)
}

func (e Evolution) ScopeFields() map[string]string {
	fields := map[string]string{
		scope.FieldID:          e.ID,
		scope.FieldCompanyID:   e.CompanyID,
		scope.FieldSubjectKind: e.SubjectKind,
		scope.FieldSubjectID:   e.SubjectID,
		scope.FieldTeamID:      e.TeamID,
		scope.FieldAggregateID: e.AggregateID,
		scope.FieldStatus:      e.Status,
	}
	if e.SubjectKind == SubjectEmployee {
		fields[scope.FieldEmployeeID] = e.SubjectID
	}
	return fields
}

type Page struct {
	Limit  int
	Offset int
}

// day truncates t to its UTC calendar date.
func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func stringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
