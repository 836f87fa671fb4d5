package kpi

const (
	StatusDraft     = "DRAFT"
	StatusSubmitted = "SUBMITTED"
	StatusApproved  = "APPROVED"
	StatusRejected  = "REJECTED"

	CodeHigherBetterSum = "HIGHER_BETTER_SUM"
	CodeLowerBetterSum  = "LOWER_BETTER_SUM"
	CodeHigherBetterPct = "HIGHER_BETTER_PCT"
	CodeLowerBetterPct  = "LOWER_BETTER_PCT"
	CodeBinary          = "BINARY"

	SubjectEmployee = "employee"
	SubjectTeam     = "team"

	LevelOwn      = "own"
	LevelTeam     = "team"
	LevelAncestor = "ancestor"

	EntityEvaluationType = "kpi_evaluation_type"
	EntityKPI            = "kpi"
	EntityAggregate      = "kpi_aggregate"
	EntityEvolution      = "kpi_evolution"

	dateLayout = "2006-01-02"
)

var Codes = []string{
	CodeHigherBetterSum,
	CodeLowerBetterSum,
	CodeHigherBetterPct,
	CodeLowerBetterPct,
	CodeBinary,
}
