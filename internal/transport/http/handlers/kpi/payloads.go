package kpihandler

type evaluationTypePayload struct {
	Name         string `json:"name" validate:"required,max=200"`
	Code         string `json:"code" validate:"required,oneof=HIGHER_BETTER_SUM LOWER_BETTER_SUM HIGHER_BETTER_PCT LOWER_BETTER_PCT BINARY"`
	DepartmentID string `json:"departmentId" validate:"max=64"`
}

type evaluationTypeUpdatePayload struct {
	Name         string `json:"name" validate:"max=200"`
	Code         string `json:"code" validate:"omitempty,oneof=HIGHER_BETTER_SUM LOWER_BETTER_SUM HIGHER_BETTER_PCT LOWER_BETTER_PCT BINARY"`
	DepartmentID string `json:"departmentId" validate:"max=64"`
}

type kpiPayload struct {
	Name             string `json:"name" validate:"required,max=200"`
	DepartmentID     string `json:"departmentId" validate:"max=64"`
	EvaluationTypeID string `json:"evaluationTypeId" validate:"required"`
	Unit             string `json:"unit" validate:"max=32"`
}

type aggregatePayload struct {
	SubjectKind   string  `json:"subjectKind" validate:"required,oneof=employee team"`
	SubjectID     string  `json:"subjectId" validate:"required"`
	KPIID         string  `json:"kpiId" validate:"required"`
	PeriodStart   string  `json:"periodStart" validate:"required"`
	PeriodEnd     string  `json:"periodEnd" validate:"required"`
	Goal          *string `json:"goal"`
	AchievedValue *string `json:"achievedValue"`
}

type aggregateUpdatePayload struct {
	Goal          *string `json:"goal"`
	AchievedValue *string `json:"achievedValue"`
	PeriodStart   *string `json:"periodStart"`
	PeriodEnd     *string `json:"periodEnd"`
}

type rejectPayload struct {
	Reason string `json:"reason" validate:"max=2000"`
}

type submitPayload struct {
	AggregateID            string `json:"aggregateId" validate:"required"`
	AchievedValueEvolution string `json:"achievedValueEvolution" validate:"required,max=64"`
}

type evolutionUpdatePayload struct {
	AggregateID            *string `json:"aggregateId"`
	SubmittedDate          *string `json:"submittedDate"`
	AchievedValueEvolution *string `json:"achievedValueEvolution"`
}
