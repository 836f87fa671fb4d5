package kpi

import (
	"context"

	"hrkpi/internal/domain/scope"
)

type DefinitionStore interface {
	CreateEvaluationType(ctx context.Context, t EvaluationType) (string, error)
	GetEvaluationType(ctx context.Context, companyID, id string) (EvaluationType, error)
	UpdateEvaluationType(ctx context.Context, t EvaluationType) error
	ListEvaluationTypes(ctx context.Context, filter scope.Filter, page Page) ([]EvaluationType, int, error)
	CountEvolutionsByEvaluationType(ctx context.Context, companyID, evaluationTypeID string) (int, error)
	CreateKPI(ctx context.Context, k KPI) (string, error)
	GetKPI(ctx context.Context, companyID, id string) (KPI, error)
	ListKPIs(ctx context.Context, filter scope.Filter, page Page) ([]KPI, int, error)
}

// AggregateStore persists aggregates. UpdateAggregate is a compare-and-swap
// on Version: it fails with ErrVersionConflict when the stored version no
// longer equals a.Version, and returns the row with its new version.
type AggregateStore interface {
	CreateAggregate(ctx context.Context, a Aggregate) (string, error)
	GetAggregate(ctx context.Context, companyID, id string) (Aggregate, error)
	FindAggregate(ctx context.Context, key AggregateKey) (Aggregate, bool, error)
	ListAggregates(ctx context.Context, filter scope.Filter, page Page) ([]Aggregate, int, error)
	UpdateAggregate(ctx context.Context, a Aggregate) (Aggregate, error)
}

type EvolutionStore interface {
	CreateEvolution(ctx context.Context, e Evolution) (string, error)
	GetEvolution(ctx context.Context, companyID, id string) (Evolution, error)
	CountEvolutions(ctx context.Context, companyID, subjectID, aggregateID string) (int, error)
	ListEvolutions(ctx context.Context, filter scope.Filter, page Page) ([]Evolution, int, error)
	UpdateEvolution(ctx context.Context, e Evolution) error
	DeleteEvolution(ctx context.Context, companyID, id string) error
}

type StoreAPI interface {
	DefinitionStore
	AggregateStore
	EvolutionStore
}
