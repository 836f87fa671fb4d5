package kpi

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"hrkpi/internal/domain/scope"
)

// MemoryStore implements StoreAPI in process memory with the same
// uniqueness and version rules as the Postgres store.
type MemoryStore struct {
	mu         sync.RWMutex
	evalTypes  map[string]EvaluationType
	kpis       map[string]KPI
	aggregates map[string]Aggregate
	evolutions map[string]Evolution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		evalTypes:  make(map[string]EvaluationType),
		kpis:       make(map[string]KPI),
		aggregates: make(map[string]Aggregate),
		evolutions: make(map[string]Evolution),
	}
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func (m *MemoryStore) CreateEvaluationType(_ context.Context, t EvaluationType) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = newID(t.ID)
	if _, exists := m.evalTypes[t.ID]; exists {
		return "", ErrConflict
	}
	m.evalTypes[t.ID] = t
	return t.ID, nil
}

func (m *MemoryStore) GetEvaluationType(_ context.Context, companyID, id string) (EvaluationType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.evalTypes[id]
	if !ok || t.CompanyID != companyID {
		return EvaluationType{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) UpdateEvaluationType(_ context.Context, t EvaluationType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.evalTypes[t.ID]
	if !ok || existing.CompanyID != t.CompanyID {
		return ErrNotFound
	}
	m.evalTypes[t.ID] = t
	return nil
}

func (m *MemoryStore) ListEvaluationTypes(_ context.Context, filter scope.Filter, page Page) ([]EvaluationType, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []EvaluationType
	for _, t := range m.evalTypes {
		if filter.Matches(t.ScopeFields()) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, page), len(out), nil
}

func (m *MemoryStore) CountEvolutionsByEvaluationType(_ context.Context, companyID, evaluationTypeID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.evolutions {
		if e.CompanyID != companyID {
			continue
		}
		if a, ok := m.aggregates[e.AggregateID]; ok && a.EvaluationTypeID == evaluationTypeID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CreateKPI(_ context.Context, k KPI) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k.ID = newID(k.ID)
	if _, exists := m.kpis[k.ID]; exists {
		return "", ErrConflict
	}
	m.kpis[k.ID] = k
	return k.ID, nil
}

func (m *MemoryStore) GetKPI(_ context.Context, companyID, id string) (KPI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kpis[id]
	if !ok || k.CompanyID != companyID {
		return KPI{}, ErrNotFound
	}
	return k, nil
}

func (m *MemoryStore) ListKPIs(_ context.Context, filter scope.Filter, page Page) ([]KPI, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []KPI
	for _, k := range m.kpis {
		if filter.Matches(k.ScopeFields()) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, page), len(out), nil
}

func (m *MemoryStore) CreateAggregate(_ context.Context, a Aggregate) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyTaken(a.Key(), "") {
		return "", ErrConflict
	}
	a.ID = newID(a.ID)
	a.Version = 1
	m.aggregates[a.ID] = a
	return a.ID, nil
}

func (m *MemoryStore) keyTaken(key AggregateKey, exceptID string) bool {
	for id, existing := range m.aggregates {
		if id != exceptID && sameKey(existing.Key(), key) {
			return true
		}
	}
	return false
}

func sameKey(a, b AggregateKey) bool {
	return a.CompanyID == b.CompanyID &&
		a.SubjectKind == b.SubjectKind &&
		a.SubjectID == b.SubjectID &&
		a.KPIID == b.KPIID &&
		a.PeriodStart.Equal(b.PeriodStart) &&
		a.PeriodEnd.Equal(b.PeriodEnd)
}

func (m *MemoryStore) GetAggregate(_ context.Context, companyID, id string) (Aggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.aggregates[id]
	if !ok || a.CompanyID != companyID {
		return Aggregate{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) FindAggregate(_ context.Context, key AggregateKey) (Aggregate, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.aggregates {
		if sameKey(a.Key(), key) {
			return a, true, nil
		}
	}
	return Aggregate{}, false, nil
}

func (m *MemoryStore) ListAggregates(_ context.Context, filter scope.Filter, page Page) ([]Aggregate, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Aggregate
	for _, a := range m.aggregates {
		if filter.Matches(a.ScopeFields()) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.After(out[j].PeriodStart)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, page), len(out), nil
}

func (m *MemoryStore) UpdateAggregate(_ context.Context, a Aggregate) (Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.aggregates[a.ID]
	if !ok || existing.CompanyID != a.CompanyID {
		return Aggregate{}, ErrNotFound
	}
	if existing.Version != a.Version {
		return Aggregate{}, ErrVersionConflict
	}
	if m.keyTaken(a.Key(), a.ID) {
		return Aggregate{}, ErrConflict
	}
	a.Version++
	a.AppliedFolds = slices.Clone(a.AppliedFolds)
	m.aggregates[a.ID] = a
	return a, nil
}

func (m *MemoryStore) CreateEvolution(_ context.Context, e Evolution) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.evolutionTaken(e, "") {
		return "", ErrConflict
	}
	e.ID = newID(e.ID)
	m.evolutions[e.ID] = e
	return e.ID, nil
}

func (m *MemoryStore) evolutionTaken(e Evolution, exceptID string) bool {
	for id, existing := range m.evolutions {
		if id == exceptID {
			continue
		}
		if existing.CompanyID == e.CompanyID &&
			existing.SubjectID == e.SubjectID &&
			existing.AggregateID == e.AggregateID &&
			existing.SubmittedDate.Equal(e.SubmittedDate) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetEvolution(_ context.Context, companyID, id string) (Evolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.evolutions[id]
	if !ok || e.CompanyID != companyID {
		return Evolution{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) CountEvolutions(_ context.Context, companyID, subjectID, aggregateID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.evolutions {
		if e.CompanyID == companyID && e.SubjectID == subjectID && e.AggregateID == aggregateID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListEvolutions(_ context.Context, filter scope.Filter, page Page) ([]Evolution, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Evolution
	for _, e := range m.evolutions {
		if filter.Matches(e.ScopeFields()) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedDate.Equal(out[j].SubmittedDate) {
			return out[i].SubmittedDate.After(out[j].SubmittedDate)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, page), len(out), nil
}

func (m *MemoryStore) UpdateEvolution(_ context.Context, e Evolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.evolutions[e.ID]
	if !ok || existing.CompanyID != e.CompanyID {
		return ErrNotFound
	}
	if m.evolutionTaken(e, e.ID) {
		return ErrConflict
	}
	m.evolutions[e.ID] = e
	return nil
}

func (m *MemoryStore) DeleteEvolution(_ context.Context, companyID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.evolutions[id]
	if !ok || e.CompanyID != companyID {
		return ErrNotFound
	}
	delete(m.evolutions, id)
	return nil
}

func paginate[T any](items []T, page Page) []T {
	if page.Offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return items[page.Offset:end]
}
