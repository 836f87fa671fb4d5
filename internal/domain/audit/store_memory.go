package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	m.events = append(m.events, evt)
	return nil
}

// List returns matching events newest first.
func (m *MemoryStore) List(_ context.Context, companyID string, filter Filter, limit, offset int) ([]Event, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		evt := m.events[i]
		if evt.CompanyID == companyID && filter.matches(evt) {
			matched = append(matched, evt)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}
