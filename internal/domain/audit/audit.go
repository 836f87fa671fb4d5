package audit

import (
	"context"
	"encoding/json"
	"time"

	"hrkpi/internal/requestctx"
)

const (
	ActionEvolutionSubmitted = "kpi.evolution.submitted"
	ActionEvolutionApproved  = "kpi.evolution.approved"
	ActionEvolutionRejected  = "kpi.evolution.rejected"
	ActionEvolutionUpdated   = "kpi.evolution.updated"
	ActionEvolutionDeleted   = "kpi.evolution.deleted"
	ActionAggregateCreated   = "kpi.aggregate.created"
	ActionAggregateUpdated   = "kpi.aggregate.updated"
	ActionAggregateApproved  = "kpi.aggregate.approved"
	ActionAggregateRejected  = "kpi.aggregate.rejected"
	ActionAggregateResubmit  = "kpi.aggregate.resubmitted"
	ActionEvalTypeUpdated    = "kpi.evaluation_type.updated"
)

type Event struct {
	ID         string          `json:"id"`
	CompanyID  string          `json:"companyId"`
	ActorID    string          `json:"actorId"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	RequestID  string          `json:"requestId"`
	IP         string          `json:"ip"`
	CreatedAt  time.Time       `json:"createdAt"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
}

type Filter struct {
	Action     string
	EntityType string
	EntityID   string
	ActorID    string
}

func (f Filter) matches(evt Event) bool {
	if f.Action != "" && evt.Action != f.Action {
		return false
	}
	if f.EntityType != "" && evt.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && evt.EntityID != f.EntityID {
		return false
	}
	return f.ActorID == "" || evt.ActorID == f.ActorID
}

type Store interface {
	Insert(ctx context.Context, evt Event) error
	List(ctx context.Context, companyID string, filter Filter, limit, offset int) ([]Event, int, error)
}

type Service struct {
	Store Store
	Now   func() time.Time
}

func New(store Store) *Service {
	return &Service{Store: store, Now: time.Now}
}

// Record stores one event. Request id and client ip come from ctx.
func (s *Service) Record(ctx context.Context, companyID, actorID, action, entityType, entityID string, before, after any) error {
	evt := Event{
		CompanyID:  companyID,
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		RequestID:  requestctx.GetRequestID(ctx),
		IP:         requestctx.GetClientIP(ctx),
		CreatedAt:  s.Now().UTC(),
	}
	var err error
	if evt.Before, err = marshalState(before); err != nil {
		return err
	}
	if evt.After, err = marshalState(after); err != nil {
		return err
	}
	return s.Store.Insert(ctx, evt)
}

func (s *Service) List(ctx context.Context, companyID string, filter Filter, limit, offset int) ([]Event, int, error) {
	return s.Store.List(ctx, companyID, filter, limit, offset)
}

func marshalState(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
