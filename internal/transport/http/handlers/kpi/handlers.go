package kpihandler

import (
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hrkpi/internal/domain/auth"
	"hrkpi/internal/domain/kpi"
	"hrkpi/internal/domain/scope"
	"hrkpi/internal/transport/http/api"
	"hrkpi/internal/transport/http/middleware"
	"hrkpi/internal/transport/http/shared"
)

type Handler struct {
	Service *kpi.Service
	Perms   middleware.PermissionStore
}

func NewHandler(service *kpi.Service, perms middleware.PermissionStore) *Handler {
	return &Handler{Service: service, Perms: perms}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	read := middleware.RequirePermission(auth.PermKPIRead, h.Perms)
	write := middleware.RequirePermission(auth.PermKPIWrite, h.Perms)
	approve := middleware.RequirePermission(auth.PermKPIApprove, h.Perms)
	admin := middleware.RequirePermission(auth.PermKPIAdmin, h.Perms)
	org := middleware.RequirePermission(auth.PermOrgRead, h.Perms)

	r.Route("/kpi", func(r chi.Router) {
		r.With(read).Get("/evaluation-types", h.handleListEvaluationTypes)
		r.With(admin).Post("/evaluation-types", h.handleCreateEvaluationType)
		r.With(admin).Put("/evaluation-types/{typeID}", h.handleUpdateEvaluationType)

		r.With(read).Get("/kpis", h.handleListKPIs)
		r.With(admin).Post("/kpis", h.handleCreateKPI)

		r.With(read).Get("/aggregates", h.handleListAggregates)
		r.With(approve).Post("/aggregates", h.handleCreateAggregate)
		r.With(read).Get("/aggregates/{aggregateID}", h.handleGetAggregate)
		r.With(approve).Put("/aggregates/{aggregateID}", h.handleUpdateAggregate)
		r.With(approve).Post("/aggregates/{aggregateID}/approve", h.handleApproveAggregate)
		r.With(approve).Post("/aggregates/{aggregateID}/reject", h.handleRejectAggregate)
		r.With(write).Post("/aggregates/{aggregateID}/resubmit", h.handleResubmitAggregate)

		r.With(read).Get("/evolutions", h.handleListEvolutions)
		r.With(write).Post("/evolutions", h.handleSubmitEvolution)
		r.With(read).Get("/evolutions/{evolutionID}", h.handleGetEvolution)
		r.With(write).Put("/evolutions/{evolutionID}", h.handleUpdateEvolution)
		r.With(admin).Delete("/evolutions/{evolutionID}", h.handleDeleteEvolution)
		r.With(approve).Post("/evolutions/{evolutionID}/approve", h.handleApproveEvolution)
		r.With(approve).Post("/evolutions/{evolutionID}/reject", h.handleRejectEvolution)

		r.With(org).Get("/teams/{teamID}/upper", h.handleUpperTeams)
		r.With(org).Get("/teams/{teamID}/lower", h.handleLowerTeams)
		r.With(read).Get("/teams/{teamID}/scorecard.pdf", h.handleScorecard)
	})
}

// caller returns the authenticated identity, answering 401 when absent.
func caller(w http.ResponseWriter, r *http.Request) (auth.Caller, bool) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
	}
	return user, ok
}

// queryFilter copies the listed query parameters into a filter.
func queryFilter(r *http.Request, fields ...string) scope.Filter {
	f := scope.Filter{}
	for _, field := range fields {
		if v := r.URL.Query().Get(field); v != "" {
			f.Where(field, v)
		}
	}
	return f
}

func page(r *http.Request) (kpi.Page, api.Meta) {
	w := shared.ParseWindow(r, shared.DefaultLimit)
	return kpi.Page{Limit: w.Limit, Offset: w.Offset}, w.Meta(0)
}

func (h *Handler) handleListEvaluationTypes(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	pg, meta := page(r)
	items, total, err := h.Service.ListEvaluationTypes(r.Context(), user, queryFilter(r, scope.FieldDepartmentID), pg)
	if err != nil {
		writeError(w, r, err, "evaluation_type_list_failed")
		return
	}
	meta.Total = total
	api.List(w, items, meta, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleCreateEvaluationType(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	reqID := middleware.GetRequestID(r.Context())
	var payload evaluationTypePayload
	if !shared.Decode(w, r, &payload, reqID) {
		return
	}
	v := shared.NewValidator()
	v.Struct(payload)
	if v.Reject(w, reqID) {
		return
	}
	created, err := h.Service.CreateEvaluationType(r.Context(), user, kpi.EvaluationTypeInput{
		Name:         payload.Name,
		Code:         payload.Code,
		DepartmentID: payload.DepartmentID,
	})
	if err != nil {
		writeError(w, r, err, "evaluation_type_create_failed")
		return
	}
	api.Created(w, created, reqID)
}

func (h *Handler) handleUpdateEvaluationType(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	reqID := middleware.GetRequestID(r.Context())
	var payload evaluationTypeUpdatePayload
	if !shared.Decode(w, r, &payload, reqID) {
		return
	}
	v := shared.NewValidator()
	v.Struct(payload)
	if v.Reject(w, reqID) {
		return
	}
	updated, err := h.Service.UpdateEvaluationType(r.Context(), user, chi.URLParam(r, "typeID"), kpi.EvaluationTypeInput{
		Name:         payload.Name,
		Code:         payload.Code,
		DepartmentID: payload.DepartmentID,
	})
	if err != nil {
		writeError(w, r, err, "evaluation_type_update_failed")
		return
	}
	api.Success(w, updated, reqID)
}

func (h *Handler) handleListKPIs(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	pg, meta := page(r)
	items, total, err := h.Service.ListKPIs(r.Context(), user, queryFilter(r, scope.FieldDepartmentID), pg)
	if err != nil {
		writeError(w, r, err, "kpi_list_failed")
		return
	}
	meta.Total = total
	api.List(w, items, meta, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleCreateKPI(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	reqID := middleware.GetRequestID(r.Context())
	var payload kpiPayload
	if !shared.Decode(w, r, &payload, reqID) {
		return
	}
	v := shared.NewValidator()
	v.Struct(payload)
	if v.Reject(w, reqID) {
		return
	}
	created, err := h.Service.CreateKPI(r.Context(), user, kpi.KPIInput{
		Name:             payload.Name,
		DepartmentID:     payload.DepartmentID,
		EvaluationTypeID: payload.EvaluationTypeID,
		Unit:             payload.Unit,
	})
	if err != nil {
		writeError(w, r, err, "kpi_create_failed")
		return
	}
	api.Created(w, created, reqID)
}

func (h *Handler) handleListAggregates(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	pg, meta := page(r)
	base := queryFilter(r,
		scope.FieldSubjectKind,
		scope.FieldSubjectID,
		scope.FieldTeamID,
		scope.FieldEmployeeID,
		scope.FieldKPIID,
		scope.FieldStatus,
	)
	items, total, err := h.Service.ListAggregates(r.Context(), user, base, pg)
	if err != nil {
		writeError(w, r, err, "aggregate_list_failed")
		return
	}
	meta.Total = total
	api.List(w, items, meta, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleCreateAggregate(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	reqID := middleware.GetRequestID(r.Context())
	var payload aggregatePayload
	if !shared.Decode(w, r, &payload, reqID) {
		return
	}
	v := shared.NewValidator()
	v.Struct(payload)
	var start, end time.Time
	if payload.PeriodStart != "" && payload.PeriodEnd != "" {
		start, _ = v.Date("periodStart", payload.PeriodStart)
		end, _ = v.Date("periodEnd", payload.PeriodEnd)
		v.DateOrder("periodStart", start, "periodEnd", end)
	}
	if v.Reject(w, reqID) {
		return
	}
	created, err := h.Service.CreateAggregate(r.Context(), user, kpi.AggregateInput{
		SubjectKind:   payload.SubjectKind,
		SubjectID:     payload.SubjectID,
		KPIID:         payload.KPIID,
		PeriodStart:   start,
		PeriodEnd:     end,
		Goal:          payload.Goal,
		AchievedValue: payload.AchievedValue,
	})
	if err != nil {
		writeError(w, r, err, "aggregate_create_failed")
		return
	}
	api.Created(w, created, reqID)
}

func (h *Handler) handleGetAggregate(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	agg, err := h.Service.GetAggregate(r.Context(), user, chi.URLParam(r, "aggregateID"))
	if err != nil {
		writeError(w, r, err, "aggregate_get_failed")
		return
	}
	api.Success(w, agg, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleUpdateAggregate(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	reqID := middleware.GetRequestID(r.Context())
	var payload aggregateUpdatePayload
	if !shared.Decode(w, r, &payload, reqID) {
		return
	}
	v := shared.NewValidator()
	in := kpi.AggregateUpdate{
		Goal:          payload.Goal,
		AchievedValue: payload.AchievedValue,
		PeriodStart:   v.OptionalDate("periodStart", payload.PeriodStart),
		PeriodEnd:     v.OptionalDate("periodEnd", payload.PeriodEnd),
	}
	if v.Reject(w, reqID) {
		return
	}
	updated, err := h.Service.UpdateAggregate(r.Context(), user, chi.URLParam(r, "aggregateID"), in)
	if err != nil {
		writeError(w, r, err, "aggregate_update_failed")
		return
	}
	api.Success(w, updated, reqID)
}

func (h *Handler) handleApproveAggregate(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	agg, err := h.Service.ApproveAggregate(r.Context(), user, chi.URLParam(r, "aggregateID"))
	if err != nil {
		writeError(w, r, err, "aggregate_approve_failed")
		return
	}
	api.Success(w, agg, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleRejectAggregate(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	reason, ok := decodeReason(w, r)
	if !ok {
		return
	}
	agg, err := h.Service.RejectAggregate(r.Context(), user, chi.URLParam(r, "aggregateID"), reason)
	if err != nil {
		writeError(w, r, err, "aggregate_reject_failed")
		return
	}
	api.Success(w, agg, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleResubmitAggregate(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	agg, err := h.Service.ResubmitAggregate(r.Context(), user, chi.URLParam(r, "aggregateID"))
	if err != nil {
		writeError(w, r, err, "aggregate_resubmit_failed")
		return
	}
	api.Success(w, agg, middleware.GetRequestID(r.Context()))
}

// decodeReason reads the optional rejection body.
func decodeReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.ContentLength == 0 {
		return "", true
	}
	reqID := middleware.GetRequestID(r.Context())
	var payload rejectPayload
	if !shared.Decode(w, r, &payload, reqID) {
		return "", false
	}
	v := shared.NewValidator()
	v.Struct(payload)
	if v.Reject(w, reqID) {
		return "", false
	}
	return payload.Reason, true
}

func (h *Handler) handleListEvolutions(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	pg, meta := page(r)
	base := queryFilter(r,
		scope.FieldSubjectKind,
		scope.FieldSubjectID,
		scope.FieldTeamID,
		scope.FieldEmployeeID,
		scope.FieldAggregateID,
		scope.FieldStatus,
	)
	items, total, err := h.Service.ListEvolutions(r.Context(), user, base, pg)
	if err != nil {
		writeError(w, r, err, "evolution_list_failed")
		return
	}
	meta.Total = total
	api.List(w, items, meta, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleSubmitEvolution(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	reqID := middleware.GetRequestID(r.Context())
	var payload submitPayload
	if !shared.Decode(w, r, &payload, reqID) {
		return
	}
	v := shared.NewValidator()
	v.Struct(payload)
	if v.Reject(w, reqID) {
		return
	}
	ev, err := h.Service.SubmitEvolution(r.Context(), user, kpi.SubmitInput{
		AggregateID: payload.AggregateID,
		Value:       payload.AchievedValueEvolution,
	})
	if err != nil {
		writeError(w, r, err, "evolution_submit_failed")
		return
	}
	api.Created(w, ev, reqID)
}

func (h *Handler) handleGetEvolution(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	ev, err := h.Service.GetEvolution(r.Context(), user, chi.URLParam(r, "evolutionID"))
	if err != nil {
		writeError(w, r, err, "evolution_get_failed")
		return
	}
	api.Success(w, ev, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleUpdateEvolution(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	reqID := middleware.GetRequestID(r.Context())
	var payload evolutionUpdatePayload
	if !shared.Decode(w, r, &payload, reqID) {
		return
	}
	v := shared.NewValidator()
	in := kpi.EvolutionUpdate{
		AggregateID:            payload.AggregateID,
		SubmittedDate:          v.OptionalDate("submittedDate", payload.SubmittedDate),
		AchievedValueEvolution: payload.AchievedValueEvolution,
	}
	if v.Reject(w, reqID) {
		return
	}
	ev, err := h.Service.UpdateEvolution(r.Context(), user, chi.URLParam(r, "evolutionID"), in)
	if err != nil {
		writeError(w, r, err, "evolution_update_failed")
		return
	}
	api.Success(w, ev, reqID)
}

func (h *Handler) handleDeleteEvolution(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.Service.DeleteEvolution(r.Context(), user, chi.URLParam(r, "evolutionID")); err != nil {
		writeError(w, r, err, "evolution_delete_failed")
		return
	}
	api.NoContent(w)
}

func (h *Handler) handleApproveEvolution(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	ev, err := h.Service.ApproveEvolution(r.Context(), user, chi.URLParam(r, "evolutionID"))
	if err != nil {
		writeError(w, r, err, "evolution_approve_failed")
		return
	}
	api.Success(w, ev, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleRejectEvolution(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	reason, ok := decodeReason(w, r)
	if !ok {
		return
	}
	ev, err := h.Service.RejectEvolution(r.Context(), user, chi.URLParam(r, "evolutionID"), reason)
	if err != nil {
		writeError(w, r, err, "evolution_reject_failed")
		return
	}
	api.Success(w, ev, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleUpperTeams(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	teams, err := h.Service.UpperTeams(r.Context(), user, chi.URLParam(r, "teamID"))
	if err != nil {
		writeError(w, r, err, "team_upper_failed")
		return
	}
	api.Success(w, teams, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleLowerTeams(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	teams, err := h.Service.LowerTeams(r.Context(), user, chi.URLParam(r, "teamID"))
	if err != nil {
		writeError(w, r, err, "team_lower_failed")
		return
	}
	api.Success(w, teams, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleScorecard(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	start, end, err := shared.ParsePeriod(r)
	if err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_period", err.Error(), middleware.GetRequestID(r.Context()))
		return
	}
	teamID := chi.URLParam(r, "teamID")
	pdf, err := h.Service.Scorecard(r.Context(), user, teamID, start, end)
	if err != nil {
		writeError(w, r, err, "scorecard_failed")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": "scorecard-" + teamID + ".pdf"}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}
