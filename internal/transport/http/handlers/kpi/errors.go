package kpihandler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"hrkpi/internal/domain/hierarchy"
	"hrkpi/internal/domain/kpi"
	"hrkpi/internal/domain/scope"
	"hrkpi/internal/transport/http/api"
	"hrkpi/internal/transport/http/middleware"
)

// writeError maps domain failures onto the response envelope. Anything not
// recognised is logged and reported as a 500 with the given fallback code.
func writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	reqID := middleware.GetRequestID(r.Context())
	switch {
	case errors.Is(err, kpi.ErrNotFound):
		api.Fail(w, http.StatusNotFound, "not_found", "resource not found", reqID)
	case errors.Is(err, kpi.ErrInvalidTransition):
		api.Fail(w, http.StatusConflict, "invalid_transition", err.Error(), reqID)
	case errors.Is(err, kpi.ErrEvaluationTypeLocked):
		api.Fail(w, http.StatusConflict, "evaluation_type_locked", err.Error(), reqID)
	case errors.Is(err, kpi.ErrVersionConflict):
		api.Fail(w, http.StatusConflict, "version_conflict", "aggregate changed concurrently, retry the request", reqID)
	case errors.Is(err, kpi.ErrConflict):
		api.Fail(w, http.StatusConflict, "conflict", err.Error(), reqID)
	case errors.Is(err, kpi.ErrInvalidValue), errors.Is(err, kpi.ErrInvalidInput):
		api.Fail(w, http.StatusBadRequest, "invalid_payload", err.Error(), reqID)
	case errors.Is(err, scope.ErrUnauthorizedRole), errors.Is(err, scope.ErrIncompleteCaller):
		api.Fail(w, http.StatusForbidden, "forbidden", err.Error(), reqID)
	case errors.Is(err, hierarchy.ErrCycleDetected):
		slog.Error("team hierarchy cycle", "path", r.URL.Path, "err", err, "requestId", reqID)
		api.Fail(w, http.StatusInternalServerError, "hierarchy_cycle", "team hierarchy is inconsistent", reqID)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		api.Fail(w, http.StatusServiceUnavailable, "busy", "request timed out waiting for a lock", reqID)
	default:
		slog.Error("kpi request failed", "code", fallback, "path", r.URL.Path, "err", err, "requestId", reqID)
		api.Fail(w, http.StatusInternalServerError, fallback, "request failed", reqID)
	}
}
