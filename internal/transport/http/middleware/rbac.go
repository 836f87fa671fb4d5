package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"hrkpi/internal/domain/auth"
	"hrkpi/internal/transport/http/api"
)

type PermissionStore interface {
	HasPermission(ctx context.Context, role auth.Role, permission string) (bool, error)
}

// RequirePermission admits callers whose role grants permission. Every
// role except superAdmin must also be bound to a company.
func RequirePermission(permission string, store PermissionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := GetRequestID(ctx)
			caller, ok := GetUser(ctx)
			if !ok {
				api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", reqID)
				return
			}
			if caller.CompanyID == "" && caller.Role != auth.RoleSuperAdmin {
				slog.Warn("caller without company refused", "user_id", caller.UserID, "role", caller.Role, "request_id", reqID)
				api.Fail(w, http.StatusForbidden, "forbidden", "caller is not bound to a company", reqID)
				return
			}

			granted, err := store.HasPermission(ctx, caller.Role, permission)
			switch {
			case err != nil:
				slog.Error("permission lookup failed", "err", err, "permission", permission)
				api.Fail(w, http.StatusInternalServerError, "permission_error", "permission check failed", reqID)
			case !granted:
				slog.Info("permission denied", "user_id", caller.UserID, "role", caller.Role, "permission", permission, "request_id", reqID)
				api.Fail(w, http.StatusForbidden, "forbidden", "insufficient permissions", reqID)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
