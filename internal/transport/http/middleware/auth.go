package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"hrkpi/internal/domain/auth"
)

type ctxKey string

const ctxKeyUser ctxKey = "caller"

// Auth verifies a bearer token when one is present and stores the caller on
// the context. Requests without a valid token continue anonymously and are
// stopped by RequirePermission.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
			if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := auth.ParseToken(secret, strings.TrimSpace(token))
			if err != nil {
				slog.Debug("bearer token rejected", "err", err, "requestId", GetRequestID(r.Context()))
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims.Caller())))
		})
	}
}

func WithUser(ctx context.Context, caller auth.Caller) context.Context {
	return context.WithValue(ctx, ctxKeyUser, caller)
}

func GetUser(ctx context.Context) (auth.Caller, bool) {
	user, ok := ctx.Value(ctxKeyUser).(auth.Caller)
	return user, ok
}
