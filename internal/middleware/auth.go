package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/pixelcraft/backend/internal/auth"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// TokenValidator is the subset of auth.Service the middleware needs.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (auth.Identity, error)
}

// ServiceTokenVerifier checks the payment collaborator's shared token.
type ServiceTokenVerifier interface {
	VerifyServiceToken(token string) bool
}

// RequireUser authenticates the Bearer JWT and stores the caller's identity
// in the request context.
func RequireUser(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}
			id, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin is RequireUser plus the admin role.
func RequireAdmin(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		admin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IdentityFromCtx(r.Context()).IsAdmin() {
				writeError(w, http.StatusForbidden, "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
		return RequireUser(v)(admin)
	}
}

// RequireServiceToken guards collaborator endpoints such as the credit grant path.
func RequireServiceToken(v ServiceTokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.VerifyServiceToken(extractBearer(r)) {
				writeError(w, http.StatusUnauthorized, "invalid service token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromCtx returns the authenticated caller, or the zero Identity.
func IdentityFromCtx(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(ctxIdentityKey).(auth.Identity)
	return id
}

// UserIDFromCtx returns the authenticated user id or "".
func UserIDFromCtx(ctx context.Context) string {
	return IdentityFromCtx(ctx).UserID
}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
