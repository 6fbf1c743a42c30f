package middleware

import (
	"context"
	"encoding/json"
	"net/http"
)

// RoleHeader carries the caller role when OIDC authentication is disabled.
const RoleHeader = "X-Hugr-Role"

type roleContextKey struct{}

// RoleContext carries the resolved caller role.
type RoleContext struct {
	Role          string
	FromToken     bool
	Authenticated bool
}

// WithRole attaches the resolved role to the request context.
func WithRole(ctx context.Context, rc RoleContext) context.Context {
	return context.WithValue(ctx, roleContextKey{}, rc)
}

// RoleFromContext extracts the resolved role from context.
func RoleFromContext(ctx context.Context) (RoleContext, bool) {
	value := ctx.Value(roleContextKey{})
	if value == nil {
		return RoleContext{}, false
	}
	rc, ok := value.(RoleContext)
	return rc, ok
}

// RoleConfig controls role resolution.
type RoleConfig struct {
	// ClaimName is the JWT claim carrying the role. Defaults to "role".
	ClaimName string
	// DefaultRole applies when no role is present.
	DefaultRole string
	// RequireAuth rejects unauthenticated requests and ignores the role
	// header. Set when OIDC is enabled.
	RequireAuth bool
}

// RoleMiddleware resolves the caller's role. Authenticated requests take the
// role from the configured JWT claim; unauthenticated requests may supply
// one through the role header only when authentication is not required.
func RoleMiddleware(cfg RoleConfig) func(http.Handler) http.Handler {
	claimName := cfg.ClaimName
	if claimName == "" {
		claimName = "role"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, authenticated := AuthFromContext(r.Context())
			if cfg.RequireAuth && !authenticated {
				writeGraphQLError(w, http.StatusUnauthorized, "missing authentication", "UNAUTHENTICATED")
				return
			}

			rc := RoleContext{Role: cfg.DefaultRole, Authenticated: authenticated}
			if authenticated {
				if raw, ok := authCtx.Claims[claimName]; ok {
					role, ok := raw.(string)
					if !ok {
						writeGraphQLError(w, http.StatusBadRequest, "invalid role claim type", "BAD_REQUEST")
						return
					}
					rc.Role = role
					rc.FromToken = true
				}
			} else if header := r.Header.Get(RoleHeader); header != "" {
				rc.Role = header
			}

			next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), rc)))
		})
	}
}

func writeGraphQLError(w http.ResponseWriter, status int, message string, code string) {
	payload := map[string]any{
		"errors": []map[string]any{
			{
				"message": message,
				"extensions": map[string]any{
					"code": code,
				},
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
