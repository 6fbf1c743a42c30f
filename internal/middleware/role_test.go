package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roleCaptureHandler(captured *RoleContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, _ := RoleFromContext(r.Context())
		*captured = rc
		w.WriteHeader(http.StatusOK)
	})
}

func TestRoleMiddlewareUsesClaimWhenAuthenticated(t *testing.T) {
	var captured RoleContext
	handler := RoleMiddleware(RoleConfig{ClaimName: "role", DefaultRole: "anonymous"})(roleCaptureHandler(&captured))

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req.Header.Set(RoleHeader, "admin") // ignored once authenticated
	ctx := WithAuthContext(req.Context(), AuthContext{
		Subject: "user-1",
		Claims:  map[string]interface{}{"role": "analyst"},
	})
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req.WithContext(ctx))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "analyst", captured.Role)
	assert.True(t, captured.FromToken)
	assert.True(t, captured.Authenticated)
}

func TestRoleMiddlewareHeaderFallbackWhenUnauthenticated(t *testing.T) {
	var captured RoleContext
	handler := RoleMiddleware(RoleConfig{DefaultRole: "anonymous"})(roleCaptureHandler(&captured))

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req.Header.Set(RoleHeader, "viewer")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "viewer", captured.Role)
	assert.False(t, captured.FromToken)
	assert.False(t, captured.Authenticated)
}

func TestRoleMiddlewareDefaultRole(t *testing.T) {
	var captured RoleContext
	handler := RoleMiddleware(RoleConfig{DefaultRole: "anonymous"})(roleCaptureHandler(&captured))

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", captured.Role)
}

func TestRoleMiddlewareRequireAuthRejectsAnonymous(t *testing.T) {
	var captured RoleContext
	handler := RoleMiddleware(RoleConfig{RequireAuth: true})(roleCaptureHandler(&captured))

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req.Header.Set(RoleHeader, "admin")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHENTICATED")
	assert.Empty(t, captured.Role)
}

func TestRoleMiddlewareRejectsNonStringClaim(t *testing.T) {
	var captured RoleContext
	handler := RoleMiddleware(RoleConfig{})(roleCaptureHandler(&captured))

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	ctx := WithAuthContext(req.Context(), AuthContext{
		Claims: map[string]interface{}{"role": 42},
	})
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req.WithContext(ctx))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid role claim type")
}
