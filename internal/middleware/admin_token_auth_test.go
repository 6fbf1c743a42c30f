package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminTokenAuthMiddlewareRequiresToken(t *testing.T) {
	_, err := AdminTokenAuthMiddleware(AdminTokenAuthConfig{Token: "  "})
	require.Error(t, err)
}

func TestAdminTokenAuthMiddlewareAcceptsMatchingToken(t *testing.T) {
	mw, err := AdminTokenAuthMiddleware(AdminTokenAuthConfig{Token: "s3cret"})
	require.NoError(t, err)

	var auth AuthContext
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, _ = AuthFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/admin/reload-schema", nil)
	req.Header.Set(defaultAdminTokenHeader, "s3cret")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin_token", auth.Subject)
	assert.Equal(t, "admin_token", auth.Claims["auth_method"])
}

func TestAdminTokenAuthMiddlewareRejectsBadToken(t *testing.T) {
	mw, err := AdminTokenAuthMiddleware(AdminTokenAuthConfig{Token: "s3cret", HeaderName: "X-Token"})
	require.NoError(t, err)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	for _, token := range []string{"", "wrong", "s3cre"} {
		req := httptest.NewRequest(http.MethodPost, "/admin/reload-schema", nil)
		if token != "" {
			req.Header.Set("X-Token", token)
		}
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestConstantTimeTokenMatch(t *testing.T) {
	assert.True(t, constantTimeTokenMatch("abc", "abc"))
	assert.False(t, constantTimeTokenMatch("abc", "abd"))
	assert.False(t, constantTimeTokenMatch("", "abc"))
}
