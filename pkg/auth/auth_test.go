package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mantle/pkg/config"
)

func newTestService(t *testing.T) *TokenService {
	t.Helper()
	svc, err := NewTokenService(config.JWTConfig{
		Secret:    "test-secret-test-secret-test-sec",
		Algorithm: "HS256",
		Expiry:    time.Hour,
	})
	require.NoError(t, err)
	return svc
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.Issue("user-1", RoleMember, []string{"ws-1", "ws-2"}, 0)
	require.NoError(t, err)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, RoleMember, claims.Role)
	assert.Equal(t, []string{"ws-1", "ws-2"}, claims.WorkspaceIDs)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.Issue("user-1", RoleMember, nil, -time.Minute)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	svc := newTestService(t)
	other, err := NewTokenService(config.JWTConfig{Secret: "a-completely-different-secret-!!", Expiry: time.Hour})
	require.NoError(t, err)

	token, err := other.Issue("user-1", RoleMember, nil, 0)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	require.Error(t, err)
}

func TestNewTokenServiceRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewTokenService(config.JWTConfig{Secret: "x", Algorithm: "RS256"})
	require.Error(t, err)
}

func TestMiddlewareBearerHeader(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.Issue("user-1", RoleAdmin, []string{"ws-1"}, 0)
	require.NoError(t, err)

	var got *CurrentUser
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/threads", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.ID)
	assert.True(t, got.IsAdmin())
	assert.True(t, got.InWorkspace("ws-1"))
}

func TestMiddlewareTokenQueryParam(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.Issue("user-2", RoleMember, nil, 0)
	require.NoError(t, err)

	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/chat/t1/subscribe?token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsMissingAndBadTokens(t *testing.T) {
	svc := newTestService(t)
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/threads", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/threads", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/analytics/usage", nil)
	req = req.WithContext(ContextWithUser(req.Context(), &CurrentUser{ID: "u", Role: RoleMember}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/analytics/usage", nil)
	req = req.WithContext(ContextWithUser(req.Context(), &CurrentUser{ID: "u", Role: RoleAdmin}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
