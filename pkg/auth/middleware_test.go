package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
)

const testSecret = "test-secret"

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			JWTSecretKey:           testSecret,
			MaxTokenAgeSeconds:     3600,
			AdminRoleName:          "admin",
			ServiceAccountRoleName: "service",
		},
	}
}

type stubRevocation struct {
	revoked bool
	err     error
}

func (s *stubRevocation) IsRevoked(context.Context, string) (bool, error) {
	return s.revoked, s.err
}

func invoke(t *testing.T, m *Middleware, token string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	handler := m.RequireAuth()(func(c echo.Context) error { return nil })
	return c, handler(c)
}

func TestVerifyTokenRoundTrip(t *testing.T) {
	token, err := SignToken(testSecret, "user-1", "alice", "member", time.Hour)
	require.NoError(t, err)

	claims, err := VerifyToken(testSecret, token, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "member", claims.Role)
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	token, err := SignToken(testSecret, "user-1", "alice", "member", time.Hour)
	require.NoError(t, err)

	_, err = VerifyToken("other-secret", token, time.Hour)
	assert.Error(t, err)
}

func TestVerifyTokenMaxAge(t *testing.T) {
	// Token signed two hours ago but valid for a day. Max age of one hour
	// must reject it even though exp has not passed.
	past := time.Now().Add(-2 * time.Hour)
	claims := Claims{
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(24 * time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = VerifyToken(testSecret, token, time.Hour)
	assert.ErrorContains(t, err, "maximum age")
}

func TestRequireAuthSetsUser(t *testing.T) {
	m := NewMiddleware(testConfig(), slog.Default(), nil)
	token, err := SignToken(testSecret, "user-1", "alice", "member", time.Hour)
	require.NoError(t, err)

	c, err := invoke(t, m, token)
	require.NoError(t, err)

	user := GetUser(c)
	require.NotNil(t, user)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.False(t, user.ServiceAccount)
}

func TestRequireAuthMissingToken(t *testing.T) {
	m := NewMiddleware(testConfig(), slog.Default(), nil)
	_, err := invoke(t, m, "")
	assert.ErrorIs(t, err, apperror.ErrMissingToken)
}

func TestRequireAuthRevokedToken(t *testing.T) {
	m := NewMiddleware(testConfig(), slog.Default(), &stubRevocation{revoked: true})
	token, err := SignToken(testSecret, "user-1", "alice", "member", time.Hour)
	require.NoError(t, err)

	_, err = invoke(t, m, token)
	assert.ErrorIs(t, err, apperror.ErrTokenRevoked)
}

func TestRequireAuthRevocationCheckFailsClosed(t *testing.T) {
	m := NewMiddleware(testConfig(), slog.Default(), &stubRevocation{err: errors.New("redis down")})
	token, err := SignToken(testSecret, "user-1", "alice", "member", time.Hour)
	require.NoError(t, err)

	_, err = invoke(t, m, token)
	assert.ErrorIs(t, err, apperror.ErrTokenRevoked)
}

func TestRequireAuthServiceAccountRole(t *testing.T) {
	m := NewMiddleware(testConfig(), slog.Default(), nil)
	token, err := SignToken(testSecret, "svc-1", "batch-runner", "service", time.Hour)
	require.NoError(t, err)

	c, err := invoke(t, m, token)
	require.NoError(t, err)
	require.NotNil(t, GetUser(c))
	assert.True(t, GetUser(c).ServiceAccount)
}

func TestRequireRole(t *testing.T) {
	m := NewMiddleware(testConfig(), slog.Default(), nil)
	e := echo.New()
	handler := m.RequireRole("moderator")(func(c echo.Context) error { return nil })

	newCtx := func(user *AuthUser) echo.Context {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		if user != nil {
			c.Set(string(UserContextKey), user)
		}
		return c
	}

	assert.ErrorIs(t, handler(newCtx(nil)), apperror.ErrUnauthorized)
	assert.ErrorIs(t, handler(newCtx(&AuthUser{ID: "u", Role: "member"})), apperror.ErrForbidden)
	assert.NoError(t, handler(newCtx(&AuthUser{ID: "u", Role: "moderator"})))
	assert.NoError(t, handler(newCtx(&AuthUser{ID: "u", Role: "admin"})), "admin passes every role gate")
}

func TestRequireServiceAccountRejectsAdmin(t *testing.T) {
	m := NewMiddleware(testConfig(), slog.Default(), nil)
	e := echo.New()
	handler := m.RequireServiceAccount()(func(c echo.Context) error { return nil })

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.Set(string(UserContextKey), &AuthUser{ID: "u", Role: "admin"})
	err := handler(c)
	require.Error(t, err)

	c2 := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c2.Set(string(UserContextKey), &AuthUser{ID: "svc", Role: "service", ServiceAccount: true})
	assert.NoError(t, handler(c2))
}

func TestParseUnverified(t *testing.T) {
	token, err := SignToken(testSecret, "user-1", "alice", "member", time.Hour)
	require.NoError(t, err)

	claims, err := ParseUnverified(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}
