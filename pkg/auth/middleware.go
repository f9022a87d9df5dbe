package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// AuthUser is the authenticated caller stashed in the request context.
type AuthUser struct {
	ID             string `json:"id"`
	Username       string `json:"username,omitempty"`
	Role           string `json:"role,omitempty"`
	ServiceAccount bool   `json:"service_account"`
}

type contextKey string

// UserContextKey stores the AuthUser on the echo context.
const UserContextKey contextKey = "auth_user"

// GetUser retrieves the authenticated user from the Echo context.
func GetUser(c echo.Context) *AuthUser {
	if user, ok := c.Get(string(UserContextKey)).(*AuthUser); ok {
		return user
	}
	return nil
}

// RevocationChecker reports whether a token subject has been revoked.
// Implemented by the cache layer's session registry.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, subject string) (bool, error)
}

// Middleware handles bearer authentication for routes.
type Middleware struct {
	cfg        *config.Config
	log        *slog.Logger
	revocation RevocationChecker
}

// NewMiddleware creates the auth middleware. revocation may be nil, which
// disables the revocation check (tests and tooling).
func NewMiddleware(cfg *config.Config, log *slog.Logger, revocation RevocationChecker) *Middleware {
	return &Middleware{
		cfg:        cfg,
		log:        log.With(logger.Scope("auth")),
		revocation: revocation,
	}
}

// BearerToken extracts the bearer token from a request, or "".
func BearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireAuth returns middleware that requires a valid bearer token.
func (m *Middleware) RequireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m.cfg.Auth.Disabled {
				c.Set(string(UserContextKey), &AuthUser{ID: "dev", Role: m.cfg.Auth.AdminRoleName})
				return next(c)
			}

			token := BearerToken(c)
			if token == "" {
				return apperror.ErrMissingToken
			}

			claims, err := VerifyToken(m.cfg.Auth.JWTSecretKey, token, m.cfg.Auth.MaxTokenAge())
			if err != nil {
				m.log.Warn("token verification failed", logger.Error(err))
				return apperror.ErrInvalidToken
			}

			if m.revocation != nil {
				revoked, err := m.revocation.IsRevoked(c.Request().Context(), claims.Subject)
				if err != nil {
					// Fail closed: an unreachable revocation registry
					// treats every token as revoked.
					m.log.Error("revocation check failed, rejecting token", logger.Error(err))
					return apperror.ErrTokenRevoked
				}
				if revoked {
					return apperror.ErrTokenRevoked
				}
			}

			c.Set(string(UserContextKey), &AuthUser{
				ID:             claims.Subject,
				Username:       claims.Username,
				Role:           claims.Role,
				ServiceAccount: claims.Role == m.cfg.Auth.ServiceAccountRoleName,
			})
			return next(c)
		}
	}
}

// RequireRole returns middleware that requires the given role. Admins pass
// every role gate.
func (m *Middleware) RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := GetUser(c)
			if user == nil {
				return apperror.ErrUnauthorized
			}
			if user.Role != role && user.Role != m.cfg.Auth.AdminRoleName {
				return apperror.ErrForbidden
			}
			return next(c)
		}
	}
}

// RequireAdmin returns middleware that requires the admin role.
func (m *Middleware) RequireAdmin() echo.MiddlewareFunc {
	return m.RequireRole(m.cfg.Auth.AdminRoleName)
}

// RequireServiceAccount returns middleware that requires a service-account
// token. Unlike RequireRole, admins do NOT pass: these endpoints are called
// by machines and a human admin token in that path is a misconfiguration.
func (m *Middleware) RequireServiceAccount() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := GetUser(c)
			if user == nil {
				return apperror.ErrUnauthorized
			}
			if !user.ServiceAccount {
				return apperror.ErrForbidden.WithMessage("service account required")
			}
			return next(c)
		}
	}
}
