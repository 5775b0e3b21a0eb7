// Package auth guards the mutating admin surface with a bearer token.
//
// The server compares presented tokens against a bcrypt hash from
// configuration, so the cleartext token never lives in the environment.
// When no hash is configured the guard is disabled, which is the expected
// mode for local development and embedded deployments.
package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"golang.org/x/crypto/bcrypt"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/pkg/apperror"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

var Module = fx.Module("auth",
	fx.Provide(NewMiddleware),
)

// Middleware handles admin authentication for routes.
type Middleware struct {
	tokenHash string
	log       *slog.Logger
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(cfg *config.Config, log *slog.Logger) *Middleware {
	m := &Middleware{
		tokenHash: cfg.Admin.TokenHash,
		log:       log.With(logger.Scope("auth")),
	}

	if m.tokenHash == "" {
		m.log.Warn("ADMIN_TOKEN_HASH not set; admin endpoints are unprotected")
	}

	return m
}

// Enabled reports whether a token hash is configured.
func (m *Middleware) Enabled() bool {
	return m.tokenHash != ""
}

// RequireAdmin returns middleware that requires the admin bearer token.
// With no hash configured every request passes.
func (m *Middleware) RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m.tokenHash == "" {
				return next(c)
			}

			token := extractToken(c.Request())
			if token == "" {
				return apperror.ErrMissingToken
			}

			if err := bcrypt.CompareHashAndPassword([]byte(m.tokenHash), []byte(token)); err != nil {
				m.log.Warn("admin token rejected", slog.String("remote", c.RealIP()))
				return apperror.ErrInvalidToken
			}

			return next(c)
		}
	}
}

// extractToken extracts the bearer token from the request. The query
// parameter fallback exists for EventSource clients, which cannot set
// request headers.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	return r.URL.Query().Get("token")
}

// HashToken produces a bcrypt hash suitable for ADMIN_TOKEN_HASH. Used by
// the token provisioning command and by tests.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
