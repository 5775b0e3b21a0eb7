package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/pkg/apperror"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		queryToken string
		want       string
	}{
		{
			name:       "bearer token in header",
			authHeader: "Bearer tok-7f3a9b",
			want:       "tok-7f3a9b",
		},
		{
			name:       "no token",
			authHeader: "",
			want:       "",
		},
		{
			name:       "non-bearer auth header",
			authHeader: "Basic dXNlcjpwYXNz",
			want:       "",
		},
		{
			name:       "token in query parameter",
			queryToken: "query-token-123",
			want:       "query-token-123",
		},
		{
			name:       "header takes precedence over query",
			authHeader: "Bearer header-token",
			queryToken: "query-token",
			want:       "header-token",
		},
		{
			name:       "empty bearer prefix",
			authHeader: "Bearer ",
			want:       "",
		},
		{
			name:       "bearer without space",
			authHeader: "Bearertoken",
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqURL := "http://example.com/test"
			if tt.queryToken != "" {
				reqURL += "?token=" + url.QueryEscape(tt.queryToken)
			}

			req, err := http.NewRequest("GET", reqURL, nil)
			if err != nil {
				t.Fatalf("failed to create request: %v", err)
			}

			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			got := extractToken(req)
			if got != tt.want {
				t.Errorf("extractToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func newTestMiddleware(t *testing.T, token string) *Middleware {
	t.Helper()

	cfg := &config.Config{}
	if token != "" {
		hash, err := HashToken(token)
		if err != nil {
			t.Fatalf("hash token: %v", err)
		}
		cfg.Admin.TokenHash = hash
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewMiddleware(cfg, log)
}

func callRequireAdmin(m *Middleware, req *http.Request) error {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := m.RequireAdmin()(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	return handler(c)
}

func TestRequireAdmin_NoHashConfigured(t *testing.T) {
	m := newTestMiddleware(t, "")

	if m.Enabled() {
		t.Error("Enabled() should be false without a token hash")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/queues/emails/jobs", nil)
	if err := callRequireAdmin(m, req); err != nil {
		t.Errorf("RequireAdmin() without hash should pass, got %v", err)
	}
}

func TestRequireAdmin_ValidToken(t *testing.T) {
	m := newTestMiddleware(t, "s3cret-admin-token")

	if !m.Enabled() {
		t.Error("Enabled() should be true with a token hash")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/queues/emails/jobs", nil)
	req.Header.Set("Authorization", "Bearer s3cret-admin-token")
	if err := callRequireAdmin(m, req); err != nil {
		t.Errorf("RequireAdmin() with valid token should pass, got %v", err)
	}
}

func TestRequireAdmin_ValidTokenViaQuery(t *testing.T) {
	m := newTestMiddleware(t, "s3cret-admin-token")

	req := httptest.NewRequest(http.MethodGet, "/api/queues/emails/jobs/events?token=s3cret-admin-token", nil)
	if err := callRequireAdmin(m, req); err != nil {
		t.Errorf("RequireAdmin() with query token should pass, got %v", err)
	}
}

func TestRequireAdmin_WrongToken(t *testing.T) {
	m := newTestMiddleware(t, "s3cret-admin-token")

	req := httptest.NewRequest(http.MethodPost, "/api/queues/emails/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")

	err := callRequireAdmin(m, req)
	if !errors.Is(err, apperror.ErrInvalidToken) {
		t.Errorf("RequireAdmin() with wrong token = %v, want ErrInvalidToken", err)
	}
}

func TestRequireAdmin_MissingToken(t *testing.T) {
	m := newTestMiddleware(t, "s3cret-admin-token")

	req := httptest.NewRequest(http.MethodPost, "/api/queues/emails/jobs", nil)

	err := callRequireAdmin(m, req)
	if !errors.Is(err, apperror.ErrMissingToken) {
		t.Errorf("RequireAdmin() without token = %v, want ErrMissingToken", err)
	}
}

func TestHashToken_RoundTrip(t *testing.T) {
	hash, err := HashToken("conveyor-admin")
	if err != nil {
		t.Fatalf("HashToken() error: %v", err)
	}
	if hash == "" || hash == "conveyor-admin" {
		t.Errorf("HashToken() = %q, want a bcrypt hash", hash)
	}

	// Hashes are salted, so two calls must differ but both verify.
	hash2, err := HashToken("conveyor-admin")
	if err != nil {
		t.Fatalf("HashToken() error: %v", err)
	}
	if hash == hash2 {
		t.Error("HashToken() should salt hashes")
	}
}
