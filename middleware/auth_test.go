package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func runAuth(t *testing.T, m *AuthMiddleware, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := m.Middleware(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestAuthMissingHeader(t *testing.T) {
	m := NewAuthMiddleware("secret", false, testLogger())
	if rec := runAuth(t, m, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthWrongScheme(t *testing.T) {
	m := NewAuthMiddleware("secret", false, testLogger())
	if rec := runAuth(t, m, "Basic c2VjcmV0"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthWrongToken(t *testing.T) {
	m := NewAuthMiddleware("secret", false, testLogger())
	if rec := runAuth(t, m, "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthValidToken(t *testing.T) {
	m := NewAuthMiddleware("secret", false, testLogger())
	if rec := runAuth(t, m, "Bearer secret"); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAuthUnauthenticatedAllowed(t *testing.T) {
	m := NewAuthMiddleware("", true, testLogger())
	if rec := runAuth(t, m, ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAuthNoTokenConfigured(t *testing.T) {
	// Token unset without the explicit opt-in is a server config error.
	m := NewAuthMiddleware("", false, testLogger())
	if rec := runAuth(t, m, "Bearer anything"); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}
