package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/example/ollamaproxy/logging"
)

// AuthMiddleware guards the proxied and administrative endpoints with the
// single proxy bearer token. It knows nothing about upstream keys.
type AuthMiddleware struct {
	Token                string
	AllowUnauthenticated bool
	Log                  *logrus.Logger
}

func NewAuthMiddleware(token string, allowUnauthenticated bool, log *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		Token:                token,
		AllowUnauthenticated: allowUnauthenticated,
		Log:                  log,
	}
}

func (m *AuthMiddleware) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if m.AllowUnauthenticated {
			return next(c)
		}

		// Requiring a token is the default; running without one must be an
		// explicit opt-in via ALLOW_UNAUTHENTICATED_ACCESS.
		if m.Token == "" {
			m.Log.Error("auth: PROXY_AUTH_TOKEN is not set and unauthenticated access is not allowed")
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error": "Server configuration error: PROXY_AUTH_TOKEN is not set",
			})
		}

		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			m.Log.Debugf("auth: missing or malformed Authorization header from %s", c.RealIP())
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "Unauthorized: Missing or invalid token",
			})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token != m.Token {
			m.Log.Warnf("auth: invalid proxy token %s from %s", logging.SafeSuffix(token), c.RealIP())
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "Unauthorized: Invalid proxy token",
			})
		}

		return next(c)
	}
}
