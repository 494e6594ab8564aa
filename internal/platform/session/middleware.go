package session

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/dashboard/internal/platform/middleware"
	"github.com/ehr/dashboard/internal/platform/upstream"
)

const (
	credentialsKey = "session_credentials"
	apiKeyHeader   = "X-API-Key"
)

// Middleware resolves the caller's upstream credentials. A session cookie
// wins; without one, API clients may send "Authorization: Bearer <token>"
// together with X-API-Key.
func Middleware(store Store, signer *Signer, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cookie, err := c.Cookie(CookieName); err == nil && cookie.Value != "" {
				s, err := resolveCookie(c, store, signer, cookie.Value)
				if err != nil {
					if errors.Is(err, ErrInvalidSession) || errors.Is(err, ErrSessionNotFound) {
						c.SetCookie(signer.ClearCookie())
						return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
					}
					logger.Error().Err(err).Str("request_id", middleware.GetRequestID(c)).Msg("session lookup failed")
					return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
				}
				c.Set(credentialsKey, s.Credentials)
				return next(c)
			}

			apiKey := c.Request().Header.Get(apiKeyHeader)
			if apiKey == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "Missing API key")
			}
			token := bearerToken(c.Request().Header.Get("Authorization"))
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
			}
			c.Set(credentialsKey, upstream.Credentials{Token: token, APIKey: apiKey})
			return next(c)
		}
	}
}

func resolveCookie(c echo.Context, store Store, signer *Signer, value string) (*Session, error) {
	id, err := signer.Verify(value)
	if err != nil {
		return nil, err
	}
	return store.Get(c.Request().Context(), id)
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// FromContext returns the credentials set by Middleware.
func FromContext(c echo.Context) (upstream.Credentials, bool) {
	creds, ok := c.Get(credentialsKey).(upstream.Credentials)
	return creds, ok
}
