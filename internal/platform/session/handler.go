package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/dashboard/internal/platform/upstream"
)

// Granter exchanges user credentials for an upstream access token.
type Granter interface {
	PasswordGrant(ctx context.Context, apiKey, username, password string) (*upstream.Grant, error)
}

// Handler serves login, verify and logout.
type Handler struct {
	store      Store
	signer     *Signer
	granter    Granter
	defaultTTL time.Duration
	logger     zerolog.Logger
}

func NewHandler(store Store, signer *Signer, granter Granter, defaultTTL time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{
		store:      store,
		signer:     signer,
		granter:    granter,
		defaultTTL: defaultTTL,
		logger:     logger.With().Str("component", "session").Logger(),
	}
}

// RegisterRoutes mounts the handlers on g, normally /api/auth.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/login", h.Login)
	g.GET("/verify", h.Verify)
	g.POST("/logout", h.Logout)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	APIKey   string `json:"apiKey"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if req.Username == "" || req.Password == "" || req.APIKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing credentials")
	}

	ctx := c.Request().Context()
	grant, err := h.granter.PasswordGrant(ctx, req.APIKey, req.Username, req.Password)
	if err != nil {
		var se *upstream.StatusError
		if errors.As(err, &se) {
			h.logger.Warn().Int("upstream_status", se.StatusCode).Msg("login rejected by upstream")
			return c.JSON(se.StatusCode, upstream.ErrorBody(se.Body))
		}
		h.logger.Error().Err(err).Msg("login failed")
		return echo.NewHTTPError(http.StatusBadGateway, "Upstream unavailable")
	}

	ttl := h.defaultTTL
	if grant.ExpiresIn > 0 {
		ttl = time.Duration(grant.ExpiresIn) * time.Second
	}

	now := time.Now()
	s := &Session{
		ID:          uuid.New().String(),
		Credentials: upstream.Credentials{Token: grant.AccessToken, APIKey: req.APIKey},
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := h.store.Save(ctx, s, ttl); err != nil {
		h.logger.Error().Err(err).Msg("failed to save session")
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
	}

	token, err := h.signer.Sign(s.ID, s.ExpiresAt)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to sign session cookie")
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
	}
	c.SetCookie(h.signer.Cookie(token, ttl))

	h.logger.Info().Str("session_id", s.ID).Dur("ttl", ttl).Msg("session created")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"expires_in":    int(ttl.Seconds()),
	})
}

func (h *Handler) Verify(c echo.Context) error {
	cookie, err := c.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return c.JSON(http.StatusUnauthorized, map[string]bool{"authenticated": false})
	}
	if _, err := resolveCookie(c, h.store, h.signer, cookie.Value); err != nil {
		if errors.Is(err, ErrInvalidSession) || errors.Is(err, ErrSessionNotFound) {
			return c.JSON(http.StatusUnauthorized, map[string]bool{"authenticated": false})
		}
		h.logger.Error().Err(err).Msg("session lookup failed")
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"authenticated": false,
			"error":         "Verification failed",
		})
	}
	return c.JSON(http.StatusOK, map[string]bool{"authenticated": true})
}

func (h *Handler) Logout(c echo.Context) error {
	if cookie, err := c.Cookie(CookieName); err == nil && cookie.Value != "" {
		if id, err := h.signer.Verify(cookie.Value); err == nil {
			if err := h.store.Delete(c.Request().Context(), id); err != nil {
				h.logger.Error().Err(err).Msg("failed to delete session")
			}
		}
	}
	c.SetCookie(h.signer.ClearCookie())
	return c.JSON(http.StatusOK, map[string]bool{"authenticated": false})
}
