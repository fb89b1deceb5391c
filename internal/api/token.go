package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/config"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/identity"
)

// TokenHandler serves the hand-off exchange and refresh-token endpoints.
type TokenHandler struct {
	auth *auth.Service
	cfg  *config.Config
	log  zerolog.Logger
}

// NewTokenHandler creates the handler.
func NewTokenHandler(authService *auth.Service, cfg *config.Config, logger zerolog.Logger) *TokenHandler {
	return &TokenHandler{auth: authService, cfg: cfg, log: logger}
}

type exchangeRequest struct {
	Token      string `json:"token"`
	ClientID   string `json:"clientId"`
	DeviceInfo string `json:"deviceInfo"`
}

// Exchange handles public POST /token/exchange: redeems a hand-off token for
// a long-lived HMAC session. Rate-limited per clientId, falling back to the
// caller's IP.
func (h *TokenHandler) Exchange(c fiber.Ctx) error {
	var body exchangeRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}
	if body.Token == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "token is required")
	}
	limitKey := "exchange:" + body.ClientID
	if body.ClientID == "" {
		limitKey = "exchange:ip:" + c.IP()
	}
	ok, retryAfter, err := h.auth.Limiter().Allow(c.Context(), limitKey, h.cfg.TokenExchangeLimit, h.cfg.TokenExchangeWindow)
	if err != nil {
		return err
	}
	if !ok {
		return httputil.FailRateLimited(c, int(retryAfter.Seconds())+1)
	}
	if !requireUUID(body.ClientID) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "clientId must be a UUID")
	}

	info := identity.DeviceInfo{IP: c.IP(), Browser: c.Get("User-Agent")}
	if body.DeviceInfo != "" {
		info.Browser = body.DeviceInfo
	}
	result, err := h.auth.ExchangeHandoff(c.Context(), body.Token, body.ClientID, info)
	if err != nil {
		return mapError(c, err)
	}

	return httputil.Success(c, fiber.Map{
		"sessionSecret": result.SessionSecret,
		"userId":        result.UserID,
		"email":         result.Email,
		"deviceId":      result.DeviceID,
		"credentialId":  result.CredentialID,
		"refreshToken":  result.RefreshToken,
		"expiresAt":     result.SessionExpiry.UnixMilli(),
	})
}

type refreshRequest struct {
	ClientID     string `json:"clientId"`
	RefreshToken string `json:"refreshToken"`
}

// Refresh handles public POST /token/refresh: one-shot rotation of the
// refresh token plus a fresh session secret. Rate-limited per clientId.
func (h *TokenHandler) Refresh(c fiber.Ctx) error {
	var body refreshRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}
	if !requireUUID(body.ClientID) || body.RefreshToken == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "clientId and refreshToken are required")
	}

	ok, retryAfter, err := h.auth.Limiter().Allow(c.Context(), "refresh:"+body.ClientID, h.cfg.TokenRefreshLimit, h.cfg.TokenRefreshWindow)
	if err != nil {
		return err
	}
	if !ok {
		return httputil.FailRateLimited(c, int(retryAfter.Seconds())+1)
	}

	material, err := h.auth.RefreshSession(c.Context(), body.ClientID, body.RefreshToken)
	if err != nil {
		return mapError(c, err)
	}

	return httputil.Success(c, fiber.Map{
		"sessionSecret": material.SessionSecret,
		"refreshToken":  material.RefreshToken,
		"expiresAt":     material.SessionExpiry.UnixMilli(),
	})
}

type revokeRequest struct {
	Token string `json:"token"`
}

// Revoke handles POST /token/revoke: blacklists a hand-off token's jti until
// its natural expiry.
func (h *TokenHandler) Revoke(c fiber.Ctx) error {
	var body revokeRequest
	if err := c.Bind().Body(&body); err != nil || body.Token == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "token is required")
	}

	if err := h.auth.Handoff().Revoke(c.Context(), body.Token); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}
