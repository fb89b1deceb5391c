package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/identity"
)

// AuthHandler serves registration, OTP, backup-code, session, and magic-link
// endpoints.
type AuthHandler struct {
	auth  *auth.Service
	users *identity.Repository
	log   zerolog.Logger
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(authService *auth.Service, users *identity.Repository, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{auth: authService, users: users, log: logger}
}

// setSessionCookie attaches the browser session cookie.
func setSessionCookie(c fiber.Ctx, value string, ttl time.Duration) {
	c.Cookie(&fiber.Cookie{
		Name:     auth.SessionCookieName,
		Value:    value,
		HTTPOnly: true,
		Secure:   true,
		SameSite: fiber.CookieSameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
		Path:     "/",
	})
}

func clearSessionCookie(c fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		HTTPOnly: true,
		MaxAge:   -1,
		Path:     "/",
	})
}

type registerRequest struct {
	Email           string `json:"email"`
	InvitationToken string `json:"invitationToken"`
}

// Register handles POST /register: gate check, OTP issue, registration
// session cookie carrying the step machine.
func (h *AuthHandler) Register(c fiber.Ctx) error {
	var body registerRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	// A registration session past the OTP step cannot restart.
	if sa, ok := auth.FromContext(c).(auth.SessionAuth); ok {
		if !auth.Restartable(auth.RegistrationStep(sa.Session.RegStep)) {
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict,
				"Registration already in progress, finish the current step")
		}
	}

	result, err := h.auth.Register(c.Context(), body.Email, body.InvitationToken)
	if err != nil {
		return mapError(c, err)
	}

	if result.Status == "waitotp" {
		return httputil.Success(c, fiber.Map{"status": "waitotp", "wait": result.Wait})
	}

	// The registration session tracks the step machine until completion.
	cookie, err := h.auth.WebSessions().Create(c.Context(), auth.WebSession{
		UserID:  result.User.UUID,
		Email:   result.User.Email,
		RegStep: string(auth.StepOTP),
	})
	if err != nil {
		return err
	}
	setSessionCookie(c, cookie, 24*time.Hour)

	return httputil.Success(c, fiber.Map{"status": "otp", "wait": result.Wait})
}

type otpRequest struct {
	Email           string `json:"email"`
	OTP             string `json:"otp"`
	ClientID        string `json:"clientId"`
	InvitationToken string `json:"invitationToken"`
}

// VerifyOTP handles POST /otp (and the /register/otp step): consumes the
// code, marks the user verified, and advances the step machine. When a
// clientId is supplied, HMAC session material is returned for native
// clients.
func (h *AuthHandler) VerifyOTP(c fiber.Ctx) error {
	var body otpRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	user, err := h.auth.VerifyOTP(c.Context(), body.Email, body.OTP, body.InvitationToken)
	if err != nil {
		return mapError(c, err)
	}

	resp := fiber.Map{"status": "ok", "userId": user.UUID}

	// Advance a registration session, or mint one for a fresh login.
	if sa, ok := auth.FromContext(c).(auth.SessionAuth); ok && sa.Session.RegStep == string(auth.StepOTP) {
		sa.Session.RegStep = string(auth.StepBackupCodes)
		if err := h.auth.WebSessions().Update(c.Context(), sa.Session); err != nil {
			return err
		}
		resp["nextStep"] = auth.StepPath(auth.StepBackupCodes)
	} else {
		cookie, err := h.auth.WebSessions().Create(c.Context(), auth.WebSession{
			UserID: user.UUID,
			Email:  user.Email,
		})
		if err != nil {
			return err
		}
		setSessionCookie(c, cookie, 0)
	}

	if body.ClientID != "" {
		if !requireUUID(body.ClientID) {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "clientId must be a UUID")
		}
		material, err := h.auth.EstablishClientSession(c.Context(), user, body.ClientID, identity.DeviceInfo{
			IP: c.IP(), Browser: c.Get("User-Agent"),
		})
		if err != nil {
			return mapError(c, err)
		}
		resp["sessionSecret"] = material.SessionSecret
		resp["deviceId"] = material.DeviceID
		resp["refreshToken"] = material.RefreshToken
	}

	return httputil.Success(c, resp)
}

// IssueBackupCodes handles the backup_codes registration step: the set is
// generated exactly once and shown exactly once.
func (h *AuthHandler) IssueBackupCodes(c fiber.Ctx) error {
	sa, ok := auth.FromContext(c).(auth.SessionAuth)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Registration session required")
	}

	user, err := h.users.GetUser(c.Context(), sa.UserID)
	if err != nil {
		return mapError(c, err)
	}
	if len(user.BackupCodes) > 0 {
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, "Backup codes already issued")
	}

	plain, hashed, err := auth.GenerateBackupCodes()
	if err != nil {
		return err
	}
	if err := h.users.SetBackupCodes(c.Context(), user.UUID, hashed); err != nil {
		return err
	}

	sa.Session.RegStep = string(auth.StepWebAuthn)
	if err := h.auth.WebSessions().Update(c.Context(), sa.Session); err != nil {
		return err
	}

	return httputil.Success(c, fiber.Map{
		"backupCodes": plain,
		"nextStep":    auth.StepPath(auth.StepWebAuthn),
	})
}

type profileRequest struct {
	DisplayName string `json:"displayName"`
	AtName      string `json:"atName"`
	Picture     string `json:"picture"`
}

// CompleteProfile handles the final registration step.
func (h *AuthHandler) CompleteProfile(c fiber.Ctx) error {
	sa, ok := auth.FromContext(c).(auth.SessionAuth)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Registration session required")
	}

	var body profileRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	upd := identity.ProfileUpdate{}
	if body.DisplayName != "" {
		upd.DisplayName = &body.DisplayName
	}
	if body.AtName != "" {
		upd.AtName = &body.AtName
	}
	if body.Picture != "" {
		upd.Picture = &body.Picture
	}
	if err := h.users.UpdateProfile(c.Context(), sa.UserID, upd); err != nil {
		return mapError(c, err)
	}

	sa.Session.RegStep = string(auth.StepComplete)
	if err := h.auth.WebSessions().Update(c.Context(), sa.Session); err != nil {
		return err
	}
	return httputil.Success(c, fiber.Map{"status": "complete"})
}

// ListBackupCodeUsage handles GET /backupcode/usage.
func (h *AuthHandler) ListBackupCodeUsage(c fiber.Ctx) error {
	userID := auth.UserID(c)
	user, err := h.users.GetUser(c.Context(), userID)
	if err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{
		"total": len(user.BackupCodes),
		"used":  auth.UsedBackupCodes(user.BackupCodes),
	})
}

type backupVerifyRequest struct {
	Email      string `json:"email"`
	BackupCode string `json:"backupCode"`
	ClientID   string `json:"clientId"`
}

// VerifyBackupCode handles POST /backupcode/verify for an authenticated user
// re-proving possession of a code.
func (h *AuthHandler) VerifyBackupCode(c fiber.Ctx) error {
	var body backupVerifyRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	user, err := h.users.GetUser(c.Context(), auth.UserID(c))
	if err != nil {
		return mapError(c, err)
	}
	if _, err := h.auth.VerifyBackupLogin(c.Context(), user.Email, body.BackupCode); err != nil {
		return h.backupError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// MobileBackupVerify handles public POST /backupcode/mobile-verify: backup
// code login for a native client that lost its session.
func (h *AuthHandler) MobileBackupVerify(c fiber.Ctx) error {
	var body backupVerifyRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	user, err := h.auth.VerifyBackupLogin(c.Context(), body.Email, body.BackupCode)
	if err != nil {
		return h.backupError(c, err)
	}

	resp := fiber.Map{"status": "ok", "userId": user.UUID}
	if body.ClientID != "" {
		if !requireUUID(body.ClientID) {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "clientId must be a UUID")
		}
		material, err := h.auth.EstablishClientSession(c.Context(), user, body.ClientID, identity.DeviceInfo{
			IP: c.IP(), Browser: c.Get("User-Agent"),
		})
		if err != nil {
			return mapError(c, err)
		}
		resp["sessionSecret"] = material.SessionSecret
		resp["deviceId"] = material.DeviceID
		resp["refreshToken"] = material.RefreshToken
	}
	return httputil.Success(c, resp)
}

// backupError maps throttled backup attempts onto 429 with the wait.
func (h *AuthHandler) backupError(c fiber.Ctx, err error) error {
	if errors.Is(err, auth.ErrBackupCodeThrottled) {
		wait, checkErr := h.auth.Backup().Check(c.Context(), auth.UserID(c))
		if checkErr != nil || wait <= 0 {
			wait = time.Minute
		}
		return httputil.FailRateLimited(c, int(wait.Seconds())+1)
	}
	return mapError(c, err)
}

// RegenerateBackupCodes handles POST /backupcode/regenerate, allowed only
// when at least eight of ten codes are consumed.
func (h *AuthHandler) RegenerateBackupCodes(c fiber.Ctx) error {
	user, err := h.users.GetUser(c.Context(), auth.UserID(c))
	if err != nil {
		return mapError(c, err)
	}
	if !auth.CanRegenerateBackupCodes(user.BackupCodes) {
		return mapError(c, auth.ErrRegenerateTooEarly)
	}

	plain, hashed, err := auth.GenerateBackupCodes()
	if err != nil {
		return err
	}
	if err := h.users.SetBackupCodes(c.Context(), user.UUID, hashed); err != nil {
		return err
	}
	return httputil.Success(c, fiber.Map{"backupCodes": plain})
}

// Logout handles POST /logout for both auth flavors.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	switch ac := auth.FromContext(c).(type) {
	case auth.HmacAuth:
		if err := h.auth.Sessions().Delete(c.Context(), ac.ClientID); err != nil {
			return err
		}
	case auth.SessionAuth:
		if err := h.auth.WebSessions().Destroy(c.Context(), ac.Cookie); err != nil {
			return err
		}
		clearSessionCookie(c)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// GenerateMagic handles GET /magic/generate for an authenticated user.
func (h *AuthHandler) GenerateMagic(c fiber.Ctx) error {
	user, err := h.users.GetUser(c.Context(), auth.UserID(c))
	if err != nil {
		return mapError(c, err)
	}

	key, expires, err := h.auth.Magic().Generate(c.Context(), user.UUID, user.Email)
	if err != nil {
		return err
	}
	return httputil.Success(c, fiber.Map{"magicKey": key, "expiresAt": expires.UnixMilli()})
}

type magicRedeemRequest struct {
	MagicKey string `json:"magicKey"`
	ClientID string `json:"clientId"`
}

// RedeemMagic handles public POST /magic/redeem: one-shot exchange of a
// magic key into a native session on a new device.
func (h *AuthHandler) RedeemMagic(c fiber.Ctx) error {
	var body magicRedeemRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}
	if !requireUUID(body.ClientID) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "clientId must be a UUID")
	}

	userID, _, err := h.auth.Magic().Redeem(c.Context(), body.MagicKey)
	if err != nil {
		return mapError(c, err)
	}
	user, err := h.users.GetUser(c.Context(), userID)
	if err != nil {
		return mapError(c, err)
	}

	material, err := h.auth.EstablishClientSession(c.Context(), user, body.ClientID, identity.DeviceInfo{
		IP: c.IP(), Browser: c.Get("User-Agent"),
	})
	if err != nil {
		return mapError(c, err)
	}
	h.auth.OnAuthenticated(c.Context(), user)

	return httputil.Success(c, fiber.Map{
		"sessionSecret": material.SessionSecret,
		"userId":        material.UserID,
		"email":         material.Email,
		"deviceId":      material.DeviceID,
		"refreshToken":  material.RefreshToken,
	})
}

// RefreshHMACSession handles POST /session/refresh: extends the calling
// client's HMAC session expiry.
func (h *AuthHandler) RefreshHMACSession(c fiber.Ctx) error {
	ac, ok := auth.FromContext(c).(auth.HmacAuth)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "HMAC session required")
	}
	expiry, err := h.auth.Sessions().Extend(c.Context(), ac.ClientID)
	if err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"expiresAt": expiry.UnixMilli()})
}

// ListSessions handles GET /sessions/list.
func (h *AuthHandler) ListSessions(c fiber.Ctx) error {
	sessions, err := h.auth.Sessions().ListByUser(c.Context(), auth.UserID(c))
	if err != nil {
		return err
	}

	out := make([]fiber.Map, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, fiber.Map{
			"clientId":   s.ClientID,
			"deviceId":   s.DeviceID,
			"expiresAt":  s.ExpiresAt.UnixMilli(),
			"lastUsed":   s.LastUsed.UnixMilli(),
			"deviceInfo": s.DeviceInfo,
		})
	}
	return httputil.Success(c, fiber.Map{"sessions": out})
}

type revokeSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// RevokeSession handles POST /sessions/revoke. The session id is the client
// id; only the owner's sessions are reachable.
func (h *AuthHandler) RevokeSession(c fiber.Ctx) error {
	var body revokeSessionRequest
	if err := c.Bind().Body(&body); err != nil || body.SessionID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "sessionId is required")
	}

	sess, err := h.auth.Sessions().Get(c.Context(), body.SessionID)
	if err != nil {
		return mapError(c, err)
	}
	if sess.UserID != auth.UserID(c) {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Not your session")
	}
	if err := h.auth.Sessions().Delete(c.Context(), body.SessionID); err != nil {
		return err
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// RevokeAllSessions handles POST /sessions/revoke-all.
func (h *AuthHandler) RevokeAllSessions(c fiber.Ctx) error {
	if err := h.auth.Sessions().DeleteAllForUser(c.Context(), auth.UserID(c)); err != nil {
		return err
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}
