package api

import (
	"encoding/json"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/geo"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/identity"
	"github.com/peerlink-chat/peerlink-server/internal/webauthn"
)

// WebAuthnHandler serves the passkey registration and login ceremonies.
type WebAuthnHandler struct {
	wan   *webauthn.Service
	auth  *auth.Service
	users *identity.Repository
	geo   geo.Lookup
	log   zerolog.Logger
}

// NewWebAuthnHandler creates the handler.
func NewWebAuthnHandler(wan *webauthn.Service, authService *auth.Service, users *identity.Repository, lookup geo.Lookup, logger zerolog.Logger) *WebAuthnHandler {
	return &WebAuthnHandler{wan: wan, auth: authService, users: users, geo: lookup, log: logger}
}

type emailRequest struct {
	Email         string `json:"email"`
	FromCustomTab bool   `json:"fromCustomTab"`
}

// RegisterChallenge handles POST /webauthn/register-challenge. During
// registration the session identifies the user; afterwards an authenticated
// user may add further credentials.
func (h *WebAuthnHandler) RegisterChallenge(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID == "" {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Authentication required")
	}
	user, err := h.users.GetUser(c.Context(), userID)
	if err != nil {
		return mapError(c, err)
	}

	options, err := h.wan.BeginRegistration(c.Context(), user)
	if err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, options)
}

// Register handles POST /webauthn/register: validates the attestation and
// persists the credential. During registration this advances the step
// machine to the profile step.
func (h *WebAuthnHandler) Register(c fiber.Ctx) error {
	userID := auth.UserID(c)
	if userID == "" {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Authentication required")
	}
	user, err := h.users.GetUser(c.Context(), userID)
	if err != nil {
		return mapError(c, err)
	}

	cred, err := h.wan.FinishRegistration(c.Context(), user, c.Body(), deviceInfo(c, h.geo))
	if err != nil {
		return mapError(c, err)
	}
	if err := h.users.AddCredential(c.Context(), user.UUID, *cred); err != nil {
		return mapError(c, err)
	}

	resp := fiber.Map{"status": "ok", "credentialId": cred.ID}
	if sa, ok := auth.FromContext(c).(auth.SessionAuth); ok && sa.Session.RegStep == string(auth.StepWebAuthn) {
		sa.Session.RegStep = string(auth.StepProfile)
		if err := h.auth.WebSessions().Update(c.Context(), sa.Session); err != nil {
			return err
		}
		resp["nextStep"] = auth.StepPath(auth.StepProfile)
	}
	return httputil.Success(c, resp)
}

// AuthenticateChallenge handles public POST /webauthn/authenticate-challenge.
func (h *WebAuthnHandler) AuthenticateChallenge(c fiber.Ctx) error {
	var body emailRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	email, err := identity.ValidateEmail(body.Email)
	if err != nil {
		return mapError(c, err)
	}
	user, err := h.users.GetUserByEmail(c.Context(), email)
	if err != nil {
		return mapError(c, err)
	}

	options, state, err := h.wan.BeginLogin(c.Context(), user, body.FromCustomTab)
	if err != nil {
		return mapError(c, err)
	}

	resp := fiber.Map{"options": options}
	if state != "" {
		resp["state"] = state
	}
	return httputil.Success(c, resp)
}

type authenticateRequest struct {
	Email         string          `json:"email"`
	Assertion     json.RawMessage `json:"assertion"`
	FromCustomTab bool            `json:"fromCustomTab"`
	State         string          `json:"state"`
	ClientID      string          `json:"clientId"`
	DeviceInfo    string          `json:"deviceInfo"`
}

// Authenticate handles public POST /webauthn/authenticate. The assertion
// arrives embedded in the JSON body and is handed to the FIDO2 library
// verbatim.
//
// Custom-tab flows receive only a short-lived hand-off token; everyone else
// gets a session cookie, plus HMAC session material when a clientId is
// supplied.
func (h *WebAuthnHandler) Authenticate(c fiber.Ctx) error {
	var meta authenticateRequest
	if err := c.Bind().Body(&meta); err != nil || len(meta.Assertion) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "email and assertion are required")
	}

	email, err := identity.ValidateEmail(meta.Email)
	if err != nil {
		return mapError(c, err)
	}
	user, err := h.users.GetUserByEmail(c.Context(), email)
	if err != nil {
		return mapError(c, err)
	}

	info := deviceInfo(c, h.geo)
	if meta.DeviceInfo != "" {
		info.Browser = meta.DeviceInfo
	}
	cred, err := h.wan.FinishLogin(c.Context(), user, meta.Assertion, meta.State, info)
	if err != nil {
		return mapError(c, err)
	}
	if err := h.users.UpdateCredential(c.Context(), user.UUID, *cred); err != nil {
		return mapError(c, err)
	}

	h.auth.OnAuthenticated(c.Context(), user)

	// A verified custom-tab login transports its identity via hand-off token
	// and deliberately receives no session.
	if meta.FromCustomTab && meta.State != "" {
		token, err := h.auth.Handoff().Issue(user.UUID, user.Email, cred.ID, meta.State)
		if err != nil {
			return err
		}
		return httputil.Success(c, fiber.Map{"authToken": token})
	}

	cookie, err := h.auth.WebSessions().Create(c.Context(), auth.WebSession{
		UserID: user.UUID,
		Email:  user.Email,
	})
	if err != nil {
		return err
	}
	setSessionCookie(c, cookie, 0)

	resp := fiber.Map{"status": "ok", "userId": user.UUID}
	if meta.ClientID != "" {
		if !requireUUID(meta.ClientID) {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "clientId must be a UUID")
		}
		material, err := h.auth.EstablishClientSession(c.Context(), user, meta.ClientID, info)
		if err != nil {
			return mapError(c, err)
		}
		resp["sessionSecret"] = material.SessionSecret
		resp["deviceId"] = material.DeviceID
		resp["refreshToken"] = material.RefreshToken
	}
	return httputil.Success(c, resp)
}

// List handles GET /webauthn/list.
func (h *WebAuthnHandler) List(c fiber.Ctx) error {
	user, err := h.users.GetUser(c.Context(), auth.UserID(c))
	if err != nil {
		return mapError(c, err)
	}

	out := make([]fiber.Map, 0, len(user.Credentials))
	for _, cred := range user.Credentials {
		out = append(out, fiber.Map{
			"id":         cred.ID,
			"transports": cred.Transports,
			"createdAt":  cred.CreatedAt.UnixMilli(),
			"lastLogin":  cred.LastLogin.UnixMilli(),
			"browser":    cred.Browser,
			"location":   cred.Location,
		})
	}
	return httputil.Success(c, fiber.Map{"credentials": out})
}

type deleteCredentialRequest struct {
	CredentialID string `json:"credentialId"`
}

// Delete handles POST /webauthn/delete. The last credential is undeletable.
func (h *WebAuthnHandler) Delete(c fiber.Ctx) error {
	var body deleteCredentialRequest
	if err := c.Bind().Body(&body); err != nil || body.CredentialID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "credentialId is required")
	}

	if err := h.users.DeleteCredential(c.Context(), auth.UserID(c), body.CredentialID); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}
