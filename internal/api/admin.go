package api

import (
	"encoding/base64"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/admin"
	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/identity"
	"github.com/peerlink-chat/peerlink-server/internal/media"
	"github.com/peerlink-chat/peerlink-server/internal/role"
)

// AdminHandler serves server settings and registration invitations.
type AdminHandler struct {
	store *admin.Store
	media *media.Store
	roles *role.Engine
	log   zerolog.Logger
}

// NewAdminHandler creates the handler.
func NewAdminHandler(store *admin.Store, mediaStore *media.Store, roles *role.Engine, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{store: store, media: mediaStore, roles: roles, log: logger}
}

// GetSettings handles GET /admin/settings. The public server name and
// picture are also exposed unauthenticated via /server/info.
func (h *AdminHandler) GetSettings(c fiber.Ctx) error {
	if err := requireAdminRole(c, h.roles); err != nil {
		return err
	}
	settings, err := h.store.GetSettings(c.Context())
	if err != nil {
		return err
	}
	return httputil.Success(c, settings)
}

// PublicInfo handles public GET /server/info.
func (h *AdminHandler) PublicInfo(c fiber.Ctx) error {
	settings, err := h.store.GetSettings(c.Context())
	if err != nil {
		return err
	}
	return httputil.Success(c, fiber.Map{
		"serverName":       settings.ServerName,
		"serverPicture":    settings.ServerPicture,
		"registrationMode": settings.RegistrationMode,
	})
}

type updateSettingsRequest struct {
	ServerName           *string   `json:"serverName"`
	ServerPicture        *string   `json:"serverPicture"` // base64-encoded image
	RegistrationMode     *string   `json:"registrationMode"`
	AllowedEmailSuffixes *[]string `json:"allowedEmailSuffixes"`
}

// UpdateSettings handles PATCH /admin/settings. A submitted picture is
// normalized through the media store and replaced by its storage key.
func (h *AdminHandler) UpdateSettings(c fiber.Ctx) error {
	if err := requireAdminRole(c, h.roles); err != nil {
		return err
	}

	var body updateSettingsRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	upd := admin.SettingsUpdate{AllowedEmailSuffixes: body.AllowedEmailSuffixes}
	if body.ServerName != nil {
		name := identity.SanitizeText(*body.ServerName)
		upd.ServerName = &name
	}
	if body.RegistrationMode != nil {
		mode := admin.RegistrationMode(*body.RegistrationMode)
		upd.RegistrationMode = &mode
	}
	if body.ServerPicture != nil {
		data, err := base64.StdEncoding.DecodeString(*body.ServerPicture)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "serverPicture must be base64-encoded")
		}
		key, err := h.media.SavePicture(data)
		if err != nil {
			return mapError(c, err)
		}
		upd.ServerPicture = &key
	}

	if err := h.store.UpdateSettings(c.Context(), upd); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

type createInvitationRequestAdmin struct {
	Email     string `json:"email"`
	ExpiresIn string `json:"expiresIn"` // duration, e.g. "168h"
}

// CreateInvitation handles POST /admin/invitations.
func (h *AdminHandler) CreateInvitation(c fiber.Ctx) error {
	if err := requireAdminRole(c, h.roles); err != nil {
		return err
	}

	var body createInvitationRequestAdmin
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}
	email, err := identity.ValidateEmail(body.Email)
	if err != nil {
		return mapError(c, err)
	}

	var ttl time.Duration
	if body.ExpiresIn != "" {
		ttl, err = time.ParseDuration(body.ExpiresIn)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "expiresIn must be a duration")
		}
	}

	inv, err := h.store.CreateInvitation(c.Context(), email, auth.UserID(c), ttl)
	if err != nil {
		return err
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"token":     inv.Token,
		"email":     inv.Email,
		"expiresAt": inv.ExpiresAt.UnixMilli(),
	})
}

// ListInvitations handles GET /admin/invitations.
func (h *AdminHandler) ListInvitations(c fiber.Ctx) error {
	if err := requireAdminRole(c, h.roles); err != nil {
		return err
	}
	invitations, err := h.store.ListInvitations(c.Context())
	if err != nil {
		return err
	}
	if invitations == nil {
		invitations = []admin.Invitation{}
	}
	return httputil.Success(c, fiber.Map{"invitations": invitations})
}

type verifyInvitationRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

// VerifyInvitation handles public POST /api/invitations/verify, letting a
// client pre-check an invitation before starting registration.
func (h *AdminHandler) VerifyInvitation(c fiber.Ctx) error {
	var body verifyInvitationRequest
	if err := c.Bind().Body(&body); err != nil || body.Email == "" || body.Token == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "email and token are required")
	}
	email, err := identity.ValidateEmail(body.Email)
	if err != nil {
		return mapError(c, err)
	}

	if err := h.store.VerifyInvitation(c.Context(), email, body.Token); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"valid": true})
}
