package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/channel"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/role"
)

// ChannelHandler serves channel and membership endpoints.
type ChannelHandler struct {
	channels *channel.Repository
	roles    *role.Engine
	log      zerolog.Logger
}

// NewChannelHandler creates the handler.
func NewChannelHandler(channels *channel.Repository, roles *role.Engine, logger zerolog.Logger) *ChannelHandler {
	return &ChannelHandler{channels: channels, roles: roles, log: logger}
}

type createChannelRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
	Type        string `json:"type"`
}

// Create handles POST /channels. Requires the createChannel server
// permission.
func (h *ChannelHandler) Create(c fiber.Ctx) error {
	userID := auth.UserID(c)
	ok, err := h.roles.HasServerPermission(c.Context(), userID, role.PermCreateChannel)
	if err != nil {
		return err
	}
	if !ok {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Missing createChannel permission")
	}

	var body createChannelRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	ch, err := h.channels.Create(c.Context(), body.Name, body.Description, userID, body.Private, channel.Type(body.Type), "")
	if err != nil {
		return mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, ch)
}

// List handles GET /channels: the caller's channels.
func (h *ChannelHandler) List(c fiber.Ctx) error {
	channels, err := h.channels.ListForUser(c.Context(), auth.UserID(c))
	if err != nil {
		return err
	}
	if channels == nil {
		channels = []channel.Channel{}
	}
	return httputil.Success(c, fiber.Map{"channels": channels})
}

// Get handles GET /channels/:channelID. Private channels are visible to
// members only.
func (h *ChannelHandler) Get(c fiber.Ctx) error {
	ch, err := h.channels.Get(c.Context(), c.Params("channelID"))
	if err != nil {
		return mapError(c, err)
	}

	if ch.Private {
		member, err := h.channels.IsMember(c.Context(), auth.UserID(c), ch.UUID)
		if err != nil {
			return err
		}
		if !member {
			return mapError(c, channel.ErrNotFound)
		}
	}
	return httputil.Success(c, ch)
}

type memberRequest struct {
	UserID string `json:"userId"`
}

// AddMember handles POST /channels/:channelID/members. Requires the
// inviteMembers channel permission (owner bypass applies).
func (h *ChannelHandler) AddMember(c fiber.Ctx) error {
	channelID := c.Params("channelID")
	ok, err := h.roles.HasChannelPermission(c.Context(), auth.UserID(c), channelID, role.PermChannelInvite)
	if err != nil {
		return err
	}
	if !ok {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Missing inviteMembers permission")
	}

	var body memberRequest
	if err := c.Bind().Body(&body); err != nil || !requireUUID(body.UserID) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "userId must be a UUID")
	}

	if err := h.channels.AddMember(c.Context(), body.UserID, channelID, ""); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// RemoveMember handles DELETE /channels/:channelID/members/:userID. Members
// may remove themselves; removing others needs kickMembers.
func (h *ChannelHandler) RemoveMember(c fiber.Ctx) error {
	channelID := c.Params("channelID")
	targetID := c.Params("userID")
	callerID := auth.UserID(c)

	if targetID != callerID {
		ok, err := h.roles.HasChannelPermission(c.Context(), callerID, channelID, role.PermChannelKick)
		if err != nil {
			return err
		}
		if !ok {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Missing kickMembers permission")
		}
	}

	if err := h.channels.RemoveMember(c.Context(), targetID, channelID); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// Delete handles DELETE /channels/:channelID. Requires manageChannel
// (in practice: the owner or an administrator).
func (h *ChannelHandler) Delete(c fiber.Ctx) error {
	channelID := c.Params("channelID")
	ok, err := h.roles.HasChannelPermission(c.Context(), auth.UserID(c), channelID, role.PermChannelManage)
	if err != nil {
		return err
	}
	if !ok {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Missing manageChannel permission")
	}

	if err := h.channels.Delete(c.Context(), channelID); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// RoleHandler serves role management endpoints.
type RoleHandler struct {
	roles  *role.Repository
	engine *role.Engine
	log    zerolog.Logger
}

// NewRoleHandler creates the handler.
func NewRoleHandler(roles *role.Repository, engine *role.Engine, logger zerolog.Logger) *RoleHandler {
	return &RoleHandler{roles: roles, engine: engine, log: logger}
}

// requireAdmin gates the role management surface.
func (h *RoleHandler) requireAdmin(c fiber.Ctx) error {
	ok, err := h.engine.HasServerPermission(c.Context(), auth.UserID(c), role.PermAdministrate)
	if err != nil {
		return err
	}
	if !ok {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Administrator role required")
	}
	return nil
}

// List handles GET /roles?scope=server.
func (h *RoleHandler) List(c fiber.Ctx) error {
	scope := role.Scope(c.Query("scope", string(role.ScopeServer)))
	if !role.ValidScope(scope) {
		return mapError(c, role.ErrInvalidScope)
	}
	roles, err := h.roles.List(c.Context(), scope)
	if err != nil {
		return err
	}
	return httputil.Success(c, fiber.Map{"roles": roles})
}

type roleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
	Scope       string   `json:"scope"`
}

// Create handles POST /roles.
func (h *RoleHandler) Create(c fiber.Ctx) error {
	if err := h.requireAdmin(c); err != nil {
		return err
	}
	var body roleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}
	r, err := h.roles.Create(c.Context(), body.Name, body.Description, body.Permissions, role.Scope(body.Scope))
	if err != nil {
		return mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, r)
}

// Update handles PATCH /roles/:roleID. Standard roles are immutable.
func (h *RoleHandler) Update(c fiber.Ctx) error {
	if err := h.requireAdmin(c); err != nil {
		return err
	}
	var body roleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}
	if err := h.roles.Update(c.Context(), c.Params("roleID"), body.Name, body.Description, body.Permissions); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// Delete handles DELETE /roles/:roleID. Standard roles are undeletable.
func (h *RoleHandler) Delete(c fiber.Ctx) error {
	if err := h.requireAdmin(c); err != nil {
		return err
	}
	if err := h.roles.Delete(c.Context(), c.Params("roleID")); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

type assignRoleRequest struct {
	UserID    string `json:"userId"`
	RoleID    string `json:"roleId"`
	ChannelID string `json:"channelId"`
}

// Assign handles POST /roles/assign, server- or channel-scoped depending on
// whether a channelId is supplied.
func (h *RoleHandler) Assign(c fiber.Ctx) error {
	if err := h.requireAdmin(c); err != nil {
		return err
	}
	var body assignRoleRequest
	if err := c.Bind().Body(&body); err != nil || !requireUUID(body.UserID) || body.RoleID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "userId and roleId are required")
	}

	var err error
	if body.ChannelID != "" {
		err = h.roles.AssignChannel(c.Context(), body.UserID, body.RoleID, body.ChannelID)
	} else {
		err = h.roles.Assign(c.Context(), body.UserID, body.RoleID)
	}
	if err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}
