package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/geo"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/identity"
)

// ClientHandler serves device management endpoints.
type ClientHandler struct {
	users *identity.Repository
	geo   geo.Lookup
	log   zerolog.Logger
}

// NewClientHandler creates the handler.
func NewClientHandler(users *identity.Repository, lookup geo.Lookup, logger zerolog.Logger) *ClientHandler {
	return &ClientHandler{users: users, geo: lookup, log: logger}
}

type addClientRequest struct {
	ClientID       string `json:"clientId"`
	DeviceInfo     string `json:"deviceInfo"`
	PublicKey      string `json:"publicKey"`
	RegistrationID int    `json:"registrationId"`
}

// AddWeb handles POST /client/addweb: binds a browser-generated clientId to
// the cookie-authenticated user, with the ownership-transfer semantics.
func (h *ClientHandler) AddWeb(c fiber.Ctx) error {
	var body addClientRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}
	if !requireUUID(body.ClientID) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "clientId must be a UUID")
	}

	info := deviceInfo(c, h.geo)
	if body.DeviceInfo != "" {
		info.Browser = body.DeviceInfo
	}
	client, err := h.users.FindOrCreateClient(c.Context(), body.ClientID, auth.UserID(c), info)
	if err != nil {
		return mapError(c, err)
	}

	if body.PublicKey != "" {
		if err := h.users.UpdateClientKeys(c.Context(), client.ClientID, body.PublicKey, body.RegistrationID); err != nil {
			return mapError(c, err)
		}
	}
	return httputil.Success(c, fiber.Map{"clientId": client.ClientID, "deviceId": client.DeviceID})
}

// List handles GET /client/list.
func (h *ClientHandler) List(c fiber.Ctx) error {
	clients, err := h.users.ListClients(c.Context(), auth.UserID(c))
	if err != nil {
		return err
	}

	out := make([]fiber.Map, 0, len(clients))
	for _, cl := range clients {
		out = append(out, fiber.Map{
			"clientId": cl.ClientID,
			"deviceId": cl.DeviceID,
			"browser":  cl.Browser,
			"location": cl.Location,
			"lastSeen": cl.LastSeen.UnixMilli(),
		})
	}
	return httputil.Success(c, fiber.Map{"clients": out})
}

type deleteClientRequest struct {
	ClientID string `json:"clientId"`
}

// Delete handles POST /client/delete: detaches a device and purges its
// dependent state.
func (h *ClientHandler) Delete(c fiber.Ctx) error {
	var body deleteClientRequest
	if err := c.Bind().Body(&body); err != nil || body.ClientID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "clientId is required")
	}

	if err := h.users.DeleteClient(c.Context(), auth.UserID(c), body.ClientID); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}
