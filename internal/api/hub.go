package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/hub"
	"github.com/peerlink-chat/peerlink-server/internal/identity"
	"github.com/peerlink-chat/peerlink-server/internal/meeting"
)

// HubHandler upgrades signaling connections. Regular clients authenticate
// through the dual-auth middleware before the upgrade; external meeting
// guests present an admitted external session id instead.
type HubHandler struct {
	hub       *hub.Hub
	users     *identity.Repository
	externals *meeting.ExternalStore
	log       zerolog.Logger
}

// NewHubHandler creates the handler.
func NewHubHandler(h *hub.Hub, users *identity.Repository, externals *meeting.ExternalStore, logger zerolog.Logger) *HubHandler {
	return &HubHandler{hub: h, users: users, externals: externals, log: logger}
}

// Upgrade handles GET /ws.
//
// Authenticated clients connect with their usual credentials; the query
// parameter extSession upgrades an admitted external guest instead, whose
// identity is the session id.
func (h *HubHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	if sessionID := c.Query("extSession"); sessionID != "" {
		sess, err := h.externals.Get(c.Context(), sessionID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Unknown external session")
		}
		if sess.Admitted == nil || !*sess.Admitted {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Not admitted")
		}
		name := sess.DisplayName
		return websocket.New(func(conn *websocket.Conn) {
			h.hub.ServeConnection(conn.Conn, "ext:"+sessionID, sessionID, 0, name, true)
		})(c)
	}

	var (
		userID   string
		clientID string
		deviceID int
	)
	switch ac := auth.FromContext(c).(type) {
	case auth.HmacAuth:
		userID, clientID, deviceID = ac.UserID, ac.ClientID, ac.DeviceID
	case auth.SessionAuth:
		// Browsers bind their clientId via /client/addweb first and pass it
		// on the upgrade.
		userID = ac.UserID
		clientID = c.Query("clientId")
		if !requireUUID(clientID) {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "clientId query parameter must be a UUID")
		}
		client, err := h.users.GetClient(c.Context(), clientID)
		if err != nil || client.Owner != userID {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "clientId is not bound to this account")
		}
		deviceID = client.DeviceID
	default:
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Authentication required")
	}

	displayName := ""
	if u, err := h.users.GetUser(c.Context(), userID); err == nil {
		displayName = u.DisplayName
	}

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeConnection(conn.Conn, userID, clientID, deviceID, displayName, false)
	})(c)
}
