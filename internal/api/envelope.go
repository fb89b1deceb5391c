package api

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/channel"
	"github.com/peerlink-chat/peerlink-server/internal/envelope"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/hub"
)

// EnvelopeHandler serves the encrypted envelope endpoints. Device identity
// comes exclusively from the HMAC auth context.
type EnvelopeHandler struct {
	store    *envelope.Store
	channels *channel.Repository
	hub      *hub.Hub
	log      zerolog.Logger
}

// NewEnvelopeHandler creates the handler.
func NewEnvelopeHandler(store *envelope.Store, channels *channel.Repository, h *hub.Hub, logger zerolog.Logger) *EnvelopeHandler {
	return &EnvelopeHandler{store: store, channels: channels, hub: h, log: logger}
}

type sendItemRequest struct {
	Receiver       string `json:"receiver"`
	DeviceReceiver int    `json:"deviceReceiver"`
	ItemID         string `json:"itemId"`
	Type           string `json:"type"`
	Payload        string `json:"payload"`
	CipherType     int    `json:"cipherType"`
}

// Send handles POST /items/send. The sender identity is taken from the
// authenticated device; duplicates by itemId are idempotent.
func (h *EnvelopeHandler) Send(c fiber.Ctx) error {
	ac, ok := auth.FromContext(c).(auth.HmacAuth)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Device session required")
	}

	var body sendItemRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}
	if !requireUUID(body.Receiver) || body.ItemID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "receiver and itemId are required")
	}

	stored, err := h.store.Send(c.Context(), envelope.SendParams{
		Sender:         ac.UserID,
		DeviceSender:   ac.DeviceID,
		Receiver:       body.Receiver,
		DeviceReceiver: body.DeviceReceiver,
		ItemID:         body.ItemID,
		Type:           body.Type,
		Payload:        body.Payload,
		CipherType:     body.CipherType,
	})
	if err != nil {
		return mapError(c, err)
	}

	if stored && h.hub != nil {
		h.hub.NotifyNewItem(body.Receiver, body.DeviceReceiver, body.ItemID)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// Fetch handles GET /items/fetch: undelivered envelopes for the calling
// device, oldest first, stamped delivered on the way out.
func (h *EnvelopeHandler) Fetch(c fiber.Ctx) error {
	ac, ok := auth.FromContext(c).(auth.HmacAuth)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Device session required")
	}

	items, err := h.store.FetchForDevice(c.Context(), ac.UserID, ac.DeviceID)
	if err != nil {
		return err
	}
	if items == nil {
		items = []envelope.Item{}
	}
	return httputil.Success(c, fiber.Map{"items": items})
}

type readRequest struct {
	ItemID string `json:"itemId"`
}

// MarkRead handles POST /items/read.
func (h *EnvelopeHandler) MarkRead(c fiber.Ctx) error {
	ac, ok := auth.FromContext(c).(auth.HmacAuth)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Device session required")
	}

	var body readRequest
	if err := c.Bind().Body(&body); err != nil || body.ItemID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "itemId is required")
	}

	if err := h.store.MarkRead(c.Context(), ac.UserID, ac.DeviceID, body.ItemID); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

type sendGroupRequest struct {
	Channel    string `json:"channel"`
	ItemID     string `json:"itemId"`
	Type       string `json:"type"`
	Payload    string `json:"payload"`
	CipherType int    `json:"cipherType"`
}

// SendGroup handles POST /groupitems/send: one row per message, fan-out
// hints to the online devices of the channel members.
func (h *EnvelopeHandler) SendGroup(c fiber.Ctx) error {
	ac, ok := auth.FromContext(c).(auth.HmacAuth)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Device session required")
	}

	var body sendGroupRequest
	if err := c.Bind().Body(&body); err != nil || body.Channel == "" || body.ItemID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "channel and itemId are required")
	}

	member, err := h.channels.IsMember(c.Context(), ac.UserID, body.Channel)
	if err != nil {
		return err
	}
	if !member {
		return mapError(c, channel.ErrNotMember)
	}

	err = h.store.SendGroup(c.Context(), envelope.GroupItem{
		ItemID:       body.ItemID,
		Channel:      body.Channel,
		Sender:       ac.UserID,
		SenderDevice: ac.DeviceID,
		Type:         body.Type,
		Payload:      body.Payload,
		CipherType:   body.CipherType,
	})
	if err != nil {
		return mapError(c, err)
	}

	if h.hub != nil {
		members, err := h.channels.Members(c.Context(), body.Channel)
		if err == nil {
			ids := make([]string, 0, len(members))
			for _, m := range members {
				ids = append(ids, m.UserID)
			}
			h.hub.NotifyNewGroupItem(body.Channel, body.ItemID, ac.UserID, ids)
		}
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// FetchGroup handles GET /groupitems/fetch/:channel?after=<unixMillis>.
func (h *EnvelopeHandler) FetchGroup(c fiber.Ctx) error {
	ac, ok := auth.FromContext(c).(auth.HmacAuth)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Device session required")
	}

	channelID := c.Params("channel")
	member, err := h.channels.IsMember(c.Context(), ac.UserID, channelID)
	if err != nil {
		return err
	}
	if !member {
		return mapError(c, channel.ErrNotMember)
	}

	after := time.Time{}
	if v := fiber.Query[int64](c, "after"); v > 0 {
		after = time.UnixMilli(v)
	}
	items, err := h.store.FetchGroup(c.Context(), channelID, after, fiber.Query[int](c, "limit"))
	if err != nil {
		return err
	}
	if items == nil {
		items = []envelope.GroupItem{}
	}
	return httputil.Success(c, fiber.Map{"items": items})
}

type groupReadRequest struct {
	ItemID string `json:"itemId"`
}

// MarkGroupRead handles POST /groupitems/read: idempotent per-device read
// receipt.
func (h *EnvelopeHandler) MarkGroupRead(c fiber.Ctx) error {
	ac, ok := auth.FromContext(c).(auth.HmacAuth)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Device session required")
	}

	var body groupReadRequest
	if err := c.Bind().Body(&body); err != nil || body.ItemID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "itemId is required")
	}

	if err := h.store.MarkGroupRead(c.Context(), body.ItemID, ac.UserID, ac.DeviceID); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// GroupReads handles GET /groupitems/reads/:itemId.
func (h *EnvelopeHandler) GroupReads(c fiber.Ctx) error {
	reads, err := h.store.GroupReads(c.Context(), c.Params("itemId"))
	if err != nil {
		return err
	}
	if reads == nil {
		reads = []envelope.GroupRead{}
	}
	return httputil.Success(c, fiber.Map{"reads": reads})
}
