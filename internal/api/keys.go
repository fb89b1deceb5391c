package api

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/channel"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/identity"
	"github.com/peerlink-chat/peerlink-server/internal/signalkeys"
)

// KeysHandler serves the Signal key directory. All endpoints require an HMAC
// session, because key material is always bound to a concrete device.
type KeysHandler struct {
	keys     *signalkeys.Directory
	users    *identity.Repository
	channels *channel.Repository
	log      zerolog.Logger
}

// NewKeysHandler creates the handler.
func NewKeysHandler(keys *signalkeys.Directory, users *identity.Repository, channels *channel.Repository, logger zerolog.Logger) *KeysHandler {
	return &KeysHandler{keys: keys, users: users, channels: channels, log: logger}
}

// requireHmac returns the HMAC auth context or fails the request, since only
// device-bound callers may touch key material.
func requireHmac(c fiber.Ctx) (auth.HmacAuth, bool) {
	ac, ok := auth.FromContext(c).(auth.HmacAuth)
	return ac, ok
}

type uploadPreKeysRequest struct {
	PreKeys        []signalkeys.PreKey `json:"preKeys"`
	IdentityKey    string              `json:"identityKey"`
	RegistrationID int                 `json:"registrationId"`
}

// UploadPreKeys handles POST /keys/prekeys: a batch upload of one-time
// pre-keys, optionally refreshing the device identity key.
func (h *KeysHandler) UploadPreKeys(c fiber.Ctx) error {
	ac, ok := requireHmac(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Device session required")
	}

	var body uploadPreKeysRequest
	if err := c.Bind().Body(&body); err != nil || len(body.PreKeys) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "preKeys are required")
	}

	if body.IdentityKey != "" {
		if err := h.users.UpdateClientKeys(c.Context(), ac.ClientID, body.IdentityKey, body.RegistrationID); err != nil {
			return mapError(c, err)
		}
	}
	if err := h.keys.UploadPreKeys(c.Context(), ac.ClientID, ac.UserID, body.PreKeys); err != nil {
		return mapError(c, err)
	}

	count, err := h.keys.PreKeyCount(c.Context(), ac.ClientID)
	if err != nil {
		return err
	}
	return httputil.Success(c, fiber.Map{"stored": count})
}

// RotateSignedPreKey handles POST /keys/signedprekey.
func (h *KeysHandler) RotateSignedPreKey(c fiber.Ctx) error {
	ac, ok := requireHmac(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Device session required")
	}

	var body signalkeys.SignedPreKey
	if err := c.Bind().Body(&body); err != nil || body.Data == "" || body.Signature == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "signed pre-key data and signature are required")
	}

	if err := h.keys.RotateSignedPreKey(c.Context(), ac.ClientID, ac.UserID, body); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// FetchBundle handles GET /keys/bundle/:user/:device: returns the target
// device's bundle, consuming one one-time pre-key.
func (h *KeysHandler) FetchBundle(c fiber.Ctx) error {
	if _, ok := requireHmac(c); !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Device session required")
	}

	targetUser := c.Params("user")
	deviceID, err := strconv.Atoi(c.Params("device"))
	if err != nil || !requireUUID(targetUser) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "user must be a UUID and device a number")
	}

	bundle, err := h.keys.FetchBundle(c.Context(), targetUser, deviceID)
	if err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, bundle)
}

type senderKeyRequest struct {
	Channel   string `json:"channel"`
	SenderKey string `json:"senderKey"`
}

// UploadSenderKey handles POST /keys/senderkey. The caller must be a member
// of the (signal-type) channel.
func (h *KeysHandler) UploadSenderKey(c fiber.Ctx) error {
	ac, ok := requireHmac(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Device session required")
	}

	var body senderKeyRequest
	if err := c.Bind().Body(&body); err != nil || body.Channel == "" || body.SenderKey == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "channel and senderKey are required")
	}

	ch, err := h.channels.Get(c.Context(), body.Channel)
	if err != nil {
		return mapError(c, err)
	}
	if ch.Type != channel.TypeSignal {
		return mapError(c, signalkeys.ErrNotChannelType)
	}
	member, err := h.channels.IsMember(c.Context(), ac.UserID, body.Channel)
	if err != nil {
		return err
	}
	if !member {
		return mapError(c, channel.ErrNotMember)
	}

	if err := h.keys.UploadSenderKey(c.Context(), body.Channel, ac.ClientID, ac.UserID, body.SenderKey); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// FetchSenderKeys handles GET /keys/senderkey/:channel: all stored sender
// keys of a channel the caller belongs to.
func (h *KeysHandler) FetchSenderKeys(c fiber.Ctx) error {
	ac, ok := requireHmac(c)
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

	keys, err := h.keys.SenderKeysForChannel(c.Context(), channelID)
	if err != nil {
		return err
	}
	return httputil.Success(c, fiber.Map{"senderKeys": keys})
}
