// Package api contains the HTTP handlers. Handlers bind and validate input,
// call into the domain packages, and map sentinel errors onto the JSON error
// envelope; they hold no business logic of their own.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/peerlink-chat/peerlink-server/internal/abuse"
	"github.com/peerlink-chat/peerlink-server/internal/admin"
	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/channel"
	"github.com/peerlink-chat/peerlink-server/internal/envelope"
	"github.com/peerlink-chat/peerlink-server/internal/geo"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/identity"
	"github.com/peerlink-chat/peerlink-server/internal/meeting"
	"github.com/peerlink-chat/peerlink-server/internal/role"
	"github.com/peerlink-chat/peerlink-server/internal/signalkeys"
	"github.com/peerlink-chat/peerlink-server/internal/webauthn"
)

// errorMapping pairs a sentinel error with its HTTP response.
type errorMapping struct {
	err    error
	status int
	code   httputil.Code
}

var errorMappings = []errorMapping{
	{identity.ErrInvalidEmail, fiber.StatusBadRequest, httputil.CodeValidation},
	{identity.ErrNotFound, fiber.StatusNotFound, httputil.CodeNotFound},
	{identity.ErrClientNotFound, fiber.StatusNotFound, httputil.CodeNotFound},
	{identity.ErrAlreadyExists, fiber.StatusConflict, httputil.CodeConflict},
	{identity.ErrAtNameTaken, fiber.StatusConflict, httputil.CodeConflict},
	{identity.ErrLastCredential, fiber.StatusBadRequest, httputil.CodeValidation},
	{identity.ErrCredentialMissing, fiber.StatusNotFound, httputil.CodeNotFound},

	{auth.ErrOTPMismatch, fiber.StatusUnauthorized, httputil.CodeUnauthorized},
	{auth.ErrOTPExpired, fiber.StatusUnauthorized, httputil.CodeUnauthorized},
	{auth.ErrBackupCodeMismatch, fiber.StatusUnauthorized, httputil.CodeUnauthorized},
	{auth.ErrSessionNotFound, fiber.StatusUnauthorized, httputil.CodeUnauthorized},
	{auth.ErrSessionExpired, fiber.StatusUnauthorized, httputil.CodeUnauthorized},
	{auth.ErrTokenInvalid, fiber.StatusUnauthorized, httputil.CodeUnauthorized},
	{auth.ErrTokenRedeemed, fiber.StatusUnauthorized, httputil.CodeUnauthorized},
	{auth.ErrRefreshTokenReused, fiber.StatusUnauthorized, httputil.CodeUnauthorized},
	{auth.ErrRefreshTokenExpired, fiber.StatusUnauthorized, httputil.CodeUnauthorized},
	{auth.ErrMagicLinkInvalid, fiber.StatusUnauthorized, httputil.CodeUnauthorized},
	{auth.ErrRegistrationClosed, fiber.StatusForbidden, httputil.CodeForbidden},
	{auth.ErrInvitationRequired, fiber.StatusForbidden, httputil.CodeForbidden},
	{auth.ErrRegenerateTooEarly, fiber.StatusBadRequest, httputil.CodeValidation},

	{webauthn.ErrNoChallenge, fiber.StatusBadRequest, httputil.CodeValidation},
	{webauthn.ErrStateMismatch, fiber.StatusForbidden, httputil.CodeForbidden},
	{webauthn.ErrNoCredentials, fiber.StatusNotFound, httputil.CodeNotFound},

	{role.ErrNotFound, fiber.StatusNotFound, httputil.CodeNotFound},
	{role.ErrAlreadyExists, fiber.StatusConflict, httputil.CodeConflict},
	{role.ErrStandardRole, fiber.StatusForbidden, httputil.CodeForbidden},
	{role.ErrNameLength, fiber.StatusBadRequest, httputil.CodeValidation},
	{role.ErrInvalidScope, fiber.StatusBadRequest, httputil.CodeValidation},

	{channel.ErrNotFound, fiber.StatusNotFound, httputil.CodeNotFound},
	{channel.ErrNotMember, fiber.StatusForbidden, httputil.CodeForbidden},
	{channel.ErrAlreadyMember, fiber.StatusConflict, httputil.CodeConflict},
	{channel.ErrNameLength, fiber.StatusBadRequest, httputil.CodeValidation},
	{channel.ErrInvalidType, fiber.StatusBadRequest, httputil.CodeValidation},

	{signalkeys.ErrDeviceUnknown, fiber.StatusNotFound, httputil.CodeNotFound},
	{signalkeys.ErrNoSignedPreKey, fiber.StatusNotFound, httputil.CodeNotFound},
	{signalkeys.ErrNoSenderKey, fiber.StatusNotFound, httputil.CodeNotFound},
	{signalkeys.ErrNotChannelType, fiber.StatusBadRequest, httputil.CodeValidation},

	{envelope.ErrNotFound, fiber.StatusNotFound, httputil.CodeNotFound},
	{envelope.ErrBlocked, fiber.StatusForbidden, httputil.CodeForbidden},
	{envelope.ErrEmptyItemID, fiber.StatusBadRequest, httputil.CodeValidation},

	{meeting.ErrNotFound, fiber.StatusNotFound, httputil.CodeNotFound},
	{meeting.ErrTokenExhausted, fiber.StatusForbidden, httputil.CodeForbidden},
	{meeting.ErrRSVPInvalid, fiber.StatusBadRequest, httputil.CodeValidation},
	{meeting.ErrNotYetJoinable, fiber.StatusForbidden, httputil.CodeForbidden},
	{meeting.ErrSessionNotFound, fiber.StatusNotFound, httputil.CodeNotFound},
	{meeting.ErrExternalsDisabled, fiber.StatusForbidden, httputil.CodeForbidden},

	{abuse.ErrReportNotFound, fiber.StatusNotFound, httputil.CodeNotFound},
	{abuse.ErrSelfBlock, fiber.StatusBadRequest, httputil.CodeValidation},
	{abuse.ErrInvalidStatus, fiber.StatusBadRequest, httputil.CodeValidation},
	{abuse.ErrEmptyReport, fiber.StatusBadRequest, httputil.CodeValidation},

	{admin.ErrInvitationNotFound, fiber.StatusNotFound, httputil.CodeNotFound},
	{admin.ErrInvitationExpired, fiber.StatusForbidden, httputil.CodeForbidden},
	{admin.ErrInvalidMode, fiber.StatusBadRequest, httputil.CodeValidation},
}

// mapError converts a domain error into the JSON error envelope. Unknown
// errors become 500s and are surfaced to the outer error handler for logging.
func mapError(c fiber.Ctx, err error) error {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return httputil.Fail(c, m.status, m.code, m.err.Error())
		}
	}
	return err
}

// deviceInfo extracts the request metadata recorded against credentials and
// devices. The location lookup is best-effort.
func deviceInfo(c fiber.Ctx, lookup geo.Lookup) identity.DeviceInfo {
	info := identity.DeviceInfo{
		IP:      c.IP(),
		Browser: c.Get("User-Agent"),
	}
	if lookup != nil {
		ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
		defer cancel()
		info.Location = lookup.Locate(ctx, info.IP)
	}
	return info
}

// requireUUID validates that a caller-supplied identifier is UUID-shaped.
func requireUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
