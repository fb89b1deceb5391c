package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/hub"
	"github.com/peerlink-chat/peerlink-server/internal/meeting"
	"github.com/peerlink-chat/peerlink-server/internal/role"
)

// MeetingHandler serves meeting lifecycle, RSVP, invitation, and external
// admission endpoints.
type MeetingHandler struct {
	meetings  *meeting.Repository
	externals *meeting.ExternalStore
	roles     *role.Engine
	hub       *hub.Hub
	log       zerolog.Logger
}

// NewMeetingHandler creates the handler.
func NewMeetingHandler(meetings *meeting.Repository, externals *meeting.ExternalStore, roles *role.Engine, h *hub.Hub, logger zerolog.Logger) *MeetingHandler {
	return &MeetingHandler{meetings: meetings, externals: externals, roles: roles, hub: h, log: logger}
}

// Create handles POST /meetings. Requires the createMeeting server
// permission.
func (h *MeetingHandler) Create(c fiber.Ctx) error {
	userID := auth.UserID(c)
	ok, err := h.roles.HasServerPermission(c.Context(), userID, role.PermCreateMeeting)
	if err != nil {
		return err
	}
	if !ok {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Missing createMeeting permission")
	}

	var settings meeting.Settings
	if err := c.Bind().Body(&settings); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}
	if settings.MeetingName == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "meetingName is required")
	}

	m, err := h.meetings.Create(c.Context(), userID, settings)
	if err != nil {
		return mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, m)
}

// GetSettings handles GET /meetings/:meetingID/settings.
func (h *MeetingHandler) GetSettings(c fiber.Ctx) error {
	m, err := h.meetings.Get(c.Context(), c.Params("meetingID"))
	if err != nil {
		return mapError(c, err)
	}

	settings := meeting.Settings{
		MeetingName:         m.Title,
		MeetingDescription:  m.Description,
		InstantMeeting:      m.IsInstantCall,
		ScheduledMeeting:    m.StartTime != nil,
		MeetingDate:         m.StartTime,
		VoiceOnly:           m.VoiceOnly,
		Muted:               m.MuteOnJoin,
		AllowExternal:       m.AllowExternal,
		InvitedParticipants: m.InvitedParticipants,
	}
	return httputil.Success(c, fiber.Map{"settings": settings})
}

// List handles GET /meetings: meetings the caller organizes or is invited
// to.
func (h *MeetingHandler) List(c fiber.Ctx) error {
	meetings, err := h.meetings.ListForUser(c.Context(), auth.UserID(c))
	if err != nil {
		return err
	}
	if meetings == nil {
		meetings = []meeting.Meeting{}
	}
	return httputil.Success(c, fiber.Map{"meetings": meetings})
}

// End handles POST /meetings/:meetingID/end, organizer only. External
// sessions die with the meeting.
func (h *MeetingHandler) End(c fiber.Ctx) error {
	m, err := h.meetings.Get(c.Context(), c.Params("meetingID"))
	if err != nil {
		return mapError(c, err)
	}
	if m.CreatedBy != auth.UserID(c) {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Only the organizer may end the meeting")
	}
	if err := h.meetings.End(c.Context(), m.MeetingID); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

type rsvpRequest struct {
	Status string `json:"status"`
}

// SetRSVP handles POST /meetings/:meetingID/rsvp.
func (h *MeetingHandler) SetRSVP(c fiber.Ctx) error {
	var body rsvpRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	if err := h.meetings.SetRSVP(c.Context(), c.Params("meetingID"), auth.UserID(c), meeting.RSVPStatus(body.Status)); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// RSVPSummary handles GET /meetings/:meetingID/rsvp, organizer only.
func (h *MeetingHandler) RSVPSummary(c fiber.Ctx) error {
	m, err := h.meetings.Get(c.Context(), c.Params("meetingID"))
	if err != nil {
		return mapError(c, err)
	}
	if m.CreatedBy != auth.UserID(c) {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Only the organizer sees RSVP counts")
	}

	counts, err := h.meetings.RSVPSummary(c.Context(), m.MeetingID)
	if err != nil {
		return err
	}
	return httputil.Success(c, counts)
}

type createInvitationRequest struct {
	Label     string `json:"label"`
	ExpiresAt *int64 `json:"expiresAt"` // unix millis
	MaxUses   *int   `json:"maxUses"`
}

// CreateInvitation handles POST /meetings/:meetingID/invitations, organizer
// only.
func (h *MeetingHandler) CreateInvitation(c fiber.Ctx) error {
	m, err := h.meetings.Get(c.Context(), c.Params("meetingID"))
	if err != nil {
		return mapError(c, err)
	}
	if m.CreatedBy != auth.UserID(c) {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Only the organizer mints invitations")
	}
	if !m.AllowExternal {
		return mapError(c, meeting.ErrExternalsDisabled)
	}

	var body createInvitationRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	var expiresAt *time.Time
	if body.ExpiresAt != nil {
		ts := time.UnixMilli(*body.ExpiresAt).UTC()
		expiresAt = &ts
	}
	inv, err := h.meetings.CreateInvitation(c.Context(), m.MeetingID, body.Label, expiresAt, body.MaxUses)
	if err != nil {
		return mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, inv)
}

type externalJoinRequest struct {
	Token        string   `json:"token"`
	DisplayName  string   `json:"displayName"`
	IdentityKey  string   `json:"identityKey"`
	SignedPreKey string   `json:"signedPreKey"`
	PreKeys      []string `json:"preKeys"`
}

// ExternalJoin handles public POST /meetings/external/join: a guest redeems
// an invitation token with their pre-key bundle and receives a session id.
func (h *MeetingHandler) ExternalJoin(c fiber.Ctx) error {
	var body externalJoinRequest
	if err := c.Bind().Body(&body); err != nil || body.Token == "" || body.DisplayName == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "token and displayName are required")
	}

	inv, err := h.meetings.ConsumeInvitation(c.Context(), body.Token)
	if err != nil {
		return mapError(c, err)
	}
	m, err := h.meetings.Get(c.Context(), inv.MeetingID)
	if err != nil {
		return mapError(c, err)
	}
	if !m.AllowExternal {
		return mapError(c, meeting.ErrExternalsDisabled)
	}

	sess, err := h.externals.Create(c.Context(), m.MeetingID, body.DisplayName, body.IdentityKey, body.SignedPreKey, body.PreKeys)
	if err != nil {
		return err
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"sessionId": sess.SessionID,
		"meetingId": sess.MeetingID,
		"expiresAt": sess.ExpiresAt.UnixMilli(),
	})
}

type externalSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// Knock handles public POST /meetings/external/knock: the guest requests
// admission; the cooldown maps to 429.
func (h *MeetingHandler) Knock(c fiber.Ctx) error {
	var body externalSessionRequest
	if err := c.Bind().Body(&body); err != nil || body.SessionID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "sessionId is required")
	}

	sess, err := h.externals.RequestAdmission(c.Context(), body.SessionID)
	if err != nil {
		if errors.Is(err, meeting.ErrKnockCooldown) {
			return httputil.FailRateLimited(c, 30)
		}
		return mapError(c, err)
	}

	// Push the knock to the organizer and to the invited participants who hold
	// the admitGuests channel permission on the meeting.
	if h.hub != nil {
		if m, err := h.meetings.Get(c.Context(), sess.MeetingID); err == nil {
			h.hub.NotifyKnock(sess.MeetingID, sess.SessionID, sess.DisplayName, h.admitterIDs(c, m))
		}
	}
	return httputil.Success(c, fiber.Map{"status": "knocking"})
}

// admitterIDs lists the users who hear a knock: the organizer and every
// invited participant with admitGuests on the meeting. Users outside the
// invited list are not notified.
func (h *MeetingHandler) admitterIDs(c fiber.Ctx, m *meeting.Meeting) []string {
	out := []string{m.CreatedBy}
	for _, uid := range m.InvitedParticipants {
		if ok, err := h.roles.HasChannelPermission(c.Context(), uid, m.MeetingID, role.PermChannelAdmit); err == nil && ok {
			out = append(out, uid)
		}
	}
	return out
}

// Admit handles POST /meetings/external/admit, meeting members with the
// admitGuests permission (organizer bypass via CreatedBy).
func (h *MeetingHandler) Admit(c fiber.Ctx) error {
	return h.decide(c, true)
}

// Decline handles POST /meetings/external/decline.
func (h *MeetingHandler) Decline(c fiber.Ctx) error {
	return h.decide(c, false)
}

func (h *MeetingHandler) decide(c fiber.Ctx, admit bool) error {
	var body externalSessionRequest
	if err := c.Bind().Body(&body); err != nil || body.SessionID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "sessionId is required")
	}

	sess, err := h.externals.Get(c.Context(), body.SessionID)
	if err != nil {
		return mapError(c, err)
	}
	m, err := h.meetings.Get(c.Context(), sess.MeetingID)
	if err != nil {
		return mapError(c, err)
	}

	callerID := auth.UserID(c)
	if m.CreatedBy != callerID {
		ok, err := h.roles.HasChannelPermission(c.Context(), callerID, m.MeetingID, role.PermChannelAdmit)
		if err != nil {
			return err
		}
		if !ok {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Missing admitGuests permission")
		}
	}

	if admit {
		sess, err = h.externals.Admit(c.Context(), body.SessionID)
	} else {
		sess, err = h.externals.Decline(c.Context(), body.SessionID)
	}
	if err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"sessionId": sess.SessionID, "admitted": sess.Admitted})
}
