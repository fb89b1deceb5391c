package main

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/limiter"

	"github.com/peerlink-chat/peerlink-server/internal/api"
	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/config"
)

// handlers bundles the route handlers for registration.
type handlers struct {
	auth     *api.AuthHandler
	webauthn *api.WebAuthnHandler
	token    *api.TokenHandler
	client   *api.ClientHandler
	keys     *api.KeysHandler
	envelope *api.EnvelopeHandler
	channel  *api.ChannelHandler
	role     *api.RoleHandler
	meeting  *api.MeetingHandler
	abuse    *api.AbuseHandler
	admin    *api.AdminHandler
	hub      *api.HubHandler
	health   *api.HealthHandler
}

// registerRoutes wires the HTTP surface. The dual-auth middleware runs
// globally; public endpoints simply tolerate PublicAuth, everything else sits
// behind RequireAuth.
func registerRoutes(app *fiber.App, cfg *config.Config, h *handlers) {
	authLimiter := limiter.New(limiter.Config{
		Max:        cfg.RateLimitAuthCount,
		Expiration: time.Duration(cfg.RateLimitAuthWindowSeconds) * time.Second,
	})

	app.Get("/health", h.health.Health)
	app.Get("/server/info", h.admin.PublicInfo)

	// Public auth surface, tightly rate-limited.
	app.Post("/register", authLimiter, h.auth.Register)
	app.Post("/otp", authLimiter, h.auth.VerifyOTP)
	app.Post("/backupcode/mobile-verify", authLimiter, h.auth.MobileBackupVerify)
	app.Post("/webauthn/authenticate-challenge", authLimiter, h.webauthn.AuthenticateChallenge)
	app.Post("/webauthn/authenticate", authLimiter, h.webauthn.Authenticate)
	app.Post("/token/exchange", h.token.Exchange)
	app.Post("/token/refresh", h.token.Refresh)
	app.Post("/magic/redeem", authLimiter, h.auth.RedeemMagic)
	app.Post("/meetings/external/join", authLimiter, h.meeting.ExternalJoin)
	app.Post("/meetings/external/knock", h.meeting.Knock)
	app.Post("/api/invitations/verify", authLimiter, h.admin.VerifyInvitation)

	// Registration step machine: the gate rewrites mismatched step requests.
	regGroup := app.Group("/register", auth.RegistrationStepGate())
	regGroup.Post("/otp", h.auth.VerifyOTP)
	regGroup.Post("/backupcodes", h.auth.IssueBackupCodes)
	regGroup.Post("/webauthn", h.webauthn.Register)
	regGroup.Post("/profile", h.auth.CompleteProfile)

	// The webauthn register-challenge works both during registration (session
	// cookie from the step machine) and for adding credentials later.
	app.Post("/webauthn/register-challenge", auth.RequireAuth(), h.webauthn.RegisterChallenge)
	app.Post("/webauthn/register", auth.RequireAuth(), h.webauthn.Register)
	app.Get("/webauthn/list", auth.RequireAuth(), h.webauthn.List)
	app.Post("/webauthn/delete", auth.RequireAuth(), h.webauthn.Delete)

	// Token and session management.
	app.Post("/token/revoke", auth.RequireAuth(), h.token.Revoke)
	app.Post("/session/refresh", auth.RequireAuth(), h.auth.RefreshHMACSession)
	app.Get("/sessions/list", auth.RequireAuth(), h.auth.ListSessions)
	app.Post("/sessions/revoke", auth.RequireAuth(), h.auth.RevokeSession)
	app.Post("/sessions/revoke-all", auth.RequireAuth(), h.auth.RevokeAllSessions)
	app.Post("/logout", auth.RequireAuth(), h.auth.Logout)

	// Backup codes.
	app.Get("/backupcode/usage", auth.RequireAuth(), h.auth.ListBackupCodeUsage)
	app.Post("/backupcode/verify", auth.RequireAuth(), h.auth.VerifyBackupCode)
	app.Post("/backupcode/regenerate", auth.RequireAuth(), h.auth.RegenerateBackupCodes)

	// Magic links.
	app.Get("/magic/generate", auth.RequireSession(), h.auth.GenerateMagic)

	// Devices.
	app.Post("/client/addweb", auth.RequireSession(), h.client.AddWeb)
	app.Get("/client/list", auth.RequireAuth(), h.client.List)
	app.Post("/client/delete", auth.RequireAuth(), h.client.Delete)

	// Signal key directory (HMAC-only inside the handlers).
	app.Post("/keys/prekeys", auth.RequireAuth(), h.keys.UploadPreKeys)
	app.Post("/keys/signedprekey", auth.RequireAuth(), h.keys.RotateSignedPreKey)
	app.Get("/keys/bundle/:user/:device", auth.RequireAuth(), h.keys.FetchBundle)
	app.Post("/keys/senderkey", auth.RequireAuth(), h.keys.UploadSenderKey)
	app.Get("/keys/senderkey/:channel", auth.RequireAuth(), h.keys.FetchSenderKeys)

	// Envelopes.
	app.Post("/items/send", auth.RequireAuth(), h.envelope.Send)
	app.Get("/items/fetch", auth.RequireAuth(), h.envelope.Fetch)
	app.Post("/items/read", auth.RequireAuth(), h.envelope.MarkRead)
	app.Post("/groupitems/send", auth.RequireAuth(), h.envelope.SendGroup)
	app.Get("/groupitems/fetch/:channel", auth.RequireAuth(), h.envelope.FetchGroup)
	app.Post("/groupitems/read", auth.RequireAuth(), h.envelope.MarkGroupRead)
	app.Get("/groupitems/reads/:itemId", auth.RequireAuth(), h.envelope.GroupReads)

	// Channels and roles.
	app.Post("/channels", auth.RequireAuth(), h.channel.Create)
	app.Get("/channels", auth.RequireAuth(), h.channel.List)
	app.Get("/channels/:channelID", auth.RequireAuth(), h.channel.Get)
	app.Delete("/channels/:channelID", auth.RequireAuth(), h.channel.Delete)
	app.Post("/channels/:channelID/members", auth.RequireAuth(), h.channel.AddMember)
	app.Delete("/channels/:channelID/members/:userID", auth.RequireAuth(), h.channel.RemoveMember)

	app.Get("/roles", auth.RequireAuth(), h.role.List)
	app.Post("/roles", auth.RequireAuth(), h.role.Create)
	app.Patch("/roles/:roleID", auth.RequireAuth(), h.role.Update)
	app.Delete("/roles/:roleID", auth.RequireAuth(), h.role.Delete)
	app.Post("/roles/assign", auth.RequireAuth(), h.role.Assign)

	// Meetings.
	app.Post("/meetings", auth.RequireAuth(), h.meeting.Create)
	app.Get("/meetings", auth.RequireAuth(), h.meeting.List)
	app.Get("/meetings/:meetingID/settings", auth.RequireAuth(), h.meeting.GetSettings)
	app.Post("/meetings/:meetingID/end", auth.RequireAuth(), h.meeting.End)
	app.Post("/meetings/:meetingID/rsvp", auth.RequireAuth(), h.meeting.SetRSVP)
	app.Get("/meetings/:meetingID/rsvp", auth.RequireAuth(), h.meeting.RSVPSummary)
	app.Post("/meetings/:meetingID/invitations", auth.RequireAuth(), h.meeting.CreateInvitation)
	app.Post("/meetings/external/admit", auth.RequireAuth(), h.meeting.Admit)
	app.Post("/meetings/external/decline", auth.RequireAuth(), h.meeting.Decline)

	// Blocking and abuse.
	app.Post("/block", auth.RequireAuth(), h.abuse.Block)
	app.Post("/unblock", auth.RequireAuth(), h.abuse.Unblock)
	app.Get("/blocklist", auth.RequireAuth(), h.abuse.BlockList)
	app.Post("/report", auth.RequireAuth(), h.abuse.Report)

	// Server administration.
	app.Get("/admin/settings", auth.RequireAuth(), h.admin.GetSettings)
	app.Patch("/admin/settings", auth.RequireAuth(), h.admin.UpdateSettings)
	app.Post("/admin/invitations", auth.RequireAuth(), h.admin.CreateInvitation)
	app.Get("/admin/invitations", auth.RequireAuth(), h.admin.ListInvitations)
	app.Get("/admin/reports", auth.RequireAuth(), h.abuse.ListReports)
	app.Post("/admin/reports/:reportID/status", auth.RequireAuth(), h.abuse.SetReportStatus)

	// Signaling stream.
	app.Get("/ws", h.hub.Upgrade)

	// Terminal 404 so unmatched paths do not fall through middleware as 200s.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}
