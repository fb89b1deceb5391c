package api

import (
	"encoding/base64"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/abuse"
	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/media"
	"github.com/peerlink-chat/peerlink-server/internal/role"
)

// AbuseHandler serves blocking and abuse-report endpoints.
type AbuseHandler struct {
	store *abuse.Store
	media *media.Store
	roles *role.Engine
	log   zerolog.Logger
}

// NewAbuseHandler creates the handler.
func NewAbuseHandler(store *abuse.Store, mediaStore *media.Store, roles *role.Engine, logger zerolog.Logger) *AbuseHandler {
	return &AbuseHandler{store: store, media: mediaStore, roles: roles, log: logger}
}

type blockRequest struct {
	UUID string `json:"uuid"`
}

// Block handles POST /block.
func (h *AbuseHandler) Block(c fiber.Ctx) error {
	var body blockRequest
	if err := c.Bind().Body(&body); err != nil || !requireUUID(body.UUID) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "uuid must be a UUID")
	}
	if err := h.store.Block(c.Context(), auth.UserID(c), body.UUID); err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// Unblock handles POST /unblock.
func (h *AbuseHandler) Unblock(c fiber.Ctx) error {
	var body blockRequest
	if err := c.Bind().Body(&body); err != nil || !requireUUID(body.UUID) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "uuid must be a UUID")
	}
	if err := h.store.Unblock(c.Context(), auth.UserID(c), body.UUID); err != nil {
		return err
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// BlockList handles GET /blocklist.
func (h *AbuseHandler) BlockList(c fiber.Ctx) error {
	blocked, err := h.store.BlockList(c.Context(), auth.UserID(c))
	if err != nil {
		return err
	}
	if blocked == nil {
		blocked = []string{}
	}
	return httputil.Success(c, fiber.Map{"blocked": blocked})
}

type reportRequest struct {
	Reported    string   `json:"reported"`
	Description string   `json:"description"`
	Photos      []string `json:"photos"` // base64-encoded images
}

// Report handles POST /report. Photos arrive base64-encoded, are normalized
// by the media store, and only their storage keys are persisted on the
// report.
func (h *AbuseHandler) Report(c fiber.Ctx) error {
	var body reportRequest
	if err := c.Bind().Body(&body); err != nil || !requireUUID(body.Reported) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "reported must be a UUID")
	}

	var photoKeys []string
	for _, p := range body.Photos {
		data, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "photos must be base64-encoded")
		}
		key, err := h.media.SaveReportPhoto(data)
		if err != nil {
			return mapError(c, err)
		}
		photoKeys = append(photoKeys, key)
	}

	report, err := h.store.Report(c.Context(), auth.UserID(c), body.Reported, body.Description, photoKeys)
	if err != nil {
		return mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"reportId": report.UUID})
}

// ListReports handles GET /admin/reports?status=pending, administrators
// only.
func (h *AbuseHandler) ListReports(c fiber.Ctx) error {
	if err := requireAdminRole(c, h.roles); err != nil {
		return err
	}

	reports, err := h.store.ListReports(c.Context(), abuse.ReportStatus(c.Query("status")))
	if err != nil {
		return mapError(c, err)
	}
	if reports == nil {
		reports = []abuse.Report{}
	}
	return httputil.Success(c, fiber.Map{"reports": reports})
}

type reportStatusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// SetReportStatus handles POST /admin/reports/:reportID/status.
func (h *AbuseHandler) SetReportStatus(c fiber.Ctx) error {
	if err := requireAdminRole(c, h.roles); err != nil {
		return err
	}

	var body reportStatusRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	err := h.store.SetReportStatus(c.Context(), c.Params("reportID"),
		abuse.ReportStatus(body.Status), auth.UserID(c), body.Notes)
	if err != nil {
		return mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// requireAdminRole gates an endpoint on the administrate permission.
func requireAdminRole(c fiber.Ctx, roles *role.Engine) error {
	ok, err := roles.HasServerPermission(c.Context(), auth.UserID(c), role.PermAdministrate)
	if err != nil {
		return err
	}
	if !ok {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Administrator role required")
	}
	return nil
}
