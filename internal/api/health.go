package api

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/peerlink-chat/peerlink-server/internal/httputil"
)

// Pinger abstracts the redis client for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports process health.
type HealthHandler struct {
	db  *sql.DB
	rdb Pinger
}

// NewHealthHandler creates the handler.
func NewHealthHandler(db *sql.DB, rdb Pinger) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb}
}

// Health handles GET /health: verifies both stores respond.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	status := fiber.Map{"database": "ok", "redis": "ok"}
	healthy := true

	if err := h.db.PingContext(ctx); err != nil {
		status["database"] = "unreachable"
		healthy = false
	}
	if err := h.rdb.Ping(ctx); err != nil {
		status["redis"] = "unreachable"
		healthy = false
	}

	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(httputil.ErrorResponse{
			Error: httputil.ErrorBody{Code: httputil.CodeUnavailable, Message: "Dependency unavailable"},
		})
	}
	return httputil.Success(c, status)
}
