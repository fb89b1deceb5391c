// Package bootstrap performs the idempotent startup seeding: the server
// settings row and the nine standard roles.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/admin"
	"github.com/peerlink-chat/peerlink-server/internal/config"
	"github.com/peerlink-chat/peerlink-server/internal/role"
)

// Run seeds everything the server expects to exist. Safe to call on every
// startup; it only inserts what is missing.
func Run(ctx context.Context, cfg *config.Config, adminStore *admin.Store, roles *role.Repository, logger zerolog.Logger) error {
	if err := adminStore.EnsureSettings(ctx, cfg.ServerName); err != nil {
		return fmt.Errorf("seed server settings: %w", err)
	}
	if err := roles.Seed(ctx); err != nil {
		return fmt.Errorf("seed standard roles: %w", err)
	}
	logger.Info().Int("admin_emails", len(cfg.AdminEmails)).Msg("Bootstrap complete")
	return nil
}
