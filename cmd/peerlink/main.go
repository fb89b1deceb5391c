package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/peerlink-chat/peerlink-server/internal/abuse"
	"github.com/peerlink-chat/peerlink-server/internal/admin"
	"github.com/peerlink-chat/peerlink-server/internal/api"
	"github.com/peerlink-chat/peerlink-server/internal/auth"
	"github.com/peerlink-chat/peerlink-server/internal/bootstrap"
	"github.com/peerlink-chat/peerlink-server/internal/channel"
	"github.com/peerlink-chat/peerlink-server/internal/config"
	"github.com/peerlink-chat/peerlink-server/internal/disposable"
	"github.com/peerlink-chat/peerlink-server/internal/email"
	"github.com/peerlink-chat/peerlink-server/internal/envelope"
	"github.com/peerlink-chat/peerlink-server/internal/geo"
	"github.com/peerlink-chat/peerlink-server/internal/httputil"
	"github.com/peerlink-chat/peerlink-server/internal/hub"
	"github.com/peerlink-chat/peerlink-server/internal/identity"
	"github.com/peerlink-chat/peerlink-server/internal/media"
	"github.com/peerlink-chat/peerlink-server/internal/meeting"
	"github.com/peerlink-chat/peerlink-server/internal/redisx"
	"github.com/peerlink-chat/peerlink-server/internal/role"
	"github.com/peerlink-chat/peerlink-server/internal/signalkeys"
	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
	"github.com/peerlink-chat/peerlink-server/internal/webauthn"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("env", cfg.ServerEnv).
		Msg("Starting PeerLink Server")

	ctx := context.Background()

	// Connect SQLite and run migrations. Both failures are fatal (exit 1).
	db, err := sqlite.Connect(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("connect sqlite: %w", err)
	}
	defer func() { _ = db.Close() }()
	log.Info().Str("path", cfg.DBPath).Msg("SQLite connected")

	if err := sqlite.Migrate(db, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	writer := sqlite.NewWriter(db, 256, log.Logger)
	defer writer.Close()

	// Connect redis for all volatile state.
	rdb, err := redisx.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Redis connected")

	// Repositories and stores.
	users := identity.NewRepository(db, writer, log.Logger)
	roleRepo := role.NewRepository(db, writer, log.Logger)
	channels := channel.NewRepository(db, writer, log.Logger)
	roles := role.NewEngine(roleRepo, channels, log.Logger)
	adminStore := admin.NewStore(db, writer, log.Logger)
	abuseStore := abuse.NewStore(db, writer, log.Logger)
	keys := signalkeys.NewDirectory(db, writer, log.Logger)
	envelopes := envelope.NewStore(db, writer, abuseStore, cfg.BlockDropSilently, log.Logger)
	meetings := meeting.NewRepository(db, writer, cfg.MeetingJoinWindow, log.Logger)
	externals := meeting.NewExternalStore(rdb, cfg.ExternalSessionTTL, cfg.KnockCooldown)

	mediaStore, err := media.NewStore(cfg.MediaPath)
	if err != nil {
		return fmt.Errorf("init media store: %w", err)
	}

	// Seed server settings and the standard roles.
	if err := bootstrap.Run(ctx, cfg, adminStore, roleRepo, log.Logger); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	// Disposable-email blocklist (optional registration-gate supplement).
	blocklist := disposable.NewBlocklist(cfg.DisposableBlocklistURL, cfg.DisposableBlocklistEnabled, log.Logger)
	blocklist.Prefetch(ctx)

	// Email sender capability (optional).
	var sender auth.Sender
	if cfg.SMTPConfigured() {
		client := email.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		if err := client.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("SMTP connection test failed. Verification emails may not be delivered.")
		} else {
			log.Info().Str("host", cfg.SMTPHost).Int("port", cfg.SMTPPort).Msg("SMTP connection verified")
		}
		sender = client
	} else {
		log.Warn().Msg("SMTP_HOST is not configured. OTP codes are only logged in development mode.")
	}

	// Geolocation capability (optional).
	var lookup geo.Lookup = geo.Noop{}
	if cfg.GeoLookupURL != "" {
		lookup = geo.NewHTTPLookup(cfg.GeoLookupURL, log.Logger)
	}

	// Auth service and middleware.
	sessions := auth.NewSessionStore(db, writer, cfg.SessionTTL)
	refresh := auth.NewRefreshStore(db, writer, cfg.RefreshTokenTTL)
	gate := admin.NewGate(adminStore, blocklist)
	authService := auth.NewService(users, rdb, sessions, refresh, roles, gate, sender, cfg, log.Logger)
	verifier := auth.NewHMACVerifier(rdb, cfg.HMACMaxSkew, cfg.NonceTTL)

	wan, err := webauthn.NewService(rdb, cfg.Domain, cfg.ServerName, cfg.ServerURL, cfg.ExtraOrigins, log.Logger)
	if err != nil {
		return fmt.Errorf("init webauthn: %w", err)
	}

	// Signaling hub.
	signalingHub := hub.NewHub(abuseStore, meetings, cfg.HubSendBuffer, cfg.HubMaxConnections, cfg.HubHeartbeatInterval, log.Logger)

	// Background cleanup: delivered envelopes, used refresh tokens, expired
	// invitations. External sessions and nonces expire via redis TTL.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go blocklistRunner(subCtx, blocklist, cfg.DisposableBlocklistRefresh)
	go purgeLoop(subCtx, cfg, envelopes, refresh, adminStore)

	app := fiber.New(fiber.Config{
		AppName:   "PeerLink",
		BodyLimit: 12 * 1024 * 1024,
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := httputil.CodeInternal
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
				message = fiberErr.Message
				if status < 500 {
					code = httputil.CodeValidation
				}
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: code, Message: message},
			})
		},
	})

	// Global middleware.
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger, "/health"))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.ServerURL},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", auth.HeaderClientID, auth.HeaderTimestamp, auth.HeaderNonce, auth.HeaderSignature},
		AllowCredentials: true,
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))
	app.Use(auth.Middleware(sessions, authService.WebSessions(), verifier, log.Logger))

	registerRoutes(app, cfg, &handlers{
		auth:     api.NewAuthHandler(authService, users, log.Logger),
		webauthn: api.NewWebAuthnHandler(wan, authService, users, lookup, log.Logger),
		token:    api.NewTokenHandler(authService, cfg, log.Logger),
		client:   api.NewClientHandler(users, lookup, log.Logger),
		keys:     api.NewKeysHandler(keys, users, channels, log.Logger),
		envelope: api.NewEnvelopeHandler(envelopes, channels, signalingHub, log.Logger),
		channel:  api.NewChannelHandler(channels, roles, log.Logger),
		role:     api.NewRoleHandler(roleRepo, roles, log.Logger),
		meeting:  api.NewMeetingHandler(meetings, externals, roles, signalingHub, log.Logger),
		abuse:    api.NewAbuseHandler(abuseStore, mediaStore, roles, log.Logger),
		admin:    api.NewAdminHandler(adminStore, mediaStore, roles, log.Logger),
		hub:      api.NewHubHandler(signalingHub, users, externals, log.Logger),
		health:   api.NewHealthHandler(db, redisPinger{rdb}),
	})

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		signalingHub.Shutdown()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// blocklistRunner keeps the disposable-email list fresh, restarting with
// backoff on failure.
func blocklistRunner(ctx context.Context, bl *disposable.Blocklist, interval time.Duration) {
	delay := time.Second
	for {
		err := bl.Run(ctx, interval)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		log.Error().Err(err).Dur("retry_in", delay).Msg("Blocklist refresher stopped, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, 2*time.Minute)
	}
}

// purgeLoop deletes aged delivered envelopes, consumed refresh tokens, and
// expired invitations on the cleanup interval.
func purgeLoop(ctx context.Context, cfg *config.Config, envelopes *envelope.Store, refresh *auth.RefreshStore, adminStore *admin.Store) {
	run := func() {
		if n, err := envelopes.PurgeDelivered(ctx, time.Now().Add(-cfg.EnvelopeRetention)); err != nil {
			log.Warn().Err(err).Msg("Failed to purge delivered envelopes")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Msg("Purged delivered envelopes")
		}
		if n, err := refresh.PurgeUsed(ctx, time.Now().Add(-7*24*time.Hour)); err != nil {
			log.Warn().Err(err).Msg("Failed to purge refresh tokens")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Msg("Purged used refresh tokens")
		}
		if n, err := adminStore.PurgeExpiredInvitations(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to purge invitations")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Msg("Purged expired invitations")
		}
	}

	run()
	ticker := time.NewTicker(cfg.DataCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// redisPinger adapts the redis client to the health handler's interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }
