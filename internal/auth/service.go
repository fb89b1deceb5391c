package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/config"
	"github.com/peerlink-chat/peerlink-server/internal/identity"
)

// Sender delivers transactional email. A failed send is logged and
// registration proceeds; with no sender configured, the code is logged in
// development mode.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// RoleAssigner is the slice of the role engine the auth flows need.
type RoleAssigner interface {
	EnsureUserRole(ctx context.Context, userID string) error
	EnsureAdminRole(ctx context.Context, userID string) error
}

// RegistrationGate decides whether an email may register, per the server's
// registration mode, and consumes invitations when one is required.
type RegistrationGate interface {
	CheckEmail(ctx context.Context, email, invitationToken string) error
	ConsumeInvitation(ctx context.Context, email, invitationToken string) error
}

// Service orchestrates the registration and token flows.
type Service struct {
	users    *identity.Repository
	otp      *OTPStore
	backup   *BackupThrottle
	sessions *SessionStore
	web      *WebSessionStore
	refresh  *RefreshStore
	handoff  *HandoffIssuer
	magic    *MagicLinks
	limiter  *RateLimiter
	roles    RoleAssigner
	gate     RegistrationGate
	sender   Sender
	cfg      *config.Config
	log      zerolog.Logger
}

// NewService wires the auth service.
func NewService(
	users *identity.Repository,
	rdb *redis.Client,
	sessions *SessionStore,
	refresh *RefreshStore,
	roles RoleAssigner,
	gate RegistrationGate,
	sender Sender,
	cfg *config.Config,
	logger zerolog.Logger,
) *Service {
	return &Service{
		users:    users,
		otp:      NewOTPStore(rdb, cfg.OTPTTL, cfg.OTPResendWait),
		backup:   NewBackupThrottle(rdb),
		sessions: sessions,
		web:      NewWebSessionStore(rdb, cfg.ServerSecret, cfg.SessionTTL),
		refresh:  refresh,
		handoff:  NewHandoffIssuer(rdb, cfg.ServerSecret, cfg.HandoffTokenTTL),
		magic:    NewMagicLinks(rdb, cfg.ServerSecret, cfg.ServerURL, cfg.MagicLinkTTL),
		limiter:  NewRateLimiter(rdb),
		roles:    roles,
		gate:     gate,
		sender:   sender,
		cfg:      cfg,
		log:      logger.With().Str("component", "auth").Logger(),
	}
}

// WebSessions exposes the cookie session store for the middleware and
// handlers.
func (s *Service) WebSessions() *WebSessionStore { return s.web }

// Sessions exposes the HMAC session store.
func (s *Service) Sessions() *SessionStore { return s.sessions }

// Handoff exposes the hand-off token issuer.
func (s *Service) Handoff() *HandoffIssuer { return s.handoff }

// Magic exposes the magic-link store.
func (s *Service) Magic() *MagicLinks { return s.magic }

// Limiter exposes the redis-backed rate limiter.
func (s *Service) Limiter() *RateLimiter { return s.limiter }

// Backup exposes the backup-code throttle.
func (s *Service) Backup() *BackupThrottle { return s.backup }

// OTP exposes the OTP store.
func (s *Service) OTP() *OTPStore { return s.otp }

// RegisterResult is the outcome of a /register call.
type RegisterResult struct {
	Status string // "otp" or "waitotp"
	Wait   int    // seconds
	User   *identity.User
}

// Register starts (or restarts) registration for the email: gate check,
// user row creation, OTP issue, email dispatch.
func (s *Service) Register(ctx context.Context, rawEmail, invitationToken string) (*RegisterResult, error) {
	email, err := identity.ValidateEmail(rawEmail)
	if err != nil {
		return nil, err
	}

	if err := s.gate.CheckEmail(ctx, email, invitationToken); err != nil {
		return nil, err
	}

	user, err := s.users.CreateUser(ctx, email)
	if err != nil {
		return nil, err
	}

	issued, err := s.otp.Issue(ctx, email)
	if err != nil {
		return nil, err
	}
	if issued.Code == "" {
		return &RegisterResult{Status: "waitotp", Wait: int(issued.Wait.Seconds()), User: user}, nil
	}

	if s.sender != nil {
		body := fmt.Sprintf("Your %s verification code is %s. It expires in %d minutes.",
			s.cfg.ServerName, issued.Code, int(s.cfg.OTPTTL.Minutes()))
		if err := s.sender.Send(ctx, email, s.cfg.ServerName+" verification code", body); err != nil {
			s.log.Warn().Err(err).Msg("Verification email failed to send")
		}
	} else if s.cfg.IsDevelopment() {
		s.log.Info().Str("email", email).Str("otp", issued.Code).Msg("SMTP not configured, OTP logged for development")
	}

	return &RegisterResult{Status: "otp", Wait: int(s.cfg.OTPTTL.Seconds()), User: user}, nil
}

// VerifyOTP consumes the code, marks the user verified, seeds the User role,
// and consumes the invitation when registration is invitation-only.
func (s *Service) VerifyOTP(ctx context.Context, rawEmail, code, invitationToken string) (*identity.User, error) {
	email, err := identity.ValidateEmail(rawEmail)
	if err != nil {
		return nil, err
	}

	if err := s.otp.Verify(ctx, email, code); err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !user.Verified {
		if err := s.users.SetVerified(ctx, user.UUID); err != nil {
			return nil, err
		}
		user.Verified = true
	}

	if err := s.roles.EnsureUserRole(ctx, user.UUID); err != nil {
		s.log.Error().Err(err).Str("user", user.UUID[:8]).Msg("User role auto-assignment failed")
	}
	if err := s.gate.ConsumeInvitation(ctx, email, invitationToken); err != nil {
		s.log.Warn().Err(err).Msg("Invitation consumption failed")
	}

	return user, nil
}

// OnAuthenticated runs the per-login bookkeeping: mark the user active and
// ensure the Administrator role for configured admin emails. Idempotent.
func (s *Service) OnAuthenticated(ctx context.Context, user *identity.User) {
	if err := s.users.SetActive(ctx, user.UUID, true); err != nil {
		s.log.Warn().Err(err).Msg("Failed to mark user active")
	}
	if user.Verified && s.cfg.IsAdminEmail(user.Email) {
		if err := s.roles.EnsureAdminRole(ctx, user.UUID); err != nil {
			s.log.Error().Err(err).Str("user", user.UUID[:8]).Msg("Administrator role auto-assignment failed")
		}
	}
}

// SessionMaterial is what a native client receives after a successful
// authentication with a clientId.
type SessionMaterial struct {
	SessionSecret string
	SessionExpiry time.Time
	UserID        string
	Email         string
	DeviceID      int
	RefreshToken  string
}

// EstablishClientSession binds the clientId to the user (with transfer
// semantics), mints an HMAC session, and issues a refresh token.
func (s *Service) EstablishClientSession(ctx context.Context, user *identity.User, clientID string, info identity.DeviceInfo) (*SessionMaterial, error) {
	client, err := s.users.FindOrCreateClient(ctx, clientID, user.UUID, info)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Create(ctx, clientID, user.UUID, client.DeviceID, info.Browser)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.refresh.Create(ctx, clientID, user.UUID)
	if err != nil {
		return nil, err
	}

	return &SessionMaterial{
		SessionSecret: sess.SessionSecret,
		SessionExpiry: sess.ExpiresAt,
		UserID:        user.UUID,
		Email:         user.Email,
		DeviceID:      client.DeviceID,
		RefreshToken:  refreshToken,
	}, nil
}

// ExchangeResult extends SessionMaterial with the credential carried by the
// hand-off token.
type ExchangeResult struct {
	SessionMaterial
	CredentialID string
}

// ExchangeHandoff redeems a hand-off token for a long-lived HMAC session.
func (s *Service) ExchangeHandoff(ctx context.Context, token, clientID string, info identity.DeviceInfo) (*ExchangeResult, error) {
	claims, err := s.handoff.Redeem(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}

	material, err := s.EstablishClientSession(ctx, user, clientID, info)
	if err != nil {
		return nil, err
	}
	s.OnAuthenticated(ctx, user)

	return &ExchangeResult{SessionMaterial: *material, CredentialID: claims.CredentialID}, nil
}

// RefreshSession rotates the refresh token and mints a fresh session secret.
// Reuse of a consumed token invalidates every session of that client.
func (s *Service) RefreshSession(ctx context.Context, clientID, refreshToken string) (*SessionMaterial, error) {
	successor, old, err := s.refresh.Rotate(ctx, clientID, refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenReused) {
			s.log.Warn().Str("client_id", clientID[:min(8, len(clientID))]).
				Msg("Refresh token reuse detected, invalidating client session")
			_ = s.sessions.Delete(ctx, clientID)
			_ = s.refresh.DeleteForClient(ctx, clientID)
		}
		return nil, err
	}

	user, err := s.users.GetUser(ctx, old.UserID)
	if err != nil {
		return nil, err
	}
	client, err := s.users.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Create(ctx, clientID, user.UUID, client.DeviceID, client.Browser)
	if err != nil {
		return nil, err
	}

	return &SessionMaterial{
		SessionSecret: sess.SessionSecret,
		SessionExpiry: sess.ExpiresAt,
		UserID:        user.UUID,
		Email:         user.Email,
		DeviceID:      client.DeviceID,
		RefreshToken:  successor,
	}, nil
}

// VerifyBackupLogin authenticates a user by backup code, applying the
// exponential failure throttle, and marks the matched code used.
func (s *Service) VerifyBackupLogin(ctx context.Context, rawEmail, code string) (*identity.User, error) {
	email, err := identity.ValidateEmail(rawEmail)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	if wait, err := s.backup.Check(ctx, user.UUID); err != nil {
		return nil, err
	} else if wait > 0 {
		return nil, fmt.Errorf("%w: retry in %ds", ErrBackupCodeThrottled, int(wait.Seconds())+1)
	}

	idx, err := VerifyBackupCode(user.BackupCodes, code)
	if err != nil {
		if recErr := s.backup.RecordFailure(ctx, user.UUID); recErr != nil {
			s.log.Warn().Err(recErr).Msg("Failed to record backup-code failure")
		}
		return nil, err
	}

	if err := s.users.MarkBackupCodeUsed(ctx, user.UUID, idx); err != nil {
		return nil, err
	}
	if err := s.backup.Reset(ctx, user.UUID); err != nil {
		s.log.Warn().Err(err).Msg("Failed to reset backup-code throttle")
	}

	s.OnAuthenticated(ctx, user)
	return user, nil
}
