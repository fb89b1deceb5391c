package admin

import (
	"context"
	"fmt"

	"github.com/peerlink-chat/peerlink-server/internal/auth"
)

// DisposableChecker reports whether an email uses a known disposable domain.
type DisposableChecker interface {
	IsDisposable(email string) bool
}

// Gate implements auth.RegistrationGate against the stored server settings.
type Gate struct {
	store      *Store
	disposable DisposableChecker
}

// NewGate creates the registration gate. disposable may be nil.
func NewGate(store *Store, disposable DisposableChecker) *Gate {
	return &Gate{store: store, disposable: disposable}
}

// CheckEmail enforces the registration mode for a /register attempt.
func (g *Gate) CheckEmail(ctx context.Context, email, invitationToken string) error {
	if g.disposable != nil && g.disposable.IsDisposable(email) {
		return auth.ErrRegistrationClosed
	}

	settings, err := g.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	switch settings.RegistrationMode {
	case ModeOpen:
		return nil
	case ModeEmailSuffix:
		if suffixAllowed(email, settings.AllowedEmailSuffixes) {
			return nil
		}
		return auth.ErrRegistrationClosed
	case ModeInvitationOnly:
		if invitationToken == "" {
			return auth.ErrInvitationRequired
		}
		if err := g.store.VerifyInvitation(ctx, email, invitationToken); err != nil {
			return auth.ErrInvitationRequired
		}
		return nil
	default:
		return ErrInvalidMode
	}
}

// ConsumeInvitation marks the invitation used after a successful OTP when the
// server runs invitation-only. A no-op in the other modes.
func (g *Gate) ConsumeInvitation(ctx context.Context, email, invitationToken string) error {
	settings, err := g.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if settings.RegistrationMode != ModeInvitationOnly || invitationToken == "" {
		return nil
	}
	return g.store.MarkInvitationUsed(ctx, email, invitationToken)
}
