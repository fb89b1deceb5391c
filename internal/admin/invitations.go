package admin

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// invitationTokenLength is the length of the short invitation tokens.
const invitationTokenLength = 6

// DefaultInvitationTTL is the expiry applied when the caller does not choose
// one.
const DefaultInvitationTTL = 7 * 24 * time.Hour

const invitationAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Invitation is one registration invitation for a closed server.
type Invitation struct {
	Token     string
	Email     string
	ExpiresAt time.Time
	Used      bool
	UsedAt    *time.Time
	InvitedBy string
	CreatedAt time.Time
}

// CreateInvitation mints a 6-char token for the email.
func (s *Store) CreateInvitation(ctx context.Context, email, invitedBy string, ttl time.Duration) (*Invitation, error) {
	if ttl <= 0 {
		ttl = DefaultInvitationTTL
	}

	token := make([]byte, invitationTokenLength)
	for i := range token {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(invitationAlphabet))))
		if err != nil {
			return nil, fmt.Errorf("random invitation token: %w", err)
		}
		token[i] = invitationAlphabet[n.Int64()]
	}

	inv := &Invitation{
		Token:     string(token),
		Email:     email,
		ExpiresAt: time.Now().Add(ttl).UTC(),
		InvitedBy: invitedBy,
		CreatedAt: time.Now().UTC(),
	}
	err := s.writer.Exec(ctx, "admin.create-invitation", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO invitations (token, email, expires_at, invited_by, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			inv.Token, inv.Email, inv.ExpiresAt.UnixMilli(), inv.InvitedBy, inv.CreatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// VerifyInvitation checks that an unexpired, unused invitation exists for
// (email, token) without consuming it.
func (s *Store) VerifyInvitation(ctx context.Context, email, token string) error {
	var expiresMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM invitations WHERE email = ? AND token = ? AND used = 0`,
		email, token).Scan(&expiresMS)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvitationNotFound
	}
	if err != nil {
		return fmt.Errorf("query invitation: %w", err)
	}
	if time.Now().UnixMilli() > expiresMS {
		return ErrInvitationExpired
	}
	return nil
}

// MarkInvitationUsed consumes the invitation. Called on OTP success when the
// server runs invitation-only.
func (s *Store) MarkInvitationUsed(ctx context.Context, email, token string) error {
	return s.writer.Exec(ctx, "admin.use-invitation", func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE invitations SET used = 1, used_at = ? WHERE email = ? AND token = ? AND used = 0`,
			time.Now().UnixMilli(), email, token)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrInvitationNotFound
		}
		return nil
	})
}

// ListInvitations returns all invitations, newest first.
func (s *Store) ListInvitations(ctx context.Context) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, email, expires_at, used, used_at, invited_by, created_at
		 FROM invitations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query invitations: %w", err)
	}
	defer rows.Close()

	var out []Invitation
	for rows.Next() {
		var (
			inv                  Invitation
			expiresMS, createdMS int64
			usedMS               sql.NullInt64
		)
		if err := rows.Scan(&inv.Token, &inv.Email, &expiresMS, &inv.Used, &usedMS, &inv.InvitedBy, &createdMS); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		inv.ExpiresAt = time.UnixMilli(expiresMS).UTC()
		inv.CreatedAt = time.UnixMilli(createdMS).UTC()
		if usedMS.Valid {
			ts := time.UnixMilli(usedMS.Int64).UTC()
			inv.UsedAt = &ts
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// PurgeExpiredInvitations deletes unused invitations past their expiry.
func (s *Store) PurgeExpiredInvitations(ctx context.Context) (int64, error) {
	res, err := s.writer.Do(ctx, "admin.purge-invitations", func(ctx context.Context, db *sql.DB) (any, error) {
		r, err := db.ExecContext(ctx,
			`DELETE FROM invitations WHERE used = 0 AND expires_at < ?`, time.Now().UnixMilli())
		if err != nil {
			return nil, err
		}
		return r.RowsAffected()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}
