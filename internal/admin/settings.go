// Package admin holds the single-row server settings, the registration
// invitations for closed servers, and the registration-mode gate applied on
// /register.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

// Sentinel errors for the admin package.
var (
	ErrInvitationNotFound = errors.New("invitation not found or already used")
	ErrInvitationExpired  = errors.New("invitation expired")
	ErrInvalidMode        = errors.New("invalid registration mode")
)

// RegistrationMode controls who may register.
type RegistrationMode string

// Registration modes.
const (
	ModeOpen           RegistrationMode = "open"
	ModeEmailSuffix    RegistrationMode = "email_suffix"
	ModeInvitationOnly RegistrationMode = "invitation_only"
)

// ValidMode reports whether m is a known registration mode.
func ValidMode(m RegistrationMode) bool {
	return m == ModeOpen || m == ModeEmailSuffix || m == ModeInvitationOnly
}

// Settings is the single server settings row.
type Settings struct {
	ServerName           string
	ServerPicture        string
	RegistrationMode     RegistrationMode
	AllowedEmailSuffixes []string
}

// Store persists settings and invitations.
type Store struct {
	db     *sql.DB
	writer *sqlite.Writer
	log    zerolog.Logger
}

// NewStore creates the admin store.
func NewStore(db *sql.DB, writer *sqlite.Writer, logger zerolog.Logger) *Store {
	return &Store{db: db, writer: writer, log: logger.With().Str("component", "admin").Logger()}
}

// EnsureSettings inserts the settings row with safe defaults when absent.
// Called once at startup.
func (s *Store) EnsureSettings(ctx context.Context, serverName string) error {
	return s.writer.Exec(ctx, "admin.ensure-settings", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO server_settings (id, server_name, registration_mode, allowed_email_suffixes)
			 VALUES (1, ?, 'open', '[]')
			 ON CONFLICT(id) DO NOTHING`, serverName)
		return err
	})
}

// GetSettings returns the settings row.
func (s *Store) GetSettings(ctx context.Context) (*Settings, error) {
	var (
		st           Settings
		picture      sql.NullString
		suffixesJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT server_name, server_picture, registration_mode, allowed_email_suffixes
		 FROM server_settings WHERE id = 1`).
		Scan(&st.ServerName, &picture, &st.RegistrationMode, &suffixesJSON)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	st.ServerPicture = picture.String
	if err := json.Unmarshal([]byte(suffixesJSON), &st.AllowedEmailSuffixes); err != nil {
		return nil, fmt.Errorf("decode email suffixes: %w", err)
	}
	return &st, nil
}

// SettingsUpdate carries optional settings fields; nil pointers are left
// unchanged.
type SettingsUpdate struct {
	ServerName           *string
	ServerPicture        *string
	RegistrationMode     *RegistrationMode
	AllowedEmailSuffixes *[]string
}

// UpdateSettings applies the non-nil fields.
func (s *Store) UpdateSettings(ctx context.Context, upd SettingsUpdate) error {
	if upd.RegistrationMode != nil && !ValidMode(*upd.RegistrationMode) {
		return ErrInvalidMode
	}
	return s.writer.Exec(ctx, "admin.update-settings", func(ctx context.Context, db *sql.DB) error {
		if upd.ServerName != nil {
			if _, err := db.ExecContext(ctx,
				`UPDATE server_settings SET server_name = ? WHERE id = 1`, *upd.ServerName); err != nil {
				return err
			}
		}
		if upd.ServerPicture != nil {
			if _, err := db.ExecContext(ctx,
				`UPDATE server_settings SET server_picture = ? WHERE id = 1`, *upd.ServerPicture); err != nil {
				return err
			}
		}
		if upd.RegistrationMode != nil {
			if _, err := db.ExecContext(ctx,
				`UPDATE server_settings SET registration_mode = ? WHERE id = 1`, *upd.RegistrationMode); err != nil {
				return err
			}
		}
		if upd.AllowedEmailSuffixes != nil {
			raw, err := json.Marshal(*upd.AllowedEmailSuffixes)
			if err != nil {
				return fmt.Errorf("encode email suffixes: %w", err)
			}
			if _, err := db.ExecContext(ctx,
				`UPDATE server_settings SET allowed_email_suffixes = ? WHERE id = 1`, string(raw)); err != nil {
				return err
			}
		}
		return nil
	})
}

// suffixAllowed reports whether the email's domain ends with one of the
// configured suffixes.
func suffixAllowed(email string, suffixes []string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, suf := range suffixes {
		if strings.HasSuffix(domain, strings.TrimPrefix(suf, "@")) {
			return true
		}
	}
	return false
}
