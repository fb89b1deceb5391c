package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

// selectUserColumns lists the columns returned by queries that produce a
// *User. Every method that scans into a User must select these columns in
// this exact order.
const selectUserColumns = `uuid, email, verified, display_name, at_name, credentials, backup_codes,
	picture, active, notify_prefs, created_at`

const selectClientColumns = `clientid, owner, device_id, public_key, registration_id, ip, browser,
	location, created_at, last_seen`

// Repository stores users and clients. Reads hit the database directly;
// mutations are funnelled through the single writer.
type Repository struct {
	db     *sql.DB
	writer *sqlite.Writer
	log    zerolog.Logger
}

// NewRepository creates a new identity repository.
func NewRepository(db *sql.DB, writer *sqlite.Writer, logger zerolog.Logger) *Repository {
	return &Repository{db: db, writer: writer, log: logger.With().Str("component", "identity").Logger()}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u                                   User
		displayName, atName, picture        sql.NullString
		credsJSON, codesJSON, prefsJSON     string
		createdMS                           int64
	)
	err := row.Scan(&u.UUID, &u.Email, &u.Verified, &displayName, &atName, &credsJSON,
		&codesJSON, &picture, &u.Active, &prefsJSON, &createdMS)
	if err != nil {
		return nil, err
	}
	u.DisplayName = displayName.String
	u.AtName = atName.String
	u.Picture = picture.String
	u.CreatedAt = time.UnixMilli(createdMS).UTC()
	if err := json.Unmarshal([]byte(credsJSON), &u.Credentials); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if err := json.Unmarshal([]byte(codesJSON), &u.BackupCodes); err != nil {
		return nil, fmt.Errorf("decode backup codes: %w", err)
	}
	if err := json.Unmarshal([]byte(prefsJSON), &u.NotifyPrefs); err != nil {
		return nil, fmt.Errorf("decode notify prefs: %w", err)
	}
	return &u, nil
}

func scanClient(row rowScanner) (*Client, error) {
	var (
		c                            Client
		pubKey, ip, browser, loc     sql.NullString
		regID                        sql.NullInt64
		createdMS, lastSeenMS        int64
	)
	err := row.Scan(&c.ClientID, &c.Owner, &c.DeviceID, &pubKey, &regID, &ip, &browser,
		&loc, &createdMS, &lastSeenMS)
	if err != nil {
		return nil, err
	}
	c.PublicKey = pubKey.String
	c.RegistrationID = int(regID.Int64)
	c.IP = ip.String
	c.Browser = browser.String
	c.Location = loc.String
	c.CreatedAt = time.UnixMilli(createdMS).UTC()
	c.LastSeen = time.UnixMilli(lastSeenMS).UTC()
	return &c, nil
}

// CreateUser inserts an unverified user for the given (already validated)
// email and returns it. A second registration for a not-yet-verified email
// returns the existing row so the OTP flow can restart.
func (r *Repository) CreateUser(ctx context.Context, email string) (*User, error) {
	res, err := r.writer.Do(ctx, "identity.create-user", func(ctx context.Context, db *sql.DB) (any, error) {
		id := uuid.NewString()
		_, err := db.ExecContext(ctx,
			`INSERT INTO users (uuid, email, verified, credentials, backup_codes, notify_prefs, created_at)
			 VALUES (?, ?, 0, '[]', '[]', '{}', ?)`,
			id, email, time.Now().UnixMilli())
		if err != nil {
			if sqlite.IsUniqueViolation(err) {
				existing, lookupErr := scanUser(db.QueryRowContext(ctx,
					`SELECT `+selectUserColumns+` FROM users WHERE email = ?`, email))
				if lookupErr != nil {
					return nil, fmt.Errorf("load existing user: %w", lookupErr)
				}
				if existing.Verified {
					return nil, ErrAlreadyExists
				}
				return existing, nil
			}
			return nil, fmt.Errorf("insert user: %w", err)
		}
		return r.getUser(ctx, db, id)
	})
	if err != nil {
		return nil, err
	}
	return res.(*User), nil
}

func (r *Repository) getUser(ctx context.Context, db *sql.DB, id string) (*User, error) {
	u, err := scanUser(db.QueryRowContext(ctx, `SELECT `+selectUserColumns+` FROM users WHERE uuid = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given UUID.
func (r *Repository) GetUser(ctx context.Context, id string) (*User, error) {
	return r.getUser(ctx, r.db, id)
}

// GetUserByEmail returns the user with the given email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+selectUserColumns+` FROM users WHERE email = ?`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return u, nil
}

// SetVerified marks the user verified.
func (r *Repository) SetVerified(ctx context.Context, id string) error {
	return r.writer.Exec(ctx, "identity.set-verified", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE users SET verified = 1 WHERE uuid = ?`, id)
		return err
	})
}

// SetActive records whether the user currently has an authenticated session.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	return r.writer.Exec(ctx, "identity.set-active", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE users SET active = ? WHERE uuid = ?`, active, id)
		return err
	})
}

// ProfileUpdate carries the optional profile fields; nil pointers are left
// unchanged.
type ProfileUpdate struct {
	DisplayName *string
	AtName      *string
	Picture     *string
	NotifyPrefs *NotifyPrefs
}

// UpdateProfile applies the non-nil fields of upd to the user. Display names
// are sanitized; at-name collisions surface as ErrAtNameTaken.
func (r *Repository) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) error {
	return r.writer.Exec(ctx, "identity.update-profile", func(ctx context.Context, db *sql.DB) error {
		if upd.DisplayName != nil {
			name := SanitizeText(*upd.DisplayName)
			if _, err := db.ExecContext(ctx, `UPDATE users SET display_name = ? WHERE uuid = ?`, name, id); err != nil {
				return err
			}
		}
		if upd.AtName != nil {
			name := SanitizeText(*upd.AtName)
			if _, err := db.ExecContext(ctx, `UPDATE users SET at_name = ? WHERE uuid = ?`, name, id); err != nil {
				if sqlite.IsUniqueViolation(err) {
					return ErrAtNameTaken
				}
				return err
			}
		}
		if upd.Picture != nil {
			if _, err := db.ExecContext(ctx, `UPDATE users SET picture = ? WHERE uuid = ?`, *upd.Picture, id); err != nil {
				return err
			}
		}
		if upd.NotifyPrefs != nil {
			raw, err := json.Marshal(upd.NotifyPrefs)
			if err != nil {
				return fmt.Errorf("encode notify prefs: %w", err)
			}
			if _, err := db.ExecContext(ctx, `UPDATE users SET notify_prefs = ? WHERE uuid = ?`, string(raw), id); err != nil {
				return err
			}
		}
		return nil
	})
}

// saveCredentials writes the serialized credential list. Must run inside a
// writer task.
func saveCredentials(ctx context.Context, db *sql.DB, userID string, creds []Credential) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	_, err = db.ExecContext(ctx, `UPDATE users SET credentials = ? WHERE uuid = ?`, string(raw), userID)
	return err
}

// AddCredential appends a WebAuthn credential to the user.
func (r *Repository) AddCredential(ctx context.Context, userID string, cred Credential) error {
	return r.writer.Exec(ctx, "identity.add-credential", func(ctx context.Context, db *sql.DB) error {
		u, err := r.getUser(ctx, db, userID)
		if err != nil {
			return err
		}
		for _, existing := range u.Credentials {
			if existing.ID == cred.ID {
				return fmt.Errorf("credential %s: %w", cred.ID[:min(8, len(cred.ID))], ErrAlreadyExists)
			}
		}
		return saveCredentials(ctx, db, userID, append(u.Credentials, cred))
	})
}

// UpdateCredential replaces the stored credential with a matching ID,
// typically to bump the signature counter and last-login metadata.
func (r *Repository) UpdateCredential(ctx context.Context, userID string, cred Credential) error {
	return r.writer.Exec(ctx, "identity.update-credential", func(ctx context.Context, db *sql.DB) error {
		u, err := r.getUser(ctx, db, userID)
		if err != nil {
			return err
		}
		for i, existing := range u.Credentials {
			if existing.ID == cred.ID {
				u.Credentials[i] = cred
				return saveCredentials(ctx, db, userID, u.Credentials)
			}
		}
		return ErrCredentialMissing
	})
}

// DeleteCredential removes a credential. Deleting the last remaining
// credential is refused so the account cannot lock itself out of WebAuthn.
func (r *Repository) DeleteCredential(ctx context.Context, userID, credentialID string) error {
	return r.writer.Exec(ctx, "identity.delete-credential", func(ctx context.Context, db *sql.DB) error {
		u, err := r.getUser(ctx, db, userID)
		if err != nil {
			return err
		}
		if len(u.Credentials) <= 1 {
			return ErrLastCredential
		}
		kept := make([]Credential, 0, len(u.Credentials)-1)
		found := false
		for _, c := range u.Credentials {
			if c.ID == credentialID {
				found = true
				continue
			}
			kept = append(kept, c)
		}
		if !found {
			return ErrCredentialMissing
		}
		return saveCredentials(ctx, db, userID, kept)
	})
}

// SetBackupCodes replaces the user's backup code set.
func (r *Repository) SetBackupCodes(ctx context.Context, userID string, codes []BackupCode) error {
	return r.writer.Exec(ctx, "identity.set-backup-codes", func(ctx context.Context, db *sql.DB) error {
		raw, err := json.Marshal(codes)
		if err != nil {
			return fmt.Errorf("encode backup codes: %w", err)
		}
		_, err = db.ExecContext(ctx, `UPDATE users SET backup_codes = ? WHERE uuid = ?`, string(raw), userID)
		return err
	})
}

// MarkBackupCodeUsed sets the used bit on the code at index.
func (r *Repository) MarkBackupCodeUsed(ctx context.Context, userID string, index int) error {
	return r.writer.Exec(ctx, "identity.mark-backup-code", func(ctx context.Context, db *sql.DB) error {
		u, err := r.getUser(ctx, db, userID)
		if err != nil {
			return err
		}
		if index < 0 || index >= len(u.BackupCodes) {
			return fmt.Errorf("backup code index %d out of range", index)
		}
		u.BackupCodes[index].Used = true
		raw, err := json.Marshal(u.BackupCodes)
		if err != nil {
			return fmt.Errorf("encode backup codes: %w", err)
		}
		_, err = db.ExecContext(ctx, `UPDATE users SET backup_codes = ? WHERE uuid = ?`, string(raw), userID)
		return err
	})
}
