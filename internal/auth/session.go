package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

// ClientSession is the HMAC authentication state shared with a native client:
// one row per client id, holding the signing secret and its expiry.
type ClientSession struct {
	ClientID      string
	SessionSecret string
	UserID        string
	DeviceID      int
	ExpiresAt     time.Time
	LastUsed      time.Time
	DeviceInfo    string
}

// SessionStore persists HMAC client sessions in SQLite.
type SessionStore struct {
	db     *sql.DB
	writer *sqlite.Writer
	ttl    time.Duration
}

// NewSessionStore creates the session store. ttl is the lifetime applied to
// new and rotated sessions.
func NewSessionStore(db *sql.DB, writer *sqlite.Writer, ttl time.Duration) *SessionStore {
	return &SessionStore{db: db, writer: writer, ttl: ttl}
}

// newSessionSecret mints a 32-byte URL-safe secret.
func newSessionSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create mints a fresh secret for the client, replacing any existing session
// row. Only the owning client ever writes its row; last write wins on
// rotation.
func (s *SessionStore) Create(ctx context.Context, clientID, userID string, deviceID int, deviceInfo string) (*ClientSession, error) {
	secret, err := newSessionSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &ClientSession{
		ClientID:      clientID,
		SessionSecret: secret,
		UserID:        userID,
		DeviceID:      deviceID,
		ExpiresAt:     now.Add(s.ttl),
		LastUsed:      now,
		DeviceInfo:    deviceInfo,
	}

	err = s.writer.Exec(ctx, "auth.create-session", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO client_sessions (client_id, session_secret, user_id, device_id, expires_at, last_used, device_info)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(client_id) DO UPDATE SET
			     session_secret = excluded.session_secret,
			     user_id = excluded.user_id,
			     device_id = excluded.device_id,
			     expires_at = excluded.expires_at,
			     last_used = excluded.last_used,
			     device_info = excluded.device_info`,
			clientID, secret, userID, deviceID, sess.ExpiresAt.UnixMilli(), now.UnixMilli(), deviceInfo)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns the session row for a client id, rejecting expired sessions.
func (s *SessionStore) Get(ctx context.Context, clientID string) (*ClientSession, error) {
	var (
		sess                  ClientSession
		expiresMS, lastUsedMS int64
		info                  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, session_secret, user_id, device_id, expires_at, last_used, device_info
		 FROM client_sessions WHERE client_id = ?`, clientID).
		Scan(&sess.ClientID, &sess.SessionSecret, &sess.UserID, &sess.DeviceID, &expiresMS, &lastUsedMS, &info)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query client session: %w", err)
	}

	sess.ExpiresAt = time.UnixMilli(expiresMS).UTC()
	sess.LastUsed = time.UnixMilli(lastUsedMS).UTC()
	sess.DeviceInfo = info.String

	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return &sess, nil
}

// Touch stamps last_used. Called from the auth middleware; failures are not
// fatal to the request.
func (s *SessionStore) Touch(ctx context.Context, clientID string) error {
	return s.writer.Exec(ctx, "auth.touch-session", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE client_sessions SET last_used = ? WHERE client_id = ?`,
			time.Now().UnixMilli(), clientID)
		return err
	})
}

// Extend pushes the session expiry out by the configured TTL from now.
func (s *SessionStore) Extend(ctx context.Context, clientID string) (time.Time, error) {
	newExpiry := time.Now().Add(s.ttl)
	err := s.writer.Exec(ctx, "auth.extend-session", func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE client_sessions SET expires_at = ? WHERE client_id = ?`,
			newExpiry.UnixMilli(), clientID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return newExpiry, nil
}

// Delete removes the session row for a client (logout).
func (s *SessionStore) Delete(ctx context.Context, clientID string) error {
	return s.writer.Exec(ctx, "auth.delete-session", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM client_sessions WHERE client_id = ?`, clientID)
		return err
	})
}

// ListByUser returns all of a user's active sessions.
func (s *SessionStore) ListByUser(ctx context.Context, userID string) ([]ClientSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, session_secret, user_id, device_id, expires_at, last_used, device_info
		 FROM client_sessions WHERE user_id = ? AND expires_at > ? ORDER BY last_used DESC`,
		userID, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []ClientSession
	for rows.Next() {
		var (
			sess                  ClientSession
			expiresMS, lastUsedMS int64
			info                  sql.NullString
		)
		if err := rows.Scan(&sess.ClientID, &sess.SessionSecret, &sess.UserID, &sess.DeviceID,
			&expiresMS, &lastUsedMS, &info); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.ExpiresAt = time.UnixMilli(expiresMS).UTC()
		sess.LastUsed = time.UnixMilli(lastUsedMS).UTC()
		sess.DeviceInfo = info.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteAllForUser removes every session belonging to the user (revoke-all,
// or the response to a detected token-theft signal).
func (s *SessionStore) DeleteAllForUser(ctx context.Context, userID string) error {
	return s.writer.Exec(ctx, "auth.delete-user-sessions", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM client_sessions WHERE user_id = ?`, userID)
		return err
	})
}
