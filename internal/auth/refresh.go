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

// RefreshToken is an opaque one-shot credential bound to a (client, user)
// pair. Rotation marks the old token used and issues a successor; presenting
// a used token again is treated as theft.
type RefreshToken struct {
	Token         string
	ClientID      string
	UserID        string
	ExpiresAt     time.Time
	UsedAt        *time.Time
	RotationCount int
}

// RefreshStore persists refresh tokens in SQLite.
type RefreshStore struct {
	db     *sql.DB
	writer *sqlite.Writer
	ttl    time.Duration
}

// NewRefreshStore creates the refresh-token store.
func NewRefreshStore(db *sql.DB, writer *sqlite.Writer, ttl time.Duration) *RefreshStore {
	return &RefreshStore{db: db, writer: writer, ttl: ttl}
}

// newRefreshToken mints a 64-byte URL-safe random token.
func newRefreshToken() (string, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create issues a fresh refresh token for the (client, user) pair.
func (s *RefreshStore) Create(ctx context.Context, clientID, userID string) (string, error) {
	token, err := newRefreshToken()
	if err != nil {
		return "", err
	}

	err = s.writer.Exec(ctx, "auth.create-refresh", func(ctx context.Context, db *sql.DB) error {
		now := time.Now()
		_, err := db.ExecContext(ctx,
			`INSERT INTO refresh_tokens (token, client_id, user_id, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			token, clientID, userID, now.Add(s.ttl).UnixMilli(), now.UnixMilli())
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Rotate consumes the presented token and issues its successor. The checks
// and the state change run inside one writer task so two concurrent uses of
// the same token cannot both succeed.
//
// A token that is expired fails with ErrRefreshTokenExpired. A token whose
// used_at is already set fails with ErrRefreshTokenReused and is deleted —
// reuse is an attack signal, and the caller is expected to invalidate the
// client's sessions.
func (s *RefreshStore) Rotate(ctx context.Context, clientID, token string) (string, *RefreshToken, error) {
	successor, err := newRefreshToken()
	if err != nil {
		return "", nil, err
	}

	res, err := s.writer.Do(ctx, "auth.rotate-refresh", func(ctx context.Context, db *sql.DB) (any, error) {
		var (
			rt        RefreshToken
			expiresMS int64
			usedMS    sql.NullInt64
		)
		err := db.QueryRowContext(ctx,
			`SELECT token, client_id, user_id, expires_at, used_at, rotation_count
			 FROM refresh_tokens WHERE token = ?`, token).
			Scan(&rt.Token, &rt.ClientID, &rt.UserID, &expiresMS, &usedMS, &rt.RotationCount)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenInvalid
		}
		if err != nil {
			return nil, fmt.Errorf("query refresh token: %w", err)
		}
		rt.ExpiresAt = time.UnixMilli(expiresMS).UTC()

		if rt.ClientID != clientID {
			return nil, ErrTokenInvalid
		}
		if usedMS.Valid {
			_, _ = db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = ?`, token)
			return nil, ErrRefreshTokenReused
		}
		if time.Now().After(rt.ExpiresAt) {
			_, _ = db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = ?`, token)
			return nil, ErrRefreshTokenExpired
		}

		now := time.Now()
		if _, err := db.ExecContext(ctx,
			`UPDATE refresh_tokens SET used_at = ? WHERE token = ?`, now.UnixMilli(), token); err != nil {
			return nil, fmt.Errorf("mark refresh token used: %w", err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO refresh_tokens (token, client_id, user_id, expires_at, rotation_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			successor, rt.ClientID, rt.UserID, now.Add(s.ttl).UnixMilli(), rt.RotationCount+1, now.UnixMilli()); err != nil {
			return nil, fmt.Errorf("insert successor token: %w", err)
		}
		return &rt, nil
	})
	if err != nil {
		return "", nil, err
	}
	return successor, res.(*RefreshToken), nil
}

// DeleteForClient removes all refresh tokens bound to a client id.
func (s *RefreshStore) DeleteForClient(ctx context.Context, clientID string) error {
	return s.writer.Exec(ctx, "auth.delete-client-refresh", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE client_id = ?`, clientID)
		return err
	})
}

// PurgeUsed deletes used tokens older than cutoff and expired tokens.
// Called from the background cleanup goroutine.
func (s *RefreshStore) PurgeUsed(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.writer.Do(ctx, "auth.purge-refresh", func(ctx context.Context, db *sql.DB) (any, error) {
		r, err := db.ExecContext(ctx,
			`DELETE FROM refresh_tokens WHERE (used_at IS NOT NULL AND used_at < ?) OR expires_at < ?`,
			cutoff.UnixMilli(), time.Now().UnixMilli())
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
