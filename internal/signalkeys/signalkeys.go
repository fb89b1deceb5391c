// Package signalkeys is the Signal-protocol key directory: per-device
// one-time pre-keys, signed pre-keys, and per-channel sender keys. The server
// only stores and hands out public material; it never runs the ratchet.
package signalkeys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

// Sentinel errors for the signalkeys package.
var (
	ErrNoSignedPreKey = errors.New("device has no signed pre-key")
	ErrNoSenderKey    = errors.New("no sender key for this channel and client")
	ErrDeviceUnknown  = errors.New("target device unknown")
	ErrNotChannelType = errors.New("sender keys only apply to group channels")
)

// PreKey is one uploaded one-time pre-key.
type PreKey struct {
	ID   int    `json:"prekeyId"`
	Data string `json:"prekeyData"`
}

// SignedPreKey is the device's current signed pre-key.
type SignedPreKey struct {
	ID        int    `json:"signedPrekeyId"`
	Data      string `json:"signedPrekeyData"`
	Signature string `json:"signedPrekeySignature"`
}

// Bundle is everything a peer needs to open a Signal session with one target
// device. OneTimePreKey is nil when the device's pool is exhausted.
type Bundle struct {
	IdentityKey    string        `json:"identityKey"`
	RegistrationID int           `json:"registrationId"`
	DeviceID       int           `json:"deviceId"`
	SignedPreKey   SignedPreKey  `json:"signedPreKey"`
	OneTimePreKey  *PreKey       `json:"oneTimePreKey,omitempty"`
}

// Directory stores and serves key material.
type Directory struct {
	db     *sql.DB
	writer *sqlite.Writer
	log    zerolog.Logger
}

// NewDirectory creates the key directory.
func NewDirectory(db *sql.DB, writer *sqlite.Writer, logger zerolog.Logger) *Directory {
	return &Directory{db: db, writer: writer, log: logger.With().Str("component", "signalkeys").Logger()}
}

// UploadPreKeys stores a batch of one-time pre-keys for the device.
// Duplicates on (client, prekey_id) are ignored so clients may retry uploads.
func (d *Directory) UploadPreKeys(ctx context.Context, clientID, owner string, keys []PreKey) error {
	return d.writer.Exec(ctx, "signalkeys.upload-prekeys", func(ctx context.Context, db *sql.DB) error {
		for _, k := range keys {
			_, err := db.ExecContext(ctx,
				`INSERT INTO signal_prekeys (client, owner, prekey_id, prekey_data)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(client, prekey_id) DO NOTHING`,
				clientID, owner, k.ID, k.Data)
			if err != nil {
				return fmt.Errorf("insert prekey %d: %w", k.ID, err)
			}
		}
		return nil
	})
}

// PreKeyCount returns the remaining one-time pre-keys for a device, so
// clients know when to replenish.
func (d *Directory) PreKeyCount(ctx context.Context, clientID string) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signal_prekeys WHERE client = ?`, clientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count prekeys: %w", err)
	}
	return n, nil
}

// RotateSignedPreKey replaces the device's signed pre-key.
func (d *Directory) RotateSignedPreKey(ctx context.Context, clientID, owner string, key SignedPreKey) error {
	return d.writer.Exec(ctx, "signalkeys.rotate-signed-prekey", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO signal_signed_prekeys (client, owner, signed_prekey_id, signed_prekey_data, signed_prekey_signature)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(client) DO UPDATE SET
			     signed_prekey_id = excluded.signed_prekey_id,
			     signed_prekey_data = excluded.signed_prekey_data,
			     signed_prekey_signature = excluded.signed_prekey_signature`,
			clientID, owner, key.ID, key.Data, key.Signature)
		return err
	})
}

// FetchBundle assembles the key bundle for a target (user, device) and
// consumes exactly one one-time pre-key. The delete-then-return runs inside a
// single writer task, so the same pre-key can never be served twice even
// under concurrent fetches. When the pool is empty the bundle is returned
// without a one-time key.
func (d *Directory) FetchBundle(ctx context.Context, userID string, deviceID int) (*Bundle, error) {
	res, err := d.writer.Do(ctx, "signalkeys.fetch-bundle", func(ctx context.Context, db *sql.DB) (any, error) {
		var (
			clientID    string
			identityKey sql.NullString
			regID       sql.NullInt64
		)
		err := db.QueryRowContext(ctx,
			`SELECT clientid, public_key, registration_id FROM clients WHERE owner = ? AND device_id = ?`,
			userID, deviceID).Scan(&clientID, &identityKey, &regID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceUnknown
		}
		if err != nil {
			return nil, fmt.Errorf("query device: %w", err)
		}

		b := &Bundle{
			IdentityKey:    identityKey.String,
			RegistrationID: int(regID.Int64),
			DeviceID:       deviceID,
		}

		err = db.QueryRowContext(ctx,
			`SELECT signed_prekey_id, signed_prekey_data, signed_prekey_signature
			 FROM signal_signed_prekeys WHERE client = ?`, clientID).
			Scan(&b.SignedPreKey.ID, &b.SignedPreKey.Data, &b.SignedPreKey.Signature)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSignedPreKey
		}
		if err != nil {
			return nil, fmt.Errorf("query signed prekey: %w", err)
		}

		// Consume one one-time pre-key: read the lowest id, delete it, and
		// only then include it in the bundle.
		var otk PreKey
		err = db.QueryRowContext(ctx,
			`SELECT prekey_id, prekey_data FROM signal_prekeys WHERE client = ? ORDER BY prekey_id LIMIT 1`,
			clientID).Scan(&otk.ID, &otk.Data)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Pool exhausted; the bundle is still usable.
		case err != nil:
			return nil, fmt.Errorf("query prekey: %w", err)
		default:
			if _, err := db.ExecContext(ctx,
				`DELETE FROM signal_prekeys WHERE client = ? AND prekey_id = ?`, clientID, otk.ID); err != nil {
				return nil, fmt.Errorf("consume prekey: %w", err)
			}
			b.OneTimePreKey = &otk
		}

		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Bundle), nil
}

// UploadSenderKey stores or replaces the sender key for (channel, client).
// The caller must have verified channel membership and channel type.
func (d *Directory) UploadSenderKey(ctx context.Context, channelID, clientID, owner, senderKey string) error {
	return d.writer.Exec(ctx, "signalkeys.upload-sender-key", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO signal_sender_keys (channel, client, owner, sender_key)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(channel, client) DO UPDATE SET sender_key = excluded.sender_key, owner = excluded.owner`,
			channelID, clientID, owner, senderKey)
		return err
	})
}

// SenderKey returns the stored sender key for (channel, client).
func (d *Directory) SenderKey(ctx context.Context, channelID, clientID string) (string, error) {
	var key string
	err := d.db.QueryRowContext(ctx,
		`SELECT sender_key FROM signal_sender_keys WHERE channel = ? AND client = ?`,
		channelID, clientID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoSenderKey
	}
	if err != nil {
		return "", fmt.Errorf("query sender key: %w", err)
	}
	return key, nil
}

// SenderKeysForChannel returns every stored sender key of a channel, keyed by
// client id. New members fetch these to decrypt group history fan-in.
func (d *Directory) SenderKeysForChannel(ctx context.Context, channelID string) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT client, sender_key FROM signal_sender_keys WHERE channel = ?`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query sender keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var client, key string
		if err := rows.Scan(&client, &key); err != nil {
			return nil, fmt.Errorf("scan sender key: %w", err)
		}
		out[client] = key
	}
	return out, rows.Err()
}
