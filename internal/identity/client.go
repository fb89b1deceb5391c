package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetClient returns the client row for the given client ID.
func (r *Repository) GetClient(ctx context.Context, clientID string) (*Client, error) {
	c, err := scanClient(r.db.QueryRowContext(ctx,
		`SELECT `+selectClientColumns+` FROM clients WHERE clientid = ?`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query client: %w", err)
	}
	return c, nil
}

// ListClients returns all clients owned by the user, ordered by device number.
func (r *Repository) ListClients(ctx context.Context, owner string) ([]Client, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectClientColumns+` FROM clients WHERE owner = ? ORDER BY device_id`, owner)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// FindOrCreateClient resolves a client-presented clientID to a client row
// owned by userID.
//
// If the row does not exist it is created with the next device number for
// that owner. If it exists under a different owner, every piece of
// server-side state tied to the device is purged before ownership transfers:
// envelopes the device sent or was addressed, the previous owner's group read
// receipts for that device, all Signal pre-key, signed-pre-key, and
// sender-key rows for the client, and its HMAC session. Only then is the row
// re-bound with a fresh device number. The whole operation runs as one writer
// task so a concurrent bundle fetch cannot observe half-purged state.
func (r *Repository) FindOrCreateClient(ctx context.Context, clientID, userID string, info DeviceInfo) (*Client, error) {
	res, err := r.writer.Do(ctx, "identity.find-or-create-client", func(ctx context.Context, db *sql.DB) (any, error) {
		now := time.Now().UnixMilli()

		existing, err := scanClient(db.QueryRowContext(ctx,
			`SELECT `+selectClientColumns+` FROM clients WHERE clientid = ?`, clientID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// New device.
		case err != nil:
			return nil, fmt.Errorf("query client: %w", err)
		case existing.Owner == userID:
			_, err = db.ExecContext(ctx,
				`UPDATE clients SET ip = ?, browser = ?, location = ?, last_seen = ? WHERE clientid = ?`,
				info.IP, info.Browser, info.Location, now, clientID)
			if err != nil {
				return nil, fmt.Errorf("touch client: %w", err)
			}
			existing.IP, existing.Browser, existing.Location = info.IP, info.Browser, info.Location
			existing.LastSeen = time.UnixMilli(now).UTC()
			return existing, nil
		default:
			if err := purgeClientState(ctx, db, existing); err != nil {
				return nil, err
			}
			r.log.Info().
				Str("client_id", clientID[:8]).
				Str("old_owner", existing.Owner[:8]).
				Str("new_owner", userID[:8]).
				Msg("Client ownership transferred")
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin client tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var deviceID int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(device_id), 0) + 1 FROM clients WHERE owner = ?`, userID).Scan(&deviceID); err != nil {
			return nil, fmt.Errorf("next device id: %w", err)
		}

		if existing != nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE clients SET owner = ?, device_id = ?, public_key = NULL, registration_id = NULL,
				        ip = ?, browser = ?, location = ?, last_seen = ?
				 WHERE clientid = ?`,
				userID, deviceID, info.IP, info.Browser, info.Location, now, clientID)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO clients (clientid, owner, device_id, ip, browser, location, created_at, last_seen)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				clientID, userID, deviceID, info.IP, info.Browser, info.Location, now, now)
		}
		if err != nil {
			return nil, fmt.Errorf("bind client: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit client tx: %w", err)
		}

		return &Client{
			ClientID:  clientID,
			Owner:     userID,
			DeviceID:  deviceID,
			IP:        info.IP,
			Browser:   info.Browser,
			Location:  info.Location,
			CreatedAt: time.UnixMilli(now).UTC(),
			LastSeen:  time.UnixMilli(now).UTC(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Client), nil
}

// purgeClientState deletes everything tied to the device under its previous
// owner. Runs inside the writer.
func purgeClientState(ctx context.Context, db *sql.DB, old *Client) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	steps := []struct {
		name  string
		query string
		args  []any
	}{
		{"envelopes", `DELETE FROM items
			WHERE (sender = ? AND device_sender = ?) OR (receiver = ? AND device_receiver = ?)`,
			[]any{old.Owner, old.DeviceID, old.Owner, old.DeviceID}},
		{"group reads", `DELETE FROM group_items_read WHERE user_id = ? AND device_id = ?`,
			[]any{old.Owner, old.DeviceID}},
		{"prekeys", `DELETE FROM signal_prekeys WHERE client = ?`, []any{old.ClientID}},
		{"signed prekeys", `DELETE FROM signal_signed_prekeys WHERE client = ?`, []any{old.ClientID}},
		{"sender keys", `DELETE FROM signal_sender_keys WHERE client = ?`, []any{old.ClientID}},
		{"sessions", `DELETE FROM client_sessions WHERE client_id = ?`, []any{old.ClientID}},
	}
	for _, s := range steps {
		if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return fmt.Errorf("purge %s: %w", s.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purge tx: %w", err)
	}
	return nil
}

// UpdateClientKeys records the device's Signal identity key and registration
// id.
func (r *Repository) UpdateClientKeys(ctx context.Context, clientID, publicKey string, registrationID int) error {
	return r.writer.Exec(ctx, "identity.update-client-keys", func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE clients SET public_key = ?, registration_id = ? WHERE clientid = ?`,
			publicKey, registrationID, clientID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrClientNotFound
		}
		return nil
	})
}

// DeleteClient removes the device and its dependent state. Used when a user
// detaches a device from their account.
func (r *Repository) DeleteClient(ctx context.Context, owner, clientID string) error {
	return r.writer.Exec(ctx, "identity.delete-client", func(ctx context.Context, db *sql.DB) error {
		c, err := scanClient(db.QueryRowContext(ctx,
			`SELECT `+selectClientColumns+` FROM clients WHERE clientid = ? AND owner = ?`, clientID, owner))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrClientNotFound
		}
		if err != nil {
			return fmt.Errorf("query client: %w", err)
		}
		if err := purgeClientState(ctx, db, c); err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, `DELETE FROM clients WHERE clientid = ?`, clientID)
		return err
	})
}
