package envelope

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

// BlockChecker is the slice of the abuse package the envelope path needs.
type BlockChecker interface {
	IsBlocked(ctx context.Context, blocker, blocked string) (bool, error)
}

// Store persists envelopes. dropSilently controls the blocked-sender policy:
// when true a blocked envelope is accepted and discarded so the sender cannot
// probe the block list; when false it is refused with ErrBlocked.
type Store struct {
	db           *sql.DB
	writer       *sqlite.Writer
	blocks       BlockChecker
	dropSilently bool
	log          zerolog.Logger
}

// NewStore creates the envelope store.
func NewStore(db *sql.DB, writer *sqlite.Writer, blocks BlockChecker, dropSilently bool, logger zerolog.Logger) *Store {
	return &Store{
		db:           db,
		writer:       writer,
		blocks:       blocks,
		dropSilently: dropSilently,
		log:          logger.With().Str("component", "envelope").Logger(),
	}
}

// Send stores a 1:1 envelope. A duplicate itemId to the same
// (receiver, deviceReceiver) is idempotent: the original row wins and the
// call reports success. Returns stored=false when the envelope was silently
// discarded because of a block.
func (s *Store) Send(ctx context.Context, p SendParams) (stored bool, err error) {
	if p.ItemID == "" {
		return false, ErrEmptyItemID
	}

	if s.blocks != nil {
		blocked, err := s.blocks.IsBlocked(ctx, p.Receiver, p.Sender)
		if err != nil {
			return false, err
		}
		if blocked {
			if s.dropSilently {
				// Accepted and discarded: no error leak toward the sender.
				return false, nil
			}
			return false, ErrBlocked
		}
	}

	err = s.writer.Exec(ctx, "envelope.send", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO items (uuid, item_id, sender, device_sender, receiver, device_receiver,
			                    type, payload, cipher_type, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(item_id, receiver, device_receiver) DO NOTHING`,
			uuid.NewString(), p.ItemID, p.Sender, p.DeviceSender, p.Receiver, p.DeviceReceiver,
			p.Type, p.Payload, p.CipherType, time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanItem(rows *sql.Rows) (*Item, error) {
	var (
		it                     Item
		deliveredMS            sql.NullInt64
		createdMS              int64
	)
	err := rows.Scan(&it.UUID, &it.ItemID, &it.Sender, &it.DeviceSender, &it.Receiver, &it.DeviceReceiver,
		&it.Type, &it.Payload, &it.CipherType, &it.Read, &deliveredMS, &createdMS)
	if err != nil {
		return nil, err
	}
	if deliveredMS.Valid {
		ts := time.UnixMilli(deliveredMS.Int64).UTC()
		it.DeliveredAt = &ts
	}
	it.CreatedAt = time.UnixMilli(createdMS).UTC()
	return &it, nil
}

// FetchForDevice returns the undelivered envelopes addressed to the device in
// createdAt order and stamps them delivered. Stamping runs through the writer
// after the read, so a crash between the two at worst redelivers.
func (s *Store) FetchForDevice(ctx context.Context, userID string, deviceID int) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, item_id, sender, device_sender, receiver, device_receiver,
		        type, payload, cipher_type, readed, delivered_at, created_at
		 FROM items
		 WHERE receiver = ? AND device_receiver = ? AND delivered_at IS NULL
		 ORDER BY created_at ASC`, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var (
		out   []Item
		uuids []any
	)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, *it)
		uuids = append(uuids, it.UUID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	err = s.writer.Exec(ctx, "envelope.mark-delivered", func(ctx context.Context, db *sql.DB) error {
		now := time.Now().UnixMilli()
		for _, id := range uuids {
			if _, err := db.ExecContext(ctx,
				`UPDATE items SET delivered_at = ? WHERE uuid = ? AND delivered_at IS NULL`, now, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead records that the receiving device displayed the envelope.
func (s *Store) MarkRead(ctx context.Context, userID string, deviceID int, itemID string) error {
	return s.writer.Exec(ctx, "envelope.mark-read", func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE items SET readed = 1 WHERE item_id = ? AND receiver = ? AND device_receiver = ?`,
			itemID, userID, deviceID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// PurgeDelivered deletes delivered envelopes older than cutoff.
func (s *Store) PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.writer.Do(ctx, "envelope.purge-delivered", func(ctx context.Context, db *sql.DB) (any, error) {
		r, err := db.ExecContext(ctx,
			`DELETE FROM items WHERE delivered_at IS NOT NULL AND delivered_at < ?`, cutoff.UnixMilli())
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

// SendGroup stores a group envelope: exactly one row per message. Duplicate
// itemIds are idempotent.
func (s *Store) SendGroup(ctx context.Context, g GroupItem) error {
	if g.ItemID == "" {
		return ErrEmptyItemID
	}
	return s.writer.Exec(ctx, "envelope.send-group", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO group_items (uuid, item_id, channel, sender, sender_device, type, payload, cipher_type, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(item_id) DO NOTHING`,
			uuid.NewString(), g.ItemID, g.Channel, g.Sender, g.SenderDevice,
			g.Type, g.Payload, g.CipherType, time.Now().UnixMilli())
		return err
	})
}

// FetchGroup returns the channel's group envelopes after the given time in
// ascending order.
func (s *Store) FetchGroup(ctx context.Context, channelID string, after time.Time, limit int) ([]GroupItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, item_id, channel, sender, sender_device, type, payload, cipher_type, timestamp
		 FROM group_items WHERE channel = ? AND timestamp > ?
		 ORDER BY timestamp ASC LIMIT ?`, channelID, after.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query group items: %w", err)
	}
	defer rows.Close()

	var out []GroupItem
	for rows.Next() {
		var (
			g   GroupItem
			tsMS int64
		)
		if err := rows.Scan(&g.UUID, &g.ItemID, &g.Channel, &g.Sender, &g.SenderDevice,
			&g.Type, &g.Payload, &g.CipherType, &tsMS); err != nil {
			return nil, fmt.Errorf("scan group item: %w", err)
		}
		g.Timestamp = time.UnixMilli(tsMS).UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkGroupRead inserts the per-device read receipt. Re-inserting the same
// (itemId, userId, deviceId) is a no-op.
func (s *Store) MarkGroupRead(ctx context.Context, itemID, userID string, deviceID int) error {
	return s.writer.Exec(ctx, "envelope.mark-group-read", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO group_items_read (item_id, user_id, device_id, read_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(item_id, user_id, device_id) DO NOTHING`,
			itemID, userID, deviceID, time.Now().UnixMilli())
		return err
	})
}

// GroupReads returns the read receipts recorded for a group item.
func (s *Store) GroupReads(ctx context.Context, itemID string) ([]GroupRead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, user_id, device_id, read_at FROM group_items_read WHERE item_id = ? ORDER BY read_at`,
		itemID)
	if err != nil {
		return nil, fmt.Errorf("query group reads: %w", err)
	}
	defer rows.Close()

	var out []GroupRead
	for rows.Next() {
		var (
			gr     GroupRead
			readMS int64
		)
		if err := rows.Scan(&gr.ItemID, &gr.UserID, &gr.DeviceID, &readMS); err != nil {
			return nil, fmt.Errorf("scan group read: %w", err)
		}
		gr.ReadAt = time.UnixMilli(readMS).UTC()
		out = append(out, gr)
	}
	return out, rows.Err()
}
