package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/identity"
	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

const selectChannelColumns = `uuid, name, description, owner, private, type, default_role_id, created_at`

// Repository stores channels and memberships.
type Repository struct {
	db     *sql.DB
	writer *sqlite.Writer
	log    zerolog.Logger
}

// NewRepository creates the channel repository.
func NewRepository(db *sql.DB, writer *sqlite.Writer, logger zerolog.Logger) *Repository {
	return &Repository{db: db, writer: writer, log: logger.With().Str("component", "channel").Logger()}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*Channel, error) {
	var (
		c         Channel
		defRole   sql.NullString
		createdMS int64
	)
	if err := row.Scan(&c.UUID, &c.Name, &c.Description, &c.Owner, &c.Private, &c.Type, &defRole, &createdMS); err != nil {
		return nil, err
	}
	c.DefaultRoleID = defRole.String
	c.CreatedAt = time.UnixMilli(createdMS).UTC()
	return &c, nil
}

// Create inserts a channel and adds the owner as its first member.
func (r *Repository) Create(ctx context.Context, name, description, owner string, private bool, chType Type, defaultRoleID string) (*Channel, error) {
	name, err := ValidateName(name)
	if err != nil {
		return nil, err
	}
	if !ValidType(chType) {
		return nil, ErrInvalidType
	}

	ch := &Channel{
		UUID:          uuid.NewString(),
		Name:          name,
		Description:   identity.SanitizeText(description),
		Owner:         owner,
		Private:       private,
		Type:          chType,
		DefaultRoleID: defaultRoleID,
		CreatedAt:     time.Now().UTC(),
	}

	err = r.writer.Exec(ctx, "channel.create", func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var defRole any
		if ch.DefaultRoleID != "" {
			defRole = ch.DefaultRoleID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channels (uuid, name, description, owner, private, type, default_role_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ch.UUID, ch.Name, ch.Description, ch.Owner, ch.Private, ch.Type, defRole, ch.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert channel: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_members (user_id, channel_id, permission) VALUES (?, ?, 'owner')`,
			ch.Owner, ch.UUID); err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Get returns a channel by UUID.
func (r *Repository) Get(ctx context.Context, id string) (*Channel, error) {
	ch, err := scanChannel(r.db.QueryRowContext(ctx,
		`SELECT `+selectChannelColumns+` FROM channels WHERE uuid = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return ch, nil
}

// ChannelOwner implements role.OwnerLookup.
func (r *Repository) ChannelOwner(ctx context.Context, channelID string) (string, error) {
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT owner FROM channels WHERE uuid = ?`, channelID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query channel owner: %w", err)
	}
	return owner, nil
}

// ListForUser returns the channels the user belongs to.
func (r *Repository) ListForUser(ctx context.Context, userID string) ([]Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.uuid, c.name, c.description, c.owner, c.private, c.type, c.default_role_id, c.created_at
		 FROM channels c JOIN channel_members m ON m.channel_id = c.uuid
		 WHERE m.user_id = ? ORDER BY c.created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

// IsMember reports whether the user belongs to the channel.
func (r *Repository) IsMember(ctx context.Context, userID, channelID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM channel_members WHERE user_id = ? AND channel_id = ?`, userID, channelID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return true, nil
}

// Members returns the channel's member rows.
func (r *Repository) Members(ctx context.Context, channelID string) ([]Member, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, channel_id, permission FROM channel_members WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.ChannelID, &m.Permission); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMember inserts a membership row.
func (r *Repository) AddMember(ctx context.Context, userID, channelID, permission string) error {
	return r.writer.Exec(ctx, "channel.add-member", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO channel_members (user_id, channel_id, permission) VALUES (?, ?, ?)`,
			userID, channelID, permission)
		if sqlite.IsUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return err
	})
}

// RemoveMember deletes a membership row together with the member's sender
// keys for the channel, so a removed member's stale group keys cannot be
// fetched afterwards.
func (r *Repository) RemoveMember(ctx context.Context, userID, channelID string) error {
	return r.writer.Exec(ctx, "channel.remove-member", func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`DELETE FROM channel_members WHERE user_id = ? AND channel_id = ?`, userID, channelID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotMember
		}
		_, err = db.ExecContext(ctx,
			`DELETE FROM signal_sender_keys WHERE channel = ? AND owner = ?`, channelID, userID)
		return err
	})
}

// Delete removes a channel with its memberships, per-channel role
// assignments, sender keys, and group items.
func (r *Repository) Delete(ctx context.Context, channelID string) error {
	return r.writer.Exec(ctx, "channel.delete", func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, q := range []string{
			`DELETE FROM group_items_read WHERE item_id IN (SELECT item_id FROM group_items WHERE channel = ?)`,
			`DELETE FROM group_items WHERE channel = ?`,
			`DELETE FROM signal_sender_keys WHERE channel = ?`,
			`DELETE FROM user_roles_channel WHERE channel_id = ?`,
			`DELETE FROM channel_members WHERE channel_id = ?`,
			`DELETE FROM channels WHERE uuid = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, channelID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}
