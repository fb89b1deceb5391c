package role

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

const selectRoleColumns = `uuid, name, description, permissions, scope, standard`

// Repository stores roles and their assignments.
type Repository struct {
	db     *sql.DB
	writer *sqlite.Writer
	log    zerolog.Logger
}

// NewRepository creates the role repository.
func NewRepository(db *sql.DB, writer *sqlite.Writer, logger zerolog.Logger) *Repository {
	return &Repository{db: db, writer: writer, log: logger.With().Str("component", "role").Logger()}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (*Role, error) {
	var (
		r         Role
		permsJSON string
	)
	if err := row.Scan(&r.UUID, &r.Name, &r.Description, &permsJSON, &r.Scope, &r.Standard); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(permsJSON), &r.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	return &r, nil
}

// Seed inserts the standard roles that are not present yet. Safe to run on
// every startup.
func (r *Repository) Seed(ctx context.Context) error {
	return r.writer.Exec(ctx, "role.seed", func(ctx context.Context, db *sql.DB) error {
		for _, std := range standardRoles {
			perms, err := json.Marshal(std.Permissions)
			if err != nil {
				return fmt.Errorf("encode permissions: %w", err)
			}
			_, err = db.ExecContext(ctx,
				`INSERT INTO roles (uuid, name, description, permissions, scope, standard)
				 VALUES (?, ?, ?, ?, ?, 1)
				 ON CONFLICT(name, scope) DO NOTHING`,
				uuid.NewString(), std.Name, std.Description, string(perms), std.Scope)
			if err != nil {
				return fmt.Errorf("seed role %s/%s: %w", std.Name, std.Scope, err)
			}
		}
		return nil
	})
}

// Get returns a role by UUID.
func (r *Repository) Get(ctx context.Context, id string) (*Role, error) {
	role, err := scanRole(r.db.QueryRowContext(ctx,
		`SELECT `+selectRoleColumns+` FROM roles WHERE uuid = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query role: %w", err)
	}
	return role, nil
}

// GetByName returns a role by its (name, scope) key.
func (r *Repository) GetByName(ctx context.Context, name string, scope Scope) (*Role, error) {
	role, err := scanRole(r.db.QueryRowContext(ctx,
		`SELECT `+selectRoleColumns+` FROM roles WHERE name = ? AND scope = ?`, name, scope))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query role by name: %w", err)
	}
	return role, nil
}

// List returns all roles in a scope.
func (r *Repository) List(ctx context.Context, scope Scope) ([]Role, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectRoleColumns+` FROM roles WHERE scope = ? ORDER BY name`, scope)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, *role)
	}
	return out, rows.Err()
}

// Create inserts a custom (non-standard) role.
func (r *Repository) Create(ctx context.Context, name, description string, permissions []string, scope Scope) (*Role, error) {
	name, err := ValidateName(name)
	if err != nil {
		return nil, err
	}
	if !ValidScope(scope) {
		return nil, ErrInvalidScope
	}
	for _, p := range permissions {
		if p == "" {
			return nil, ErrPermissionEmpty
		}
	}

	role := &Role{
		UUID:        uuid.NewString(),
		Name:        name,
		Description: description,
		Permissions: permissions,
		Scope:       scope,
	}
	perms, err := json.Marshal(permissions)
	if err != nil {
		return nil, fmt.Errorf("encode permissions: %w", err)
	}

	err = r.writer.Exec(ctx, "role.create", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO roles (uuid, name, description, permissions, scope, standard)
			 VALUES (?, ?, ?, ?, ?, 0)`,
			role.UUID, role.Name, role.Description, string(perms), role.Scope)
		if sqlite.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// Update rewrites a custom role. Standard roles are immutable.
func (r *Repository) Update(ctx context.Context, id, name, description string, permissions []string) error {
	name, err := ValidateName(name)
	if err != nil {
		return err
	}
	perms, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}

	return r.writer.Exec(ctx, "role.update", func(ctx context.Context, db *sql.DB) error {
		existing, err := scanRole(db.QueryRowContext(ctx,
			`SELECT `+selectRoleColumns+` FROM roles WHERE uuid = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query role: %w", err)
		}
		if existing.Standard {
			return ErrStandardRole
		}

		_, err = db.ExecContext(ctx,
			`UPDATE roles SET name = ?, description = ?, permissions = ? WHERE uuid = ?`,
			name, description, string(perms), id)
		if sqlite.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

// Delete removes a custom role and its assignments. Standard roles are
// undeletable.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.writer.Exec(ctx, "role.delete", func(ctx context.Context, db *sql.DB) error {
		existing, err := scanRole(db.QueryRowContext(ctx,
			`SELECT `+selectRoleColumns+` FROM roles WHERE uuid = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query role: %w", err)
		}
		if existing.Standard {
			return ErrStandardRole
		}

		for _, q := range []string{
			`DELETE FROM user_roles WHERE role_id = ?`,
			`DELETE FROM user_roles_channel WHERE role_id = ?`,
			`DELETE FROM roles WHERE uuid = ?`,
		} {
			if _, err := db.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Assign grants a server-scope role to a user. Idempotent.
func (r *Repository) Assign(ctx context.Context, userID, roleID string) error {
	return r.writer.Exec(ctx, "role.assign", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)
			 ON CONFLICT(user_id, role_id) DO NOTHING`, userID, roleID)
		return err
	})
}

// Unassign removes a server-scope role from a user.
func (r *Repository) Unassign(ctx context.Context, userID, roleID string) error {
	return r.writer.Exec(ctx, "role.unassign", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = ? AND role_id = ?`, userID, roleID)
		return err
	})
}

// AssignChannel grants a channel-scope role to a user on one channel.
// Idempotent.
func (r *Repository) AssignChannel(ctx context.Context, userID, roleID, channelID string) error {
	return r.writer.Exec(ctx, "role.assign-channel", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO user_roles_channel (user_id, role_id, channel_id) VALUES (?, ?, ?)
			 ON CONFLICT(user_id, role_id, channel_id) DO NOTHING`, userID, roleID, channelID)
		return err
	})
}

// UnassignChannel removes a per-channel role assignment.
func (r *Repository) UnassignChannel(ctx context.Context, userID, roleID, channelID string) error {
	return r.writer.Exec(ctx, "role.unassign-channel", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`DELETE FROM user_roles_channel WHERE user_id = ? AND role_id = ? AND channel_id = ?`,
			userID, roleID, channelID)
		return err
	})
}

// UserRoles returns the server-scope roles assigned to a user.
func (r *Repository) UserRoles(ctx context.Context, userID string) ([]Role, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT r.uuid, r.name, r.description, r.permissions, r.scope, r.standard
		 FROM roles r JOIN user_roles ur ON ur.role_id = r.uuid
		 WHERE ur.user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user roles: %w", err)
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, *role)
	}
	return out, rows.Err()
}

// UserChannelRoles returns the roles assigned to a user on one channel.
func (r *Repository) UserChannelRoles(ctx context.Context, userID, channelID string) ([]Role, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT r.uuid, r.name, r.description, r.permissions, r.scope, r.standard
		 FROM roles r JOIN user_roles_channel urc ON urc.role_id = r.uuid
		 WHERE urc.user_id = ? AND urc.channel_id = ?`, userID, channelID)
	if err != nil {
		return nil, fmt.Errorf("query user channel roles: %w", err)
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, *role)
	}
	return out, rows.Err()
}
