package role

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// OwnerLookup resolves a channel id to its owning user. The channel owner
// implicitly holds every permission on their channel.
type OwnerLookup interface {
	ChannelOwner(ctx context.Context, channelID string) (string, error)
}

// Engine answers permission questions and performs the idempotent automatic
// assignments.
type Engine struct {
	repo   *Repository
	owners OwnerLookup
	log    zerolog.Logger
}

// NewEngine creates the permission engine. owners may be nil until the
// channel repository is wired, in which case the owner bypass is disabled.
func NewEngine(repo *Repository, owners OwnerLookup, logger zerolog.Logger) *Engine {
	return &Engine{repo: repo, owners: owners, log: logger.With().Str("component", "role-engine").Logger()}
}

// SetOwnerLookup wires the channel owner resolver after construction.
func (e *Engine) SetOwnerLookup(owners OwnerLookup) { e.owners = owners }

// HasServerPermission reports whether any of the user's server-scope roles
// grants perm.
func (e *Engine) HasServerPermission(ctx context.Context, userID, perm string) (bool, error) {
	roles, err := e.repo.UserRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r.Has(perm) {
			return true, nil
		}
	}
	return false, nil
}

// HasChannelPermission reports whether the user holds perm on the channel,
// through ownership, a channel-scope role, or a server-scope wildcard.
func (e *Engine) HasChannelPermission(ctx context.Context, userID, channelID, perm string) (bool, error) {
	if e.owners != nil {
		owner, err := e.owners.ChannelOwner(ctx, channelID)
		if err == nil && owner == userID {
			return true, nil
		}
	}

	roles, err := e.repo.UserChannelRoles(ctx, userID, channelID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r.Has(perm) {
			return true, nil
		}
	}

	// A server administrator passes every channel check.
	return e.HasServerPermission(ctx, userID, PermAdministrate)
}

// EnsureUserRole assigns the standard User role. Idempotent; called on OTP
// verification.
func (e *Engine) EnsureUserRole(ctx context.Context, userID string) error {
	return e.ensureStandard(ctx, userID, NameUser)
}

// EnsureAdminRole assigns the standard Administrator role. Idempotent; called
// on every successful login of a configured admin.
func (e *Engine) EnsureAdminRole(ctx context.Context, userID string) error {
	return e.ensureStandard(ctx, userID, NameAdministrator)
}

func (e *Engine) ensureStandard(ctx context.Context, userID, name string) error {
	r, err := e.repo.GetByName(ctx, name, ScopeServer)
	if err != nil {
		return fmt.Errorf("lookup %s role: %w", name, err)
	}
	return e.repo.Assign(ctx, userID, r.UUID)
}
