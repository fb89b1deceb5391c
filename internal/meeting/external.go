package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/peerlink-chat/peerlink-server/internal/identity"
)

func externalKey(sessionID string) string   { return "extsession:" + sessionID }
func knockWaitKey(sessionID string) string  { return "knock_wait:" + sessionID }

// ExternalSession is a guest's volatile admission state. Admitted is
// tri-state: nil means no decision pending, false means a knock is pending,
// true means the guest is in.
type ExternalSession struct {
	SessionID            string     `json:"sessionId"`
	MeetingID            string     `json:"meetingId"`
	DisplayName          string     `json:"displayName"`
	IdentityKeyPublic    string     `json:"identityKeyPublic"`
	SignedPreKey         string     `json:"signedPreKey"`
	PreKeys              []string   `json:"preKeys"`
	Admitted             *bool      `json:"admitted"`
	LastAdmissionRequest *time.Time `json:"lastAdmissionRequest,omitempty"`
	JoinedAt             *time.Time `json:"joinedAt,omitempty"`
	LeftAt               *time.Time `json:"leftAt,omitempty"`
	ExpiresAt            time.Time  `json:"expiresAt"`
}

// ExternalStore keeps external sessions in redis so they vanish with the
// meeting and never touch the durable store.
type ExternalStore struct {
	rdb      *redis.Client
	ttl      time.Duration
	cooldown time.Duration
}

// NewExternalStore creates the store. ttl bounds a guest session's life;
// cooldown is the minimum spacing between admission requests.
func NewExternalStore(rdb *redis.Client, ttl, cooldown time.Duration) *ExternalStore {
	return &ExternalStore{rdb: rdb, ttl: ttl, cooldown: cooldown}
}

// Create registers a guest who redeemed an invitation token, storing their
// display name and Signal pre-key bundle for later session establishment.
func (s *ExternalStore) Create(ctx context.Context, meetingID, displayName, identityKey, signedPreKey string, preKeys []string) (*ExternalSession, error) {
	sess := &ExternalSession{
		SessionID:         uuid.NewString(),
		MeetingID:         meetingID,
		DisplayName:       identity.SanitizeText(displayName),
		IdentityKeyPublic: identityKey,
		SignedPreKey:      signedPreKey,
		PreKeys:           preKeys,
		ExpiresAt:         time.Now().Add(s.ttl).UTC(),
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *ExternalStore) save(ctx context.Context, sess *ExternalSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode external session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return ErrSessionNotFound
	}
	if err := s.rdb.Set(ctx, externalKey(sess.SessionID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store external session: %w", err)
	}
	return nil
}

// Get returns the session, or ErrSessionNotFound after expiry or GC.
func (s *ExternalStore) Get(ctx context.Context, sessionID string) (*ExternalSession, error) {
	raw, err := s.rdb.Get(ctx, externalKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load external session: %w", err)
	}
	var sess ExternalSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode external session: %w", err)
	}
	return &sess, nil
}

// RequestAdmission marks the guest knocking. A second request inside the
// cooldown fails with ErrKnockCooldown; the per-session SET NX key enforces
// the spacing atomically.
func (s *ExternalStore) RequestAdmission(ctx context.Context, sessionID string) (*ExternalSession, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ok, err := s.rdb.SetNX(ctx, knockWaitKey(sessionID), "1", s.cooldown).Result()
	if err != nil {
		return nil, fmt.Errorf("knock cooldown gate: %w", err)
	}
	if !ok {
		return nil, ErrKnockCooldown
	}

	pending := false
	now := time.Now().UTC()
	sess.Admitted = &pending
	sess.LastAdmissionRequest = &now
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Admit lets the guest in: admitted becomes true and joined_at is stamped.
func (s *ExternalStore) Admit(ctx context.Context, sessionID string) (*ExternalSession, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	admitted := true
	now := time.Now().UTC()
	sess.Admitted = &admitted
	sess.JoinedAt = &now
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Decline resets admitted to nil so the guest may knock again once the
// cooldown passes.
func (s *ExternalStore) Decline(ctx context.Context, sessionID string) (*ExternalSession, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Admitted = nil
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// MarkLeft stamps the guest's departure without deleting the session, so a
// rejoin within the TTL keeps its identity.
func (s *ExternalStore) MarkLeft(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	sess.LeftAt = &now
	return s.save(ctx, sess)
}

// Delete removes the session (meeting ended). Expiry GC is redis TTL.
func (s *ExternalStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, externalKey(sessionID), knockWaitKey(sessionID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete external session: %w", err)
	}
	return nil
}
