package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionCookieName is the browser session cookie.
const SessionCookieName = "peerlink_session"

func webSessionKey(id string) string { return "websession:" + id }

// WebSession is the server-side state behind a browser session cookie.
type WebSession struct {
	ID        string    `json:"-"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	RegStep   string    `json:"regStep,omitempty"` // registration step machine state
	WanState  string    `json:"wanState,omitempty"` // one-shot custom-tab CSRF state
	CreatedAt time.Time `json:"createdAt"`
}

// WebSessionStore keeps browser sessions in redis. The cookie value is
// "id.sig" where sig is an HMAC of the id under the server secret, so a
// fabricated id fails before redis is consulted.
type WebSessionStore struct {
	rdb    *redis.Client
	secret string
	ttl    time.Duration
}

// NewWebSessionStore creates the store.
func NewWebSessionStore(rdb *redis.Client, secret string, ttl time.Duration) *WebSessionStore {
	return &WebSessionStore{rdb: rdb, secret: secret, ttl: ttl}
}

func (s *WebSessionStore) sign(id string) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// Create stores a new session and returns the cookie value.
func (s *WebSessionStore) Create(ctx context.Context, sess WebSession) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(buf)
	sess.CreatedAt = time.Now()

	raw, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	if err := s.rdb.Set(ctx, webSessionKey(id), raw, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return id + "." + s.sign(id), nil
}

// Get resolves a cookie value to its session.
func (s *WebSessionStore) Get(ctx context.Context, cookie string) (*WebSession, error) {
	id, sig, ok := strings.Cut(cookie, ".")
	if !ok || !hmac.Equal([]byte(s.sign(id)), []byte(sig)) {
		return nil, ErrSessionNotFound
	}

	raw, err := s.rdb.Get(ctx, webSessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess WebSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess.ID = id
	return &sess, nil
}

// Update rewrites a session in place, preserving its remaining TTL.
func (s *WebSessionStore) Update(ctx context.Context, sess *WebSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.rdb.Set(ctx, webSessionKey(sess.ID), raw, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// Destroy deletes the session behind a cookie value.
func (s *WebSessionStore) Destroy(ctx context.Context, cookie string) error {
	id, _, ok := strings.Cut(cookie, ".")
	if !ok {
		return nil
	}
	if err := s.rdb.Del(ctx, webSessionKey(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}
