package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

func magicKey(hash string) string { return "magic:" + hash }

// magicRecord is the stored side of a magic link.
type magicRecord struct {
	Email string `json:"email"`
	UUID  string `json:"uuid"`
	Used  bool   `json:"used"`
}

// MagicLinks mints and redeems the HMAC-signed device-linking keys. The
// external form is "serverUrl|hash|unixMillis|hmac" — the pipe delimiter is
// chosen because the server URL itself may contain colons (IPv6, ports).
type MagicLinks struct {
	rdb       *redis.Client
	secret    string
	serverURL string
	ttl       time.Duration
}

// NewMagicLinks creates the store.
func NewMagicLinks(rdb *redis.Client, secret, serverURL string, ttl time.Duration) *MagicLinks {
	return &MagicLinks{rdb: rdb, secret: secret, serverURL: serverURL, ttl: ttl}
}

func (m *MagicLinks) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(m.secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Generate mints a magic key for the authenticated user and returns the
// external form together with its expiry.
func (m *MagicLinks) Generate(ctx context.Context, userID, email string) (string, time.Time, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generate magic hash: %w", err)
	}
	hash := hex.EncodeToString(buf)

	raw, err := json.Marshal(magicRecord{Email: email, UUID: userID})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode magic record: %w", err)
	}
	expires := time.Now().Add(m.ttl)
	if err := m.rdb.Set(ctx, magicKey(hash), raw, m.ttl).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("store magic record: %w", err)
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := m.serverURL + "|" + hash + "|" + ts
	return payload + "|" + m.sign(payload), expires, nil
}

// Redeem validates the external form and consumes the link, returning the
// identity it carries. Redemption is one-shot.
func (m *MagicLinks) Redeem(ctx context.Context, key string) (userID, email string, err error) {
	// Split from the right: the server URL may contain pipes-adjacent
	// characters but never the other three fields.
	parts := strings.Split(key, "|")
	if len(parts) < 4 {
		return "", "", ErrMagicLinkInvalid
	}
	sig := parts[len(parts)-1]
	ts := parts[len(parts)-2]
	hash := parts[len(parts)-3]
	payload := strings.Join(parts[:len(parts)-1], "|")

	if !hmac.Equal([]byte(m.sign(payload)), []byte(sig)) {
		return "", "", ErrMagicLinkInvalid
	}
	if _, err := strconv.ParseInt(ts, 10, 64); err != nil {
		return "", "", ErrMagicLinkInvalid
	}

	// GETDEL makes redemption one-shot without a second round trip.
	raw, err := m.rdb.GetDel(ctx, magicKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrMagicLinkInvalid
	}
	if err != nil {
		return "", "", fmt.Errorf("load magic record: %w", err)
	}

	var rec magicRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", "", fmt.Errorf("decode magic record: %w", err)
	}
	return rec.UUID, rec.Email, nil
}
