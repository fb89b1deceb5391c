package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMagicLinkRoundTrip(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	m := NewMagicLinks(rdb, "secret", "https://chat.example.com", 5*time.Minute)

	key, expires, err := m.Generate(ctx, "user-1", "a@x.org")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if time.Until(expires) > 5*time.Minute {
		t.Errorf("expiry = %v, want within 5m", expires)
	}
	if parts := strings.Split(key, "|"); len(parts) != 4 {
		t.Fatalf("key = %q, want serverUrl|hash|ts|hmac", key)
	}

	userID, email, err := m.Redeem(ctx, key)
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if userID != "user-1" || email != "a@x.org" {
		t.Errorf("Redeem() = (%q, %q), want issued identity", userID, email)
	}

	// Redemption is one-shot.
	if _, _, err := m.Redeem(ctx, key); !errors.Is(err, ErrMagicLinkInvalid) {
		t.Errorf("second Redeem() error = %v, want ErrMagicLinkInvalid", err)
	}
}

func TestMagicLinkIPv6ServerURL(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()

	// The pipe delimiter exists so colon-bearing server URLs survive.
	m := NewMagicLinks(rdb, "secret", "https://[2001:db8::1]:8443", 5*time.Minute)
	key, _, err := m.Generate(ctx, "user-1", "a@x.org")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, _, err := m.Redeem(ctx, key); err != nil {
		t.Errorf("Redeem() with IPv6 server URL error = %v", err)
	}
}

func TestMagicLinkRejectsTampering(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	m := NewMagicLinks(rdb, "secret", "https://chat.example.com", 5*time.Minute)

	key, _, _ := m.Generate(ctx, "user-1", "a@x.org")

	parts := strings.Split(key, "|")
	parts[1] = strings.Repeat("0", len(parts[1])) // swap the hash
	if _, _, err := m.Redeem(ctx, strings.Join(parts, "|")); !errors.Is(err, ErrMagicLinkInvalid) {
		t.Errorf("Redeem() tampered hash error = %v, want ErrMagicLinkInvalid", err)
	}

	if _, _, err := m.Redeem(ctx, "garbage"); !errors.Is(err, ErrMagicLinkInvalid) {
		t.Errorf("Redeem() garbage error = %v, want ErrMagicLinkInvalid", err)
	}
}

func TestMagicLinkExpiry(t *testing.T) {
	t.Parallel()
	mr, rdb := setupMiniredis(t)
	ctx := context.Background()
	m := NewMagicLinks(rdb, "secret", "https://chat.example.com", 5*time.Minute)

	key, _, _ := m.Generate(ctx, "user-1", "a@x.org")

	mr.FastForward(5*time.Minute + time.Millisecond)
	if _, _, err := m.Redeem(ctx, key); !errors.Is(err, ErrMagicLinkInvalid) {
		t.Errorf("Redeem() after expiry error = %v, want ErrMagicLinkInvalid", err)
	}
}
