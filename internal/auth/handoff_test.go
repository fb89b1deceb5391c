package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHandoffIssueAndRedeem(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	h := NewHandoffIssuer(rdb, "server-secret", time.Minute)

	token, err := h.Issue("user-1", "a@x.org", "cred-1", "state-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := h.Redeem(ctx, token)
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "a@x.org" || claims.CredentialID != "cred-1" {
		t.Errorf("Redeem() claims = %+v, want issued identity", claims)
	}

	// The jti is one-shot.
	if _, err := h.Redeem(ctx, token); !errors.Is(err, ErrTokenRedeemed) {
		t.Errorf("second Redeem() error = %v, want ErrTokenRedeemed", err)
	}
}

func TestHandoffRejectsTampering(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	h := NewHandoffIssuer(rdb, "server-secret", time.Minute)

	other := NewHandoffIssuer(rdb, "different-secret", time.Minute)
	token, _ := other.Issue("user-1", "a@x.org", "", "")

	if _, err := h.Redeem(ctx, token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Redeem() foreign-signed token error = %v, want ErrTokenInvalid", err)
	}
	if _, err := h.Redeem(ctx, "not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Redeem() garbage error = %v, want ErrTokenInvalid", err)
	}
}

func TestHandoffRevoke(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	h := NewHandoffIssuer(rdb, "server-secret", time.Minute)

	token, _ := h.Issue("user-1", "a@x.org", "", "")
	if err := h.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := h.Redeem(ctx, token); !errors.Is(err, ErrTokenRedeemed) {
		t.Errorf("Redeem() after Revoke error = %v, want ErrTokenRedeemed", err)
	}
}
