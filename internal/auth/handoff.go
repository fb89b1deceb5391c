package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func handoffKey(jti string) string { return "handoff_jti:" + jti }

// HandoffClaims carry an authenticated identity from an embedded browser flow
// into a native app, where the token is exchanged for an HMAC session.
type HandoffClaims struct {
	Email        string `json:"email"`
	CredentialID string `json:"credentialId,omitempty"`
	State        string `json:"state,omitempty"`
	jwt.RegisteredClaims
}

// HandoffIssuer mints and redeems the short-lived signed hand-off tokens.
// Each token's jti is one-shot: redemption blacklists it until exp.
type HandoffIssuer struct {
	rdb    *redis.Client
	secret string
	ttl    time.Duration
}

// NewHandoffIssuer creates the issuer. secret is the server secret; ttl is
// the token lifetime (around a minute).
func NewHandoffIssuer(rdb *redis.Client, secret string, ttl time.Duration) *HandoffIssuer {
	return &HandoffIssuer{rdb: rdb, secret: secret, ttl: ttl}
}

// Issue signs a hand-off token for the user.
func (h *HandoffIssuer) Issue(userID, email, credentialID, state string) (string, error) {
	now := time.Now()
	claims := HandoffClaims{
		Email:        email,
		CredentialID: credentialID,
		State:        state,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.secret))
	if err != nil {
		return "", fmt.Errorf("sign handoff token: %w", err)
	}
	return signed, nil
}

// parse validates the signature and expiry and returns the claims.
func (h *HandoffIssuer) parse(tokenStr string) (*HandoffClaims, error) {
	claims := &HandoffClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(h.secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Redeem validates the token and consumes its jti. The second redemption of
// the same token fails with ErrTokenRedeemed.
func (h *HandoffIssuer) Redeem(ctx context.Context, tokenStr string) (*HandoffClaims, error) {
	claims, err := h.parse(tokenStr)
	if err != nil {
		return nil, err
	}

	// Blacklist the jti until the token would have expired anyway.
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil, ErrTokenInvalid
	}
	ok, err := h.rdb.SetNX(ctx, handoffKey(claims.ID), "1", ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("jti blacklist: %w", err)
	}
	if !ok {
		return nil, ErrTokenRedeemed
	}
	return claims, nil
}

// Revoke blacklists a still-valid token's jti without redeeming it.
func (h *HandoffIssuer) Revoke(ctx context.Context, tokenStr string) error {
	claims, err := h.parse(tokenStr)
	if err != nil {
		return err
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	if err := h.rdb.Set(ctx, handoffKey(claims.ID), "1", ttl).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("revoke jti: %w", err)
	}
	return nil
}
