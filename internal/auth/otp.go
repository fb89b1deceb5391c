package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key patterns:
//
//	otp:{email}      → 5-digit code (STRING with TTL = OTP lifetime)
//	otp_wait:{email} → "1" (STRING with TTL = resend wait window)

func otpKey(email string) string      { return "otp:" + email }
func otpWaitKey(email string) string  { return "otp_wait:" + email }

// OTPStore issues and verifies the 5-digit registration codes. Only one code
// may be outstanding per email; re-requests inside the wait window are
// answered with the remaining wait instead of a fresh code.
type OTPStore struct {
	rdb        *redis.Client
	ttl        time.Duration
	resendWait time.Duration
}

// NewOTPStore creates an OTP store with the given code lifetime and resend
// wait window.
func NewOTPStore(rdb *redis.Client, ttl, resendWait time.Duration) *OTPStore {
	return &OTPStore{rdb: rdb, ttl: ttl, resendWait: resendWait}
}

// IssueResult reports whether a code was issued or the caller must wait.
type IssueResult struct {
	Code string // empty when waiting
	Wait time.Duration
}

// Issue generates and stores a new code for the email, unless one was issued
// inside the resend window, in which case the remaining wait is returned and
// the existing code stays valid.
func (s *OTPStore) Issue(ctx context.Context, email string) (*IssueResult, error) {
	// SET NX on the wait key decides atomically whether this request is
	// allowed to mint a code.
	ok, err := s.rdb.SetNX(ctx, otpWaitKey(email), "1", s.resendWait).Result()
	if err != nil {
		return nil, fmt.Errorf("otp wait gate: %w", err)
	}
	if !ok {
		wait, err := s.rdb.TTL(ctx, otpWaitKey(email)).Result()
		if err != nil {
			return nil, fmt.Errorf("otp wait ttl: %w", err)
		}
		return &IssueResult{Wait: wait}, nil
	}

	code, err := randomDigits(5)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, otpKey(email), code, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("store otp: %w", err)
	}
	return &IssueResult{Code: code, Wait: s.ttl}, nil
}

// Verify checks the submitted code and deletes it on success. A wrong code
// leaves the stored one intact so the user may retry until it expires.
func (s *OTPStore) Verify(ctx context.Context, email, code string) error {
	stored, err := s.rdb.Get(ctx, otpKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrOTPExpired
	}
	if err != nil {
		return fmt.Errorf("load otp: %w", err)
	}
	if stored != code {
		return ErrOTPMismatch
	}

	if err := s.rdb.Del(ctx, otpKey(email), otpWaitKey(email)).Err(); err != nil {
		return fmt.Errorf("consume otp: %w", err)
	}
	return nil
}

// randomDigits returns n cryptographically random decimal digits.
func randomDigits(n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("random digit: %w", err)
		}
		out[i] = byte('0' + d.Int64())
	}
	return string(out), nil
}
