package auth

import "errors"

// Sentinel errors for the auth package.
var (
	// ErrRefreshTokenReused is returned when a consumed refresh token is
	// presented again, indicating potential token theft. The token is
	// destroyed as a side effect.
	ErrRefreshTokenReused = errors.New("refresh token reused")

	ErrOTPMismatch         = errors.New("otp does not match")
	ErrOTPExpired          = errors.New("otp expired or never issued")
	ErrBackupCodeMismatch  = errors.New("backup code does not match")
	ErrBackupCodeThrottled = errors.New("backup code verification throttled")
	ErrRegenerateTooEarly  = errors.New("backup codes can only be regenerated when nearly exhausted")
	ErrSessionNotFound     = errors.New("client session not found")
	ErrSessionExpired      = errors.New("client session expired")
	ErrBadSignature        = errors.New("request signature mismatch")
	ErrStaleTimestamp      = errors.New("request timestamp outside accepted window")
	ErrNonceReused         = errors.New("nonce already seen")
	ErrNonceTooLong        = errors.New("nonce exceeds maximum length")
	ErrTokenInvalid        = errors.New("invalid or expired token")
	ErrTokenRedeemed       = errors.New("token already redeemed")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrMagicLinkInvalid    = errors.New("magic link invalid or expired")
	ErrRegistrationClosed  = errors.New("registration is closed for this email")
	ErrInvitationRequired  = errors.New("a valid invitation is required")
	ErrWrongStep           = errors.New("request does not match the current registration step")
)
