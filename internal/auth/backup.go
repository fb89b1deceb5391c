package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/peerlink-chat/peerlink-server/internal/identity"
)

const (
	// BackupCodeCount is the number of codes issued per set.
	BackupCodeCount = 10

	// backupCodeLength is the length of each code.
	backupCodeLength = 16

	// regenerateThreshold is the minimum number of consumed codes before a
	// new set may be issued.
	regenerateThreshold = BackupCodeCount - 2

	backupCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

func backupFailKey(userID string) string { return "backup_fail:" + userID }

// GenerateBackupCodes creates a fresh set of plaintext codes together with
// their bcrypt-hashed storage form. The plaintext is shown to the user once
// and never persisted.
func GenerateBackupCodes() ([]string, []identity.BackupCode, error) {
	plain := make([]string, BackupCodeCount)
	hashed := make([]identity.BackupCode, BackupCodeCount)

	for i := range plain {
		code := make([]byte, backupCodeLength)
		for j := range code {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeAlphabet))))
			if err != nil {
				return nil, nil, fmt.Errorf("random backup code: %w", err)
			}
			code[j] = backupCodeAlphabet[n.Int64()]
		}
		plain[i] = string(code)

		h, err := bcrypt.GenerateFromPassword(code, bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, fmt.Errorf("hash backup code: %w", err)
		}
		hashed[i] = identity.BackupCode{Hash: string(h)}
	}

	return plain, hashed, nil
}

// UsedBackupCodes counts the consumed codes in a set.
func UsedBackupCodes(codes []identity.BackupCode) int {
	n := 0
	for _, c := range codes {
		if c.Used {
			n++
		}
	}
	return n
}

// CanRegenerateBackupCodes reports whether enough codes are consumed that a
// fresh set may be issued.
func CanRegenerateBackupCodes(codes []identity.BackupCode) bool {
	return UsedBackupCodes(codes) >= regenerateThreshold
}

// VerifyBackupCode checks the submitted code against every unused hash and
// returns the index of the matching code. The scan always covers the full
// set; bcrypt's comparison is constant-time per hash, so timing does not
// reveal which position matched.
func VerifyBackupCode(codes []identity.BackupCode, submitted string) (int, error) {
	match := -1
	for i, c := range codes {
		if c.Used {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(c.Hash), []byte(submitted)) == nil && match == -1 {
			match = i
		}
	}
	if match == -1 {
		return 0, ErrBackupCodeMismatch
	}
	return match, nil
}

// BackupThrottle applies the exponential wait after failed backup-code
// attempts: 60·1.8^(n−1) seconds after the n-th failure, reset on success.
type BackupThrottle struct {
	rdb *redis.Client
}

// NewBackupThrottle creates the throttle backed by redis.
func NewBackupThrottle(rdb *redis.Client) *BackupThrottle {
	return &BackupThrottle{rdb: rdb}
}

// failureWait returns the wait imposed after n failures.
func failureWait(n int) time.Duration {
	if n < 1 {
		return 0
	}
	return time.Duration(60*math.Pow(1.8, float64(n-1))) * time.Second
}

// Check returns the remaining wait before another attempt is allowed, or zero
// when an attempt may proceed.
func (t *BackupThrottle) Check(ctx context.Context, userID string) (time.Duration, error) {
	key := backupFailKey(userID)

	vals, err := t.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("load backup throttle: %w", err)
	}
	if len(vals) == 0 {
		return 0, nil
	}

	n, _ := strconv.Atoi(vals["count"])
	lastMS, _ := strconv.ParseInt(vals["last"], 10, 64)
	readyAt := time.UnixMilli(lastMS).Add(failureWait(n))
	if wait := time.Until(readyAt); wait > 0 {
		return wait, nil
	}
	return 0, nil
}

// RecordFailure increments the failure counter and stamps the attempt time.
func (t *BackupThrottle) RecordFailure(ctx context.Context, userID string) error {
	key := backupFailKey(userID)
	pipe := t.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "count", 1)
	pipe.HSet(ctx, key, "last", time.Now().UnixMilli())
	// Keep failure state long enough to cover the deepest realistic backoff.
	pipe.Expire(ctx, key, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record backup failure: %w", err)
	}
	return nil
}

// Reset clears the failure counter after a successful verification.
func (t *BackupThrottle) Reset(ctx context.Context, userID string) error {
	if err := t.rdb.Del(ctx, backupFailKey(userID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("reset backup throttle: %w", err)
	}
	return nil
}
