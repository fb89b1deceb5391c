package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, rdb
}

func TestOTPIssueAndVerify(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	store := NewOTPStore(rdb, 5*time.Minute, 5*time.Minute)

	issued, err := store.Issue(ctx, "a@x.org")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(issued.Code) != 5 {
		t.Fatalf("Issue() code = %q, want 5 digits", issued.Code)
	}

	if err := store.Verify(ctx, "a@x.org", issued.Code); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	// The code is consumed.
	if err := store.Verify(ctx, "a@x.org", issued.Code); !errors.Is(err, ErrOTPExpired) {
		t.Errorf("second Verify() error = %v, want ErrOTPExpired", err)
	}
}

func TestOTPResendWaitWindow(t *testing.T) {
	t.Parallel()
	mr, rdb := setupMiniredis(t)
	ctx := context.Background()
	store := NewOTPStore(rdb, 5*time.Minute, 5*time.Minute)

	first, err := store.Issue(ctx, "a@x.org")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// An immediate re-request returns the remaining wait, not a new code.
	second, err := store.Issue(ctx, "a@x.org")
	if err != nil {
		t.Fatalf("second Issue() error = %v", err)
	}
	if second.Code != "" {
		t.Error("second Issue() minted a new code inside the wait window")
	}
	if second.Wait <= 0 || second.Wait > 5*time.Minute {
		t.Errorf("second Issue() wait = %v, want remaining window", second.Wait)
	}

	// The original code stays valid meanwhile.
	if err := store.Verify(ctx, "a@x.org", first.Code); err != nil {
		t.Errorf("Verify() of original code error = %v", err)
	}

	// After the window passes a new code is issued.
	mr.FastForward(5*time.Minute + time.Second)
	third, err := store.Issue(ctx, "a@x.org")
	if err != nil {
		t.Fatalf("third Issue() error = %v", err)
	}
	if third.Code == "" {
		t.Error("Issue() after the wait window should mint a code")
	}
}

func TestOTPWrongCodeKeepsOriginal(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	store := NewOTPStore(rdb, 5*time.Minute, 5*time.Minute)

	issued, _ := store.Issue(ctx, "a@x.org")

	if err := store.Verify(ctx, "a@x.org", "00000"); !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("Verify() wrong code error = %v, want ErrOTPMismatch", err)
	}
	if err := store.Verify(ctx, "a@x.org", issued.Code); err != nil {
		t.Errorf("Verify() after mismatch error = %v, want original code still valid", err)
	}
}
