package auth

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/peerlink-chat/peerlink-server/internal/identity"
)

func TestGenerateBackupCodes(t *testing.T) {
	t.Parallel()

	plain, hashed, err := GenerateBackupCodes()
	if err != nil {
		t.Fatalf("GenerateBackupCodes() error = %v", err)
	}
	if len(plain) != BackupCodeCount || len(hashed) != BackupCodeCount {
		t.Fatalf("got %d/%d codes, want %d", len(plain), len(hashed), BackupCodeCount)
	}

	seen := map[string]bool{}
	for _, code := range plain {
		if len(code) != 16 {
			t.Errorf("code %q length = %d, want 16", code, len(code))
		}
		for _, r := range code {
			if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
				t.Errorf("code %q contains %q outside the uppercase-alphanumeric alphabet", code, r)
			}
		}
		if seen[code] {
			t.Errorf("duplicate code %q", code)
		}
		seen[code] = true
	}
}

func TestVerifyBackupCode(t *testing.T) {
	t.Parallel()

	plain, hashed, err := GenerateBackupCodes()
	if err != nil {
		t.Fatalf("GenerateBackupCodes() error = %v", err)
	}

	idx, err := VerifyBackupCode(hashed, plain[3])
	if err != nil {
		t.Fatalf("VerifyBackupCode() error = %v", err)
	}
	if idx != 3 {
		t.Errorf("VerifyBackupCode() index = %d, want 3", idx)
	}

	// A used code no longer matches.
	hashed[3].Used = true
	if _, err := VerifyBackupCode(hashed, plain[3]); !errors.Is(err, ErrBackupCodeMismatch) {
		t.Errorf("VerifyBackupCode() used code error = %v, want ErrBackupCodeMismatch", err)
	}

	if _, err := VerifyBackupCode(hashed, "AAAAAAAAAAAAAAAA"); !errors.Is(err, ErrBackupCodeMismatch) {
		t.Errorf("VerifyBackupCode() wrong code error = %v, want ErrBackupCodeMismatch", err)
	}
}

func TestCanRegenerateBackupCodes(t *testing.T) {
	t.Parallel()

	codes := make([]identity.BackupCode, BackupCodeCount)
	for i := 0; i < 7; i++ {
		codes[i].Used = true
	}
	if CanRegenerateBackupCodes(codes) {
		t.Error("regeneration allowed with only 7 of 10 used")
	}
	codes[7].Used = true
	if !CanRegenerateBackupCodes(codes) {
		t.Error("regeneration refused with 8 of 10 used")
	}
}

func TestFailureWaitGrowth(t *testing.T) {
	t.Parallel()

	if got := failureWait(1); got != 60*time.Second {
		t.Errorf("failureWait(1) = %v, want 60s", got)
	}

	// The 10th failure waits about 60·1.8^9 seconds.
	want := time.Duration(60*math.Pow(1.8, 9)) * time.Second
	if got := failureWait(10); got != want {
		t.Errorf("failureWait(10) = %v, want %v", got, want)
	}
}

func TestBackupThrottle(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	th := NewBackupThrottle(rdb)

	wait, err := th.Check(ctx, "u1")
	if err != nil || wait != 0 {
		t.Fatalf("Check() fresh = (%v, %v), want no wait", wait, err)
	}

	if err := th.RecordFailure(ctx, "u1"); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	wait, err = th.Check(ctx, "u1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if wait <= 0 || wait > 60*time.Second {
		t.Errorf("Check() after one failure = %v, want up to 60s", wait)
	}

	if err := th.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	wait, _ = th.Check(ctx, "u1")
	if wait != 0 {
		t.Errorf("Check() after Reset = %v, want 0", wait)
	}
}
