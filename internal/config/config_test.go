package config

import (
	"strings"
	"testing"
	"time"
)

// validSecret is 64 hex characters (32 bytes).
const validSecret = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SERVER_SECRET", validSecret)
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.SessionTTL != 90*24*time.Hour {
		t.Errorf("SessionTTL = %v, want 90 days", cfg.SessionTTL)
	}
	if cfg.OTPTTL != 5*time.Minute {
		t.Errorf("OTPTTL = %v, want 5m", cfg.OTPTTL)
	}
	if cfg.Domain != "chat.example.com" {
		t.Errorf("Domain = %q, want derived from ServerURL", cfg.Domain)
	}
	if !cfg.BlockDropSilently {
		t.Error("BlockDropSilently should default to true")
	}
}

func TestLoadMissingSecret(t *testing.T) {
	t.Setenv("SERVER_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail without SERVER_SECRET")
	}
	if !strings.Contains(err.Error(), "SERVER_SECRET") {
		t.Errorf("error = %v, want mention of SERVER_SECRET", err)
	}
}

func TestLoadShortSecret(t *testing.T) {
	t.Setenv("SERVER_SECRET", "abcd")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should reject a short SERVER_SECRET")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	setRequired(t)
	t.Setenv("OTP_TTL", "five minutes")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should reject an unparseable duration")
	}
}

func TestLoadNonceTTLBelowSkew(t *testing.T) {
	setRequired(t)
	t.Setenv("HMAC_MAX_SKEW", "10m")
	t.Setenv("NONCE_TTL", "10m")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should require NONCE_TTL >= 2*HMAC_MAX_SKEW")
	}
}

func TestLoadAdminEmails(t *testing.T) {
	setRequired(t)
	t.Setenv("ADMIN_EMAILS", "root@x.org, ops@x.org")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.AdminEmails) != 2 {
		t.Fatalf("AdminEmails = %v, want 2 entries", cfg.AdminEmails)
	}
	if !cfg.IsAdminEmail("ROOT@x.org") {
		t.Error("IsAdminEmail should be case-insensitive")
	}
	if cfg.IsAdminEmail("other@x.org") {
		t.Error("IsAdminEmail matched a non-admin address")
	}
}

func TestLoadDevelopmentOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Domain != "localhost" {
		t.Errorf("Domain = %q, want localhost in development", cfg.Domain)
	}
	if cfg.ServerURL != "http://localhost:8080" {
		t.Errorf("ServerURL = %q, want local URL in development", cfg.ServerURL)
	}
}
