package identity

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

func setupRepo(t *testing.T) (*Repository, *sql.DB) {
	t.Helper()
	db, err := sqlite.Connect(context.Background(), filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := sqlite.Migrate(db, zerolog.Nop()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	w := sqlite.NewWriter(db, 32, zerolog.Nop())
	t.Cleanup(w.Close)

	return NewRepository(db, w, zerolog.Nop()), db
}

func TestValidateEmail(t *testing.T) {
	t.Parallel()

	valid := []string{"a@x.org", "fives@x.org", "user@domain.com.", "user@münchen.de", "A@X.ORG"}
	for _, e := range valid {
		if _, err := ValidateEmail(e); err != nil {
			t.Errorf("ValidateEmail(%q) error = %v, want nil", e, err)
		}
	}

	invalid := []string{"", "plain", "a@b", "two words@x.org", "@x.org"}
	for _, e := range invalid {
		if _, err := ValidateEmail(e); err == nil {
			t.Errorf("ValidateEmail(%q) should fail", e)
		}
	}

	got, _ := ValidateEmail("  User@X.Org ")
	if got != "user@x.org" {
		t.Errorf("ValidateEmail normalization = %q, want user@x.org", got)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	t.Parallel()
	repo, _ := setupRepo(t)
	ctx := context.Background()

	u1, err := repo.CreateUser(ctx, "a@x.org")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	// Unverified duplicate returns the same row so registration can restart.
	u2, err := repo.CreateUser(ctx, "a@x.org")
	if err != nil {
		t.Fatalf("CreateUser() duplicate error = %v", err)
	}
	if u2.UUID != u1.UUID {
		t.Errorf("duplicate CreateUser returned new UUID %s, want %s", u2.UUID, u1.UUID)
	}

	// Verified duplicate is a conflict.
	if err := repo.SetVerified(ctx, u1.UUID); err != nil {
		t.Fatalf("SetVerified() error = %v", err)
	}
	if _, err := repo.CreateUser(ctx, "a@x.org"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("CreateUser() on verified email error = %v, want ErrAlreadyExists", err)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	t.Parallel()
	repo, _ := setupRepo(t)
	ctx := context.Background()

	u, err := repo.CreateUser(ctx, "cred@x.org")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	c1 := Credential{ID: "cred-one", PublicKey: []byte{1, 2}, Transports: []string{"internal", "hybrid"}, CreatedAt: time.Now()}
	c2 := Credential{ID: "cred-two", PublicKey: []byte{3, 4}, CreatedAt: time.Now()}

	if err := repo.AddCredential(ctx, u.UUID, c1); err != nil {
		t.Fatalf("AddCredential() error = %v", err)
	}
	if err := repo.AddCredential(ctx, u.UUID, c1); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("AddCredential() duplicate error = %v, want ErrAlreadyExists", err)
	}

	// The last credential cannot be deleted.
	if err := repo.DeleteCredential(ctx, u.UUID, "cred-one"); !errors.Is(err, ErrLastCredential) {
		t.Errorf("DeleteCredential() last error = %v, want ErrLastCredential", err)
	}

	if err := repo.AddCredential(ctx, u.UUID, c2); err != nil {
		t.Fatalf("AddCredential() error = %v", err)
	}
	if err := repo.DeleteCredential(ctx, u.UUID, "cred-one"); err != nil {
		t.Fatalf("DeleteCredential() error = %v", err)
	}

	got, err := repo.GetUser(ctx, u.UUID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if len(got.Credentials) != 1 || got.Credentials[0].ID != "cred-two" {
		t.Errorf("Credentials = %+v, want only cred-two", got.Credentials)
	}
}

func TestFindOrCreateClientAssignsDeviceIDs(t *testing.T) {
	t.Parallel()
	repo, _ := setupRepo(t)
	ctx := context.Background()

	u, _ := repo.CreateUser(ctx, "dev@x.org")

	c1, err := repo.FindOrCreateClient(ctx, uuid.NewString(), u.UUID, DeviceInfo{Browser: "Firefox"})
	if err != nil {
		t.Fatalf("FindOrCreateClient() error = %v", err)
	}
	c2, err := repo.FindOrCreateClient(ctx, uuid.NewString(), u.UUID, DeviceInfo{})
	if err != nil {
		t.Fatalf("FindOrCreateClient() error = %v", err)
	}
	if c1.DeviceID != 1 || c2.DeviceID != 2 {
		t.Errorf("device ids = %d, %d, want 1, 2", c1.DeviceID, c2.DeviceID)
	}

	// Same owner, same clientid: no new device.
	again, err := repo.FindOrCreateClient(ctx, c1.ClientID, u.UUID, DeviceInfo{Browser: "Chrome"})
	if err != nil {
		t.Fatalf("FindOrCreateClient() repeat error = %v", err)
	}
	if again.DeviceID != 1 {
		t.Errorf("repeat DeviceID = %d, want 1", again.DeviceID)
	}
	if again.Browser != "Chrome" {
		t.Errorf("repeat Browser = %q, want updated metadata", again.Browser)
	}
}

func TestOwnershipTransferPurgesState(t *testing.T) {
	t.Parallel()
	repo, db := setupRepo(t)
	ctx := context.Background()

	u1, _ := repo.CreateUser(ctx, "u1@x.org")
	u2, _ := repo.CreateUser(ctx, "u2@x.org")

	const clientID = "11111111-1111-4111-8111-111111111111"
	c, err := repo.FindOrCreateClient(ctx, clientID, u1.UUID, DeviceInfo{})
	if err != nil {
		t.Fatalf("FindOrCreateClient() error = %v", err)
	}

	now := time.Now().UnixMilli()
	seed := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO items (uuid, item_id, sender, device_sender, receiver, device_receiver, type, payload, cipher_type, created_at)
		  VALUES (?, 'E', ?, ?, ?, 1, 'msg', 'blob', 3, ?)`,
			[]any{uuid.NewString(), u1.UUID, c.DeviceID, u2.UUID, now}},
		{`INSERT INTO group_items_read (item_id, user_id, device_id, read_at) VALUES ('G', ?, ?, ?)`,
			[]any{u1.UUID, c.DeviceID, now}},
		{`INSERT INTO signal_prekeys (client, owner, prekey_id, prekey_data) VALUES (?, ?, 1, 'pk')`,
			[]any{clientID, u1.UUID}},
		{`INSERT INTO signal_signed_prekeys (client, owner, signed_prekey_id, signed_prekey_data, signed_prekey_signature)
		  VALUES (?, ?, 1, 'spk', 'sig')`, []any{clientID, u1.UUID}},
		{`INSERT INTO signal_sender_keys (channel, client, owner, sender_key) VALUES ('ch', ?, ?, 'sk')`,
			[]any{clientID, u1.UUID}},
		{`INSERT INTO client_sessions (client_id, session_secret, user_id, device_id, expires_at, last_used)
		  VALUES (?, 'secret', ?, ?, ?, ?)`, []any{clientID, u1.UUID, c.DeviceID, now + 10000, now}},
	}
	for _, s := range seed {
		if _, err := db.Exec(s.query, s.args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	// U2 presents the same clientid: everything tied to (U1, device) must go.
	transferred, err := repo.FindOrCreateClient(ctx, clientID, u2.UUID, DeviceInfo{})
	if err != nil {
		t.Fatalf("FindOrCreateClient() transfer error = %v", err)
	}
	if transferred.Owner != u2.UUID {
		t.Errorf("Owner = %s, want %s", transferred.Owner, u2.UUID)
	}
	if transferred.DeviceID != 1 {
		t.Errorf("DeviceID = %d, want fresh per-owner number 1", transferred.DeviceID)
	}

	counts := map[string]string{
		"items":                 `SELECT COUNT(*) FROM items WHERE sender = ? OR receiver = ?`,
		"group_items_read":      `SELECT COUNT(*) FROM group_items_read WHERE user_id = ?`,
		"signal_prekeys":        `SELECT COUNT(*) FROM signal_prekeys WHERE owner = ?`,
		"signal_signed_prekeys": `SELECT COUNT(*) FROM signal_signed_prekeys WHERE owner = ?`,
		"signal_sender_keys":    `SELECT COUNT(*) FROM signal_sender_keys WHERE owner = ?`,
		"client_sessions":       `SELECT COUNT(*) FROM client_sessions WHERE user_id = ?`,
	}
	for table, q := range counts {
		var n int
		args := []any{u1.UUID}
		if table == "items" {
			args = []any{u1.UUID, u1.UUID}
		}
		if err := db.QueryRow(q, args...).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s: %d rows referencing previous owner remain after transfer", table, n)
		}
	}
}

func TestBackupCodeMarking(t *testing.T) {
	t.Parallel()
	repo, _ := setupRepo(t)
	ctx := context.Background()

	u, _ := repo.CreateUser(ctx, "codes@x.org")
	codes := []BackupCode{{Hash: "h0"}, {Hash: "h1"}, {Hash: "h2"}}
	if err := repo.SetBackupCodes(ctx, u.UUID, codes); err != nil {
		t.Fatalf("SetBackupCodes() error = %v", err)
	}
	if err := repo.MarkBackupCodeUsed(ctx, u.UUID, 1); err != nil {
		t.Fatalf("MarkBackupCodeUsed() error = %v", err)
	}

	got, _ := repo.GetUser(ctx, u.UUID)
	if got.BackupCodes[0].Used || !got.BackupCodes[1].Used || got.BackupCodes[2].Used {
		t.Errorf("BackupCodes used bits = %+v, want only index 1 used", got.BackupCodes)
	}
}
