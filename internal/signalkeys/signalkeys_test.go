package signalkeys

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

func setupDirectory(t *testing.T) (*Directory, *sql.DB) {
	t.Helper()
	db, err := sqlite.Connect(context.Background(), filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := sqlite.Migrate(db, zerolog.Nop()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	w := sqlite.NewWriter(db, 64, zerolog.Nop())
	t.Cleanup(w.Close)

	return NewDirectory(db, w, zerolog.Nop()), db
}

func seedDevice(t *testing.T, db *sql.DB, clientID, owner string, deviceID int) {
	t.Helper()
	now := time.Now().UnixMilli()
	if _, err := db.Exec(
		`INSERT INTO users (uuid, email, verified, created_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT(uuid) DO NOTHING`, owner, owner+"@x.org", now); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO clients (clientid, owner, device_id, public_key, registration_id, created_at, last_seen)
		 VALUES (?, ?, ?, 'identity-pub', 4242, ?, ?)`, clientID, owner, deviceID, now, now); err != nil {
		t.Fatalf("seed client: %v", err)
	}
}

func TestUploadPreKeysIgnoresDuplicates(t *testing.T) {
	t.Parallel()
	d, db := setupDirectory(t)
	ctx := context.Background()
	seedDevice(t, db, "c1", "u1", 1)

	keys := []PreKey{{ID: 1, Data: "k1"}, {ID: 2, Data: "k2"}}
	if err := d.UploadPreKeys(ctx, "c1", "u1", keys); err != nil {
		t.Fatalf("UploadPreKeys() error = %v", err)
	}
	// Retrying the same batch must not fail or duplicate.
	if err := d.UploadPreKeys(ctx, "c1", "u1", keys); err != nil {
		t.Fatalf("retry UploadPreKeys() error = %v", err)
	}

	n, err := d.PreKeyCount(ctx, "c1")
	if err != nil || n != 2 {
		t.Errorf("PreKeyCount() = (%d, %v), want 2", n, err)
	}
}

func TestFetchBundleConsumesExactlyOne(t *testing.T) {
	t.Parallel()
	d, db := setupDirectory(t)
	ctx := context.Background()
	seedDevice(t, db, "c1", "u1", 1)

	if err := d.RotateSignedPreKey(ctx, "c1", "u1", SignedPreKey{ID: 7, Data: "spk", Signature: "sig"}); err != nil {
		t.Fatalf("RotateSignedPreKey() error = %v", err)
	}
	if err := d.UploadPreKeys(ctx, "c1", "u1", []PreKey{{ID: 1, Data: "k1"}, {ID: 2, Data: "k2"}}); err != nil {
		t.Fatalf("UploadPreKeys() error = %v", err)
	}

	b1, err := d.FetchBundle(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("FetchBundle() error = %v", err)
	}
	if b1.IdentityKey != "identity-pub" || b1.RegistrationID != 4242 {
		t.Errorf("bundle identity = (%q, %d), want seeded values", b1.IdentityKey, b1.RegistrationID)
	}
	if b1.SignedPreKey.ID != 7 {
		t.Errorf("bundle signed prekey id = %d, want 7", b1.SignedPreKey.ID)
	}
	if b1.OneTimePreKey == nil || b1.OneTimePreKey.ID != 1 {
		t.Fatalf("bundle one-time prekey = %+v, want id 1", b1.OneTimePreKey)
	}

	b2, _ := d.FetchBundle(ctx, "u1", 1)
	if b2.OneTimePreKey == nil || b2.OneTimePreKey.ID != 2 {
		t.Fatalf("second bundle prekey = %+v, want id 2", b2.OneTimePreKey)
	}

	// Pool exhausted: bundle still served, without a one-time key.
	b3, err := d.FetchBundle(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("FetchBundle() exhausted error = %v", err)
	}
	if b3.OneTimePreKey != nil {
		t.Error("exhausted pool still returned a one-time prekey")
	}
}

func TestFetchBundleConcurrentNoDoubleServe(t *testing.T) {
	t.Parallel()
	d, db := setupDirectory(t)
	ctx := context.Background()
	seedDevice(t, db, "c1", "u1", 1)

	_ = d.RotateSignedPreKey(ctx, "c1", "u1", SignedPreKey{ID: 1, Data: "spk", Signature: "sig"})
	keys := make([]PreKey, 10)
	for i := range keys {
		keys[i] = PreKey{ID: i + 1, Data: "k"}
	}
	_ = d.UploadPreKeys(ctx, "c1", "u1", keys)

	var mu sync.Mutex
	served := map[int]int{}
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := d.FetchBundle(ctx, "u1", 1)
			if err != nil {
				return
			}
			if b.OneTimePreKey != nil {
				mu.Lock()
				served[b.OneTimePreKey.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for id, count := range served {
		if count > 1 {
			t.Errorf("prekey %d served %d times", id, count)
		}
	}
	if len(served) != 10 {
		t.Errorf("served %d distinct prekeys, want all 10", len(served))
	}
}

func TestFetchBundleErrors(t *testing.T) {
	t.Parallel()
	d, db := setupDirectory(t)
	ctx := context.Background()

	if _, err := d.FetchBundle(ctx, "nobody", 1); !errors.Is(err, ErrDeviceUnknown) {
		t.Errorf("FetchBundle() unknown device error = %v, want ErrDeviceUnknown", err)
	}

	seedDevice(t, db, "c1", "u1", 1)
	if _, err := d.FetchBundle(ctx, "u1", 1); !errors.Is(err, ErrNoSignedPreKey) {
		t.Errorf("FetchBundle() without signed prekey error = %v, want ErrNoSignedPreKey", err)
	}
}

func TestSenderKeyRoundTrip(t *testing.T) {
	t.Parallel()
	d, db := setupDirectory(t)
	ctx := context.Background()
	seedDevice(t, db, "c1", "u1", 1)

	if err := d.UploadSenderKey(ctx, "ch1", "c1", "u1", "sk-v1"); err != nil {
		t.Fatalf("UploadSenderKey() error = %v", err)
	}
	// Replacement overwrites in place.
	if err := d.UploadSenderKey(ctx, "ch1", "c1", "u1", "sk-v2"); err != nil {
		t.Fatalf("replace UploadSenderKey() error = %v", err)
	}

	got, err := d.SenderKey(ctx, "ch1", "c1")
	if err != nil || got != "sk-v2" {
		t.Errorf("SenderKey() = (%q, %v), want sk-v2", got, err)
	}

	all, err := d.SenderKeysForChannel(ctx, "ch1")
	if err != nil || len(all) != 1 || all["c1"] != "sk-v2" {
		t.Errorf("SenderKeysForChannel() = (%v, %v)", all, err)
	}

	if _, err := d.SenderKey(ctx, "ch2", "c1"); !errors.Is(err, ErrNoSenderKey) {
		t.Errorf("SenderKey() missing error = %v, want ErrNoSenderKey", err)
	}
}
