package auth

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

func setupSQLite(t *testing.T) (*sql.DB, *sqlite.Writer) {
	t.Helper()
	db, err := sqlite.Connect(context.Background(), filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := sqlite.Migrate(db, zerolog.Nop()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	w := sqlite.NewWriter(db, 32, zerolog.Nop())
	t.Cleanup(w.Close)
	return db, w
}

func seedUser(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO users (uuid, email, verified, created_at) VALUES (?, ?, 1, ?)`,
		id, id+"@x.org", time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestRefreshRotate(t *testing.T) {
	t.Parallel()
	db, w := setupSQLite(t)
	ctx := context.Background()
	seedUser(t, db, "u1")
	store := NewRefreshStore(db, w, time.Hour)

	r1, err := store.Create(ctx, "c1", "u1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r2, old, err := store.Rotate(ctx, "c1", r1)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if old.UserID != "u1" {
		t.Errorf("Rotate() user = %q, want u1", old.UserID)
	}
	if r2 == r1 || r2 == "" {
		t.Error("Rotate() did not mint a distinct successor")
	}

	// Using R1 again is a theft signal: 401-class error and R1 is destroyed.
	if _, _, err := store.Rotate(ctx, "c1", r1); !errors.Is(err, ErrRefreshTokenReused) {
		t.Fatalf("Rotate() reuse error = %v, want ErrRefreshTokenReused", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM refresh_tokens WHERE token = ?`, r1).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("reused token was not deleted")
	}

	// The successor chain keeps working and carries the rotation count.
	r3, old2, err := store.Rotate(ctx, "c1", r2)
	if err != nil {
		t.Fatalf("Rotate(r2) error = %v", err)
	}
	if r3 == "" || old2.RotationCount != 1 {
		t.Errorf("Rotate(r2) = (%q, count %d), want successor with count 1", r3, old2.RotationCount)
	}
}

func TestRefreshRotateWrongClient(t *testing.T) {
	t.Parallel()
	db, w := setupSQLite(t)
	ctx := context.Background()
	seedUser(t, db, "u1")
	store := NewRefreshStore(db, w, time.Hour)

	r1, _ := store.Create(ctx, "c1", "u1")
	if _, _, err := store.Rotate(ctx, "c2", r1); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Rotate() wrong client error = %v, want ErrTokenInvalid", err)
	}
}

func TestRefreshExpired(t *testing.T) {
	t.Parallel()
	db, w := setupSQLite(t)
	ctx := context.Background()
	seedUser(t, db, "u1")
	store := NewRefreshStore(db, w, -time.Second) // already expired on creation

	r1, _ := store.Create(ctx, "c1", "u1")
	if _, _, err := store.Rotate(ctx, "c1", r1); !errors.Is(err, ErrRefreshTokenExpired) {
		t.Errorf("Rotate() expired error = %v, want ErrRefreshTokenExpired", err)
	}
}

func TestRefreshPurgeUsed(t *testing.T) {
	t.Parallel()
	db, w := setupSQLite(t)
	ctx := context.Background()
	seedUser(t, db, "u1")
	store := NewRefreshStore(db, w, time.Hour)

	r1, _ := store.Create(ctx, "c1", "u1")
	if _, _, err := store.Rotate(ctx, "c1", r1); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	deleted, err := store.PurgeUsed(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeUsed() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("PurgeUsed() = %d, want 1 used token purged", deleted)
	}
}

func TestSessionStoreLifecycle(t *testing.T) {
	t.Parallel()
	db, w := setupSQLite(t)
	ctx := context.Background()
	seedUser(t, db, "u1")
	store := NewSessionStore(db, w, time.Hour)

	sess, err := store.Create(ctx, "c1", "u1", 1, "Firefox on Linux")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.SessionSecret == "" {
		t.Fatal("Create() returned empty secret")
	}

	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SessionSecret != sess.SessionSecret || got.UserID != "u1" || got.DeviceID != 1 {
		t.Errorf("Get() = %+v, want created session", got)
	}

	// Rotation replaces the secret in place.
	rotated, err := store.Create(ctx, "c1", "u1", 1, "Firefox on Linux")
	if err != nil {
		t.Fatalf("rotate Create() error = %v", err)
	}
	if rotated.SessionSecret == sess.SessionSecret {
		t.Error("rotation kept the old secret")
	}

	if _, err := store.Extend(ctx, "c1"); err != nil {
		t.Errorf("Extend() error = %v", err)
	}

	if err := store.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "c1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionStoreExpired(t *testing.T) {
	t.Parallel()
	db, w := setupSQLite(t)
	ctx := context.Background()
	seedUser(t, db, "u1")
	store := NewSessionStore(db, w, -time.Second)

	if _, err := store.Create(ctx, "c1", "u1", 1, ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.Get(ctx, "c1"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Get() expired error = %v, want ErrSessionExpired", err)
	}
}
