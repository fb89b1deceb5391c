package envelope

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

type staticBlocks map[string]string // blocker -> blocked

func (b staticBlocks) IsBlocked(_ context.Context, blocker, blocked string) (bool, error) {
	return b[blocker] == blocked, nil
}

func setupStore(t *testing.T, blocks BlockChecker, dropSilently bool) (*Store, *sql.DB) {
	t.Helper()
	db, err := sqlite.Connect(context.Background(), filepath.Join(t.TempDir(), "env.db"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := sqlite.Migrate(db, zerolog.Nop()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	w := sqlite.NewWriter(db, 32, zerolog.Nop())
	t.Cleanup(w.Close)

	return NewStore(db, w, blocks, dropSilently, zerolog.Nop()), db
}

func TestSendDeduplicatesItemID(t *testing.T) {
	t.Parallel()
	s, db := setupStore(t, nil, true)
	ctx := context.Background()

	p := SendParams{
		Sender: "u1", DeviceSender: 1, Receiver: "u2", DeviceReceiver: 1,
		ItemID: "X", Type: "msg", Payload: "cipher", CipherType: 3,
	}
	for range 2 {
		if _, err := s.Send(ctx, p); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	var n int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM items WHERE item_id = 'X' AND receiver = 'u2' AND device_receiver = 1`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("duplicate itemId produced %d rows, want exactly 1", n)
	}

	// The same itemId to a different device is a distinct envelope.
	p.DeviceReceiver = 2
	if _, err := s.Send(ctx, p); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM items WHERE item_id = 'X'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("itemId across devices = %d rows, want 2", n)
	}
}

func TestFetchMarksDeliveredOnce(t *testing.T) {
	t.Parallel()
	s, _ := setupStore(t, nil, true)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		_, err := s.Send(ctx, SendParams{
			Sender: "u1", DeviceSender: 1, Receiver: "u2", DeviceReceiver: 1,
			ItemID: id, Type: "msg", Payload: "p", CipherType: i,
		})
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	items, err := s.FetchForDevice(ctx, "u2", 1)
	if err != nil {
		t.Fatalf("FetchForDevice() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("FetchForDevice() = %d items, want 3", len(items))
	}
	// createdAt ascending.
	for i := 1; i < len(items); i++ {
		if items[i].CreatedAt.Before(items[i-1].CreatedAt) {
			t.Error("items not in createdAt order")
		}
	}

	// A repeat fetch returns nothing: everything is delivered.
	again, err := s.FetchForDevice(ctx, "u2", 1)
	if err != nil {
		t.Fatalf("repeat FetchForDevice() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("repeat fetch = %d items, want 0", len(again))
	}
}

func TestMarkRead(t *testing.T) {
	t.Parallel()
	s, db := setupStore(t, nil, true)
	ctx := context.Background()

	_, _ = s.Send(ctx, SendParams{Sender: "u1", DeviceSender: 1, Receiver: "u2", DeviceReceiver: 1,
		ItemID: "X", Type: "msg", Payload: "p"})

	if err := s.MarkRead(ctx, "u2", 1, "X"); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	var read bool
	if err := db.QueryRow(`SELECT readed FROM items WHERE item_id = 'X'`).Scan(&read); err != nil {
		t.Fatal(err)
	}
	if !read {
		t.Error("MarkRead() did not set the read bit")
	}

	if err := s.MarkRead(ctx, "u2", 1, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRead() missing error = %v, want ErrNotFound", err)
	}
}

func TestSendBlockedSilentDiscard(t *testing.T) {
	t.Parallel()
	blocks := staticBlocks{"u2": "u1"} // u2 blocks u1
	s, db := setupStore(t, blocks, true)
	ctx := context.Background()

	stored, err := s.Send(ctx, SendParams{Sender: "u1", DeviceSender: 1, Receiver: "u2", DeviceReceiver: 1,
		ItemID: "X", Type: "msg", Payload: "p"})
	if err != nil {
		t.Fatalf("Send() to blocking receiver error = %v, want silent discard", err)
	}
	if stored {
		t.Error("Send() reported stored for a discarded envelope")
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("discarded envelope was persisted")
	}
}

func TestSendBlockedRejecting(t *testing.T) {
	t.Parallel()
	blocks := staticBlocks{"u2": "u1"}
	s, _ := setupStore(t, blocks, false)
	ctx := context.Background()

	_, err := s.Send(ctx, SendParams{Sender: "u1", DeviceSender: 1, Receiver: "u2", DeviceReceiver: 1,
		ItemID: "X", Type: "msg", Payload: "p"})
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("Send() error = %v, want ErrBlocked when configured to reject", err)
	}
}

func TestGroupSendAndReads(t *testing.T) {
	t.Parallel()
	s, db := setupStore(t, nil, true)
	ctx := context.Background()

	g := GroupItem{ItemID: "G", Channel: "K", Sender: "u1", SenderDevice: 1, Type: "msg", Payload: "cipher", CipherType: 4}
	if err := s.SendGroup(ctx, g); err != nil {
		t.Fatalf("SendGroup() error = %v", err)
	}
	// One row per message regardless of recipients, duplicate is a no-op.
	if err := s.SendGroup(ctx, g); err != nil {
		t.Fatalf("duplicate SendGroup() error = %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM group_items WHERE item_id = 'G'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("group item rows = %d, want 1", n)
	}

	// Three devices read it; a re-insert from any one is a no-op.
	for _, d := range []struct {
		user   string
		device int
	}{{"u2", 1}, {"u2", 2}, {"u3", 1}} {
		if err := s.MarkGroupRead(ctx, "G", d.user, d.device); err != nil {
			t.Fatalf("MarkGroupRead() error = %v", err)
		}
	}
	if err := s.MarkGroupRead(ctx, "G", "u2", 1); err != nil {
		t.Fatalf("re-insert MarkGroupRead() error = %v", err)
	}

	reads, err := s.GroupReads(ctx, "G")
	if err != nil {
		t.Fatalf("GroupReads() error = %v", err)
	}
	if len(reads) != 3 {
		t.Errorf("GroupReads() = %d rows, want 3", len(reads))
	}

	items, err := s.FetchGroup(ctx, "K", time.Time{}, 0)
	if err != nil || len(items) != 1 {
		t.Errorf("FetchGroup() = (%d items, %v), want 1", len(items), err)
	}
}

func TestPurgeDelivered(t *testing.T) {
	t.Parallel()
	s, _ := setupStore(t, nil, true)
	ctx := context.Background()

	_, _ = s.Send(ctx, SendParams{Sender: "u1", DeviceSender: 1, Receiver: "u2", DeviceReceiver: 1,
		ItemID: "X", Type: "msg", Payload: "p"})
	if _, err := s.FetchForDevice(ctx, "u2", 1); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.PurgeDelivered(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeDelivered() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("PurgeDelivered() = %d, want 1", deleted)
	}
}
