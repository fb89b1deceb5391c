package abuse

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

func setupStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sqlite.Connect(context.Background(), filepath.Join(t.TempDir(), "abuse.db"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := sqlite.Migrate(db, zerolog.Nop()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	w := sqlite.NewWriter(db, 32, zerolog.Nop())
	t.Cleanup(w.Close)

	return NewStore(db, w, zerolog.Nop()), db
}

func TestBlockUnblock(t *testing.T) {
	t.Parallel()
	s, _ := setupStore(t)
	ctx := context.Background()

	if err := s.Block(ctx, "u1", "u2"); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	// Idempotent.
	if err := s.Block(ctx, "u1", "u2"); err != nil {
		t.Fatalf("second Block() error = %v", err)
	}
	if err := s.Block(ctx, "u1", "u1"); !errors.Is(err, ErrSelfBlock) {
		t.Errorf("self Block() error = %v, want ErrSelfBlock", err)
	}

	blocked, err := s.IsBlocked(ctx, "u1", "u2")
	if err != nil || !blocked {
		t.Errorf("IsBlocked(u1, u2) = (%v, %v), want true", blocked, err)
	}
	// One-sided: u2 has not blocked u1.
	blocked, _ = s.IsBlocked(ctx, "u2", "u1")
	if blocked {
		t.Error("blocking must be one-sided")
	}

	blockers, err := s.BlockedBy(ctx, "u2")
	if err != nil || !blockers["u1"] {
		t.Errorf("BlockedBy(u2) = (%v, %v), want u1", blockers, err)
	}

	list, err := s.BlockList(ctx, "u1")
	if err != nil || len(list) != 1 || list[0] != "u2" {
		t.Errorf("BlockList(u1) = (%v, %v)", list, err)
	}

	if err := s.Unblock(ctx, "u1", "u2"); err != nil {
		t.Fatalf("Unblock() error = %v", err)
	}
	blocked, _ = s.IsBlocked(ctx, "u1", "u2")
	if blocked {
		t.Error("IsBlocked after Unblock = true")
	}
	// Unblocking an absent pair is not an error.
	if err := s.Unblock(ctx, "u1", "u2"); err != nil {
		t.Errorf("second Unblock() error = %v", err)
	}
}

func TestReportLifecycle(t *testing.T) {
	t.Parallel()
	s, _ := setupStore(t)
	ctx := context.Background()

	r, err := s.Report(ctx, "reporter", "reported", "  <b>spam</b> and harassment  ", []string{"reports/p1.jpg"})
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if r.Status != StatusPending {
		t.Errorf("new report status = %q, want pending", r.Status)
	}
	if r.Description != "spam and harassment" {
		t.Errorf("description = %q, want sanitized text", r.Description)
	}

	if _, err := s.Report(ctx, "reporter", "reported", "<script></script>", nil); !errors.Is(err, ErrEmptyReport) {
		t.Errorf("markup-only Report() error = %v, want ErrEmptyReport", err)
	}

	pending, err := s.ListReports(ctx, StatusPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListReports(pending) = (%d, %v), want 1", len(pending), err)
	}

	if err := s.SetReportStatus(ctx, r.UUID, StatusResolved, "admin-1", "dealt with"); err != nil {
		t.Fatalf("SetReportStatus() error = %v", err)
	}
	resolved, _ := s.ListReports(ctx, StatusResolved)
	if len(resolved) != 1 || resolved[0].ResolvedBy != "admin-1" || resolved[0].ResolvedAt == nil {
		t.Errorf("resolved report = %+v, want resolution metadata", resolved)
	}

	if err := s.SetReportStatus(ctx, r.UUID, "bogus", "admin-1", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("SetReportStatus() invalid error = %v, want ErrInvalidStatus", err)
	}
	if err := s.SetReportStatus(ctx, "missing", StatusDismissed, "admin-1", ""); !errors.Is(err, ErrReportNotFound) {
		t.Errorf("SetReportStatus() missing error = %v, want ErrReportNotFound", err)
	}
}
