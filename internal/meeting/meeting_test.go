package meeting

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

func setupRepo(t *testing.T) (*Repository, *sql.DB) {
	t.Helper()
	db, err := sqlite.Connect(context.Background(), filepath.Join(t.TempDir(), "meeting.db"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := sqlite.Migrate(db, zerolog.Nop()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	w := sqlite.NewWriter(db, 32, zerolog.Nop())
	t.Cleanup(w.Close)

	return NewRepository(db, w, 30*time.Minute, zerolog.Nop()), db
}

func TestCreateAndGetMeeting(t *testing.T) {
	t.Parallel()
	repo, _ := setupRepo(t)
	ctx := context.Background()

	start := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Millisecond)
	m, err := repo.Create(ctx, "organizer", Settings{
		MeetingName:         "Weekly sync",
		MeetingDescription:  "agenda",
		ScheduledMeeting:    true,
		MeetingDate:         &start,
		VoiceOnly:           true,
		Muted:               true,
		AllowExternal:       true,
		InvitedParticipants: []string{"u2", "u3"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, m.MeetingID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Title != "Weekly sync" || !got.VoiceOnly || !got.MuteOnJoin || !got.AllowExternal {
		t.Errorf("Get() = %+v, want submitted settings", got)
	}
	if got.StartTime == nil || !got.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, start)
	}
	if len(got.InvitedParticipants) != 2 {
		t.Errorf("InvitedParticipants = %v, want 2 entries", got.InvitedParticipants)
	}

	counts, err := repo.RSVPSummary(ctx, m.MeetingID)
	if err != nil || counts.Invited != 2 {
		t.Errorf("RSVPSummary() = (%+v, %v), want 2 invited", counts, err)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() missing error = %v, want ErrNotFound", err)
	}
}

func TestJoinWindow(t *testing.T) {
	t.Parallel()
	repo, _ := setupRepo(t)
	ctx := context.Background()

	start := time.Now().Add(2 * time.Hour).UTC()
	m, err := repo.Create(ctx, "organizer", Settings{
		MeetingName: "Later", ScheduledMeeting: true, MeetingDate: &start,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// One second outside the window: refused.
	early := start.Add(-30*time.Minute - time.Second)
	if _, err := repo.CheckJoinable(ctx, m.MeetingID, early); !errors.Is(err, ErrNotYetJoinable) {
		t.Errorf("CheckJoinable() early error = %v, want ErrNotYetJoinable", err)
	}

	// One second inside the window: permitted.
	late := start.Add(-30*time.Minute + time.Second)
	if _, err := repo.CheckJoinable(ctx, m.MeetingID, late); err != nil {
		t.Errorf("CheckJoinable() inside window error = %v", err)
	}
}

func TestRSVPFlow(t *testing.T) {
	t.Parallel()
	repo, _ := setupRepo(t)
	ctx := context.Background()

	m, _ := repo.Create(ctx, "organizer", Settings{
		MeetingName: "m", InvitedParticipants: []string{"u2", "u3", "u4"},
	})

	if err := repo.SetRSVP(ctx, m.MeetingID, "u2", RSVPAccepted); err != nil {
		t.Fatalf("SetRSVP() error = %v", err)
	}
	if err := repo.SetRSVP(ctx, m.MeetingID, "u3", RSVPDeclined); err != nil {
		t.Fatalf("SetRSVP() error = %v", err)
	}
	if err := repo.SetRSVP(ctx, m.MeetingID, "u2", "maybe"); !errors.Is(err, ErrRSVPInvalid) {
		t.Errorf("SetRSVP() invalid status error = %v, want ErrRSVPInvalid", err)
	}

	counts, err := repo.RSVPSummary(ctx, m.MeetingID)
	if err != nil {
		t.Fatalf("RSVPSummary() error = %v", err)
	}
	if counts.Accepted != 1 || counts.Declined != 1 || counts.Invited != 1 {
		t.Errorf("RSVPSummary() = %+v, want 1/1/1", counts)
	}
}

func TestInvitationConsumption(t *testing.T) {
	t.Parallel()
	repo, _ := setupRepo(t)
	ctx := context.Background()

	m, _ := repo.Create(ctx, "organizer", Settings{MeetingName: "m", AllowExternal: true})

	maxUses := 2
	inv, err := repo.CreateInvitation(ctx, m.MeetingID, "guests", nil, &maxUses)
	if err != nil {
		t.Fatalf("CreateInvitation() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := repo.ConsumeInvitation(ctx, inv.Token)
		if err != nil {
			t.Fatalf("ConsumeInvitation() #%d error = %v", i+1, err)
		}
		if got.UseCount != i+1 {
			t.Errorf("UseCount = %d, want %d", got.UseCount, i+1)
		}
	}
	if _, err := repo.ConsumeInvitation(ctx, inv.Token); !errors.Is(err, ErrTokenExhausted) {
		t.Errorf("ConsumeInvitation() over cap error = %v, want ErrTokenExhausted", err)
	}

	// Deactivated tokens stop working regardless of remaining uses.
	inv2, _ := repo.CreateInvitation(ctx, m.MeetingID, "", nil, nil)
	if err := repo.DeactivateInvitation(ctx, inv2.Token); err != nil {
		t.Fatalf("DeactivateInvitation() error = %v", err)
	}
	if _, err := repo.ConsumeInvitation(ctx, inv2.Token); !errors.Is(err, ErrTokenExhausted) {
		t.Errorf("ConsumeInvitation() inactive error = %v, want ErrTokenExhausted", err)
	}

	// Expired tokens stop working.
	past := time.Now().Add(-time.Minute)
	inv3, _ := repo.CreateInvitation(ctx, m.MeetingID, "", &past, nil)
	if _, err := repo.ConsumeInvitation(ctx, inv3.Token); !errors.Is(err, ErrTokenExhausted) {
		t.Errorf("ConsumeInvitation() expired error = %v, want ErrTokenExhausted", err)
	}
}

func setupExternal(t *testing.T) (*ExternalStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewExternalStore(rdb, 4*time.Hour, 30*time.Second), mr
}

func TestExternalAdmissionFlow(t *testing.T) {
	t.Parallel()
	store, mr := setupExternal(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "m1", "Guest", "idk", "spk", []string{"pk1", "pk2"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.Admitted != nil {
		t.Error("new session should have no admission decision")
	}

	// First knock marks pending.
	knocked, err := store.RequestAdmission(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("RequestAdmission() error = %v", err)
	}
	if knocked.Admitted == nil || *knocked.Admitted {
		t.Error("knock should set admitted=false (pending)")
	}

	// A second knock within the cooldown is rejected.
	if _, err := store.RequestAdmission(ctx, sess.SessionID); !errors.Is(err, ErrKnockCooldown) {
		t.Errorf("second knock error = %v, want ErrKnockCooldown", err)
	}

	// Admit lets the guest in.
	admitted, err := store.Admit(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if admitted.Admitted == nil || !*admitted.Admitted || admitted.JoinedAt == nil {
		t.Errorf("Admit() = %+v, want admitted with joined_at", admitted)
	}

	// Decline resets to nil so the guest may re-knock after the cooldown.
	declined, err := store.Decline(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Decline() error = %v", err)
	}
	if declined.Admitted != nil {
		t.Error("Decline() should reset admitted to nil")
	}

	mr.FastForward(31 * time.Second)
	if _, err := store.RequestAdmission(ctx, sess.SessionID); err != nil {
		t.Errorf("re-knock after cooldown error = %v", err)
	}
}

func TestExternalSessionExpiry(t *testing.T) {
	t.Parallel()
	store, mr := setupExternal(t)
	ctx := context.Background()

	sess, _ := store.Create(ctx, "m1", "Guest", "idk", "spk", nil)

	mr.FastForward(4*time.Hour + time.Second)
	if _, err := store.Get(ctx, sess.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() after expiry error = %v, want ErrSessionNotFound", err)
	}
}
