package meeting

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crypto/rand"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/identity"
	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

const selectMeetingColumns = `meeting_id, title, description, created_by, start_time, end_time,
	is_instant_call, allow_external, invitation_token, invited_participants, voice_only, mute_on_join, created_at`

// Repository persists meetings, invitation tokens, and RSVPs.
type Repository struct {
	db         *sql.DB
	writer     *sqlite.Writer
	joinWindow time.Duration
	log        zerolog.Logger
}

// NewRepository creates the meeting repository. joinWindow is how early a
// scheduled meeting may be joined.
func NewRepository(db *sql.DB, writer *sqlite.Writer, joinWindow time.Duration, logger zerolog.Logger) *Repository {
	return &Repository{db: db, writer: writer, joinWindow: joinWindow,
		log: logger.With().Str("component", "meeting").Logger()}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (*Meeting, error) {
	var (
		m                Meeting
		startMS, endMS   sql.NullInt64
		invToken         sql.NullString
		participantsJSON string
		createdMS        int64
	)
	err := row.Scan(&m.MeetingID, &m.Title, &m.Description, &m.CreatedBy, &startMS, &endMS,
		&m.IsInstantCall, &m.AllowExternal, &invToken, &participantsJSON, &m.VoiceOnly, &m.MuteOnJoin, &createdMS)
	if err != nil {
		return nil, err
	}
	if startMS.Valid {
		ts := time.UnixMilli(startMS.Int64).UTC()
		m.StartTime = &ts
	}
	if endMS.Valid {
		ts := time.UnixMilli(endMS.Int64).UTC()
		m.EndTime = &ts
	}
	if err := json.Unmarshal([]byte(participantsJSON), &m.InvitedParticipants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	m.CreatedAt = time.UnixMilli(createdMS).UTC()
	return &m, nil
}

// Create persists a meeting from its submitted settings and seeds RSVP rows
// for the invited participants.
func (r *Repository) Create(ctx context.Context, createdBy string, settings Settings) (*Meeting, error) {
	m := &Meeting{
		MeetingID:           uuid.NewString(),
		Title:               identity.SanitizeText(settings.MeetingName),
		Description:         identity.SanitizeText(settings.MeetingDescription),
		CreatedBy:           createdBy,
		IsInstantCall:       settings.InstantMeeting && !settings.ScheduledMeeting,
		AllowExternal:       settings.AllowExternal,
		InvitedParticipants: settings.InvitedParticipants,
		VoiceOnly:           settings.VoiceOnly,
		MuteOnJoin:          settings.Muted,
		CreatedAt:           time.Now().UTC(),
	}
	if settings.ScheduledMeeting && settings.MeetingDate != nil {
		m.StartTime = settings.MeetingDate
	}
	if m.InvitedParticipants == nil {
		m.InvitedParticipants = []string{}
	}

	participantsJSON, err := json.Marshal(m.InvitedParticipants)
	if err != nil {
		return nil, fmt.Errorf("encode participants: %w", err)
	}

	err = r.writer.Exec(ctx, "meeting.create", func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var startMS any
		if m.StartTime != nil {
			startMS = m.StartTime.UnixMilli()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meetings (meeting_id, title, description, created_by, start_time,
			                       is_instant_call, allow_external, invited_participants,
			                       voice_only, mute_on_join, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.MeetingID, m.Title, m.Description, m.CreatedBy, startMS,
			m.IsInstantCall, m.AllowExternal, string(participantsJSON),
			m.VoiceOnly, m.MuteOnJoin, m.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert meeting: %w", err)
		}

		now := time.Now().UnixMilli()
		for _, invitee := range m.InvitedParticipants {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO meeting_rsvps (meeting_id, invitee, status, updated_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(meeting_id, invitee) DO NOTHING`,
				m.MeetingID, invitee, RSVPInvited, now); err != nil {
				return fmt.Errorf("seed rsvp: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns a meeting by id.
func (r *Repository) Get(ctx context.Context, meetingID string) (*Meeting, error) {
	m, err := scanMeeting(r.db.QueryRowContext(ctx,
		`SELECT `+selectMeetingColumns+` FROM meetings WHERE meeting_id = ?`, meetingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query meeting: %w", err)
	}
	return m, nil
}

// CheckJoinable enforces the scheduled-meeting join window: joining earlier
// than joinWindow before the start time is refused.
func (r *Repository) CheckJoinable(ctx context.Context, meetingID string, now time.Time) (*Meeting, error) {
	m, err := r.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if m.StartTime != nil && now.Before(m.StartTime.Add(-r.joinWindow)) {
		return nil, ErrNotYetJoinable
	}
	return m, nil
}

// End stamps the meeting's end time.
func (r *Repository) End(ctx context.Context, meetingID string) error {
	return r.writer.Exec(ctx, "meeting.end", func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE meetings SET end_time = ? WHERE meeting_id = ? AND end_time IS NULL`,
			time.Now().UnixMilli(), meetingID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListForUser returns meetings the user created or is invited to.
func (r *Repository) ListForUser(ctx context.Context, userID string) ([]Meeting, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectMeetingColumns+` FROM meetings
		 WHERE created_by = ?
		    OR meeting_id IN (SELECT meeting_id FROM meeting_rsvps WHERE invitee = ?)
		 ORDER BY created_at DESC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query meetings: %w", err)
	}
	defer rows.Close()

	var out []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SetRSVP records an invitee's reply.
func (r *Repository) SetRSVP(ctx context.Context, meetingID, invitee string, status RSVPStatus) error {
	if !ValidRSVP(status) {
		return ErrRSVPInvalid
	}
	return r.writer.Exec(ctx, "meeting.set-rsvp", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO meeting_rsvps (meeting_id, invitee, status, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(meeting_id, invitee) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
			meetingID, invitee, status, time.Now().UnixMilli())
		return err
	})
}

// RSVPSummary aggregates replies for the organizer.
func (r *Repository) RSVPSummary(ctx context.Context, meetingID string) (*RSVPCounts, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM meeting_rsvps WHERE meeting_id = ? GROUP BY status`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("query rsvp summary: %w", err)
	}
	defer rows.Close()

	var counts RSVPCounts
	for rows.Next() {
		var (
			status RSVPStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan rsvp count: %w", err)
		}
		switch status {
		case RSVPInvited:
			counts.Invited = n
		case RSVPAccepted:
			counts.Accepted = n
		case RSVPDeclined:
			counts.Declined = n
		case RSVPTentative:
			counts.Tentative = n
		}
	}
	return &counts, rows.Err()
}

// CreateInvitation mints a reusable guest token for the meeting.
func (r *Repository) CreateInvitation(ctx context.Context, meetingID, label string, expiresAt *time.Time, maxUses *int) (*Invitation, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("random invitation token: %w", err)
	}

	inv := &Invitation{
		Token:     base64.RawURLEncoding.EncodeToString(buf),
		MeetingID: meetingID,
		Label:     identity.SanitizeText(label),
		ExpiresAt: expiresAt,
		MaxUses:   maxUses,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	err := r.writer.Exec(ctx, "meeting.create-invitation", func(ctx context.Context, db *sql.DB) error {
		var expiresMS, maxUsesVal any
		if expiresAt != nil {
			expiresMS = expiresAt.UnixMilli()
		}
		if maxUses != nil {
			maxUsesVal = *maxUses
		}
		_, err := db.ExecContext(ctx,
			`INSERT INTO meeting_invitations (token, meeting_id, label, expires_at, max_uses, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			inv.Token, meetingID, inv.Label, expiresMS, maxUsesVal, inv.CreatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ConsumeInvitation atomically validates and uses one invitation slot:
// the token must be active, unexpired, and under its use cap, and the
// increment happens in the same writer task as the check.
func (r *Repository) ConsumeInvitation(ctx context.Context, token string) (*Invitation, error) {
	res, err := r.writer.Do(ctx, "meeting.consume-invitation", func(ctx context.Context, db *sql.DB) (any, error) {
		var (
			inv       Invitation
			expiresMS sql.NullInt64
			maxUses   sql.NullInt64
			createdMS int64
		)
		err := db.QueryRowContext(ctx,
			`SELECT token, meeting_id, label, expires_at, max_uses, use_count, is_active, created_at
			 FROM meeting_invitations WHERE token = ?`, token).
			Scan(&inv.Token, &inv.MeetingID, &inv.Label, &expiresMS, &maxUses, &inv.UseCount, &inv.IsActive, &createdMS)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenExhausted
		}
		if err != nil {
			return nil, fmt.Errorf("query invitation: %w", err)
		}
		inv.CreatedAt = time.UnixMilli(createdMS).UTC()
		if expiresMS.Valid {
			ts := time.UnixMilli(expiresMS.Int64).UTC()
			inv.ExpiresAt = &ts
		}
		if maxUses.Valid {
			n := int(maxUses.Int64)
			inv.MaxUses = &n
		}

		if !inv.IsActive {
			return nil, ErrTokenExhausted
		}
		if inv.ExpiresAt != nil && time.Now().After(*inv.ExpiresAt) {
			return nil, ErrTokenExhausted
		}
		if inv.MaxUses != nil && inv.UseCount >= *inv.MaxUses {
			return nil, ErrTokenExhausted
		}

		if _, err := db.ExecContext(ctx,
			`UPDATE meeting_invitations SET use_count = use_count + 1 WHERE token = ?`, token); err != nil {
			return nil, fmt.Errorf("increment use count: %w", err)
		}
		inv.UseCount++
		return &inv, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Invitation), nil
}

// DeactivateInvitation turns a token off without deleting its audit row.
func (r *Repository) DeactivateInvitation(ctx context.Context, token string) error {
	return r.writer.Exec(ctx, "meeting.deactivate-invitation", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE meeting_invitations SET is_active = 0 WHERE token = ?`, token)
		return err
	})
}
