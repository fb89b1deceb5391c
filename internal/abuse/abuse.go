// Package abuse holds per-user block lists and abuse-report intake. Blocking
// is one-sided: only the blocker's view of the blocked user is filtered.
package abuse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/identity"
	"github.com/peerlink-chat/peerlink-server/internal/sqlite"
)

// Sentinel errors for the abuse package.
var (
	ErrReportNotFound = errors.New("report not found")
	ErrSelfBlock      = errors.New("cannot block yourself")
	ErrInvalidStatus  = errors.New("invalid report status")
	ErrEmptyReport    = errors.New("report description must not be empty")
)

// ReportStatus is the moderation state of an abuse report.
type ReportStatus string

// Report states, advanced by administrators.
const (
	StatusPending     ReportStatus = "pending"
	StatusUnderReview ReportStatus = "under_review"
	StatusResolved    ReportStatus = "resolved"
	StatusDismissed   ReportStatus = "dismissed"
)

// ValidStatus reports whether s is a known report status.
func ValidStatus(s ReportStatus) bool {
	switch s {
	case StatusPending, StatusUnderReview, StatusResolved, StatusDismissed:
		return true
	}
	return false
}

// Report is one abuse report.
type Report struct {
	UUID        string
	Reporter    string
	Reported    string
	Description string
	Photos      []string
	Status      ReportStatus
	AdminNotes  string
	ResolvedBy  string
	ResolvedAt  *time.Time
	CreatedAt   time.Time
}

// Store persists block lists and reports.
type Store struct {
	db     *sql.DB
	writer *sqlite.Writer
	log    zerolog.Logger
}

// NewStore creates the abuse store.
func NewStore(db *sql.DB, writer *sqlite.Writer, logger zerolog.Logger) *Store {
	return &Store{db: db, writer: writer, log: logger.With().Str("component", "abuse").Logger()}
}

// Block adds blocked to blocker's list. Idempotent.
func (s *Store) Block(ctx context.Context, blocker, blocked string) error {
	if blocker == blocked {
		return ErrSelfBlock
	}
	return s.writer.Exec(ctx, "abuse.block", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO blocked_users (blocker_uuid, blocked_uuid, created_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT(blocker_uuid, blocked_uuid) DO NOTHING`,
			blocker, blocked, time.Now().UnixMilli())
		return err
	})
}

// Unblock removes blocked from blocker's list. Removing an absent entry is
// not an error.
func (s *Store) Unblock(ctx context.Context, blocker, blocked string) error {
	return s.writer.Exec(ctx, "abuse.unblock", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`DELETE FROM blocked_users WHERE blocker_uuid = ? AND blocked_uuid = ?`, blocker, blocked)
		return err
	})
}

// IsBlocked reports whether blocker has blocked the other user. Implements
// envelope.BlockChecker and the hub's recipient filter.
func (s *Store) IsBlocked(ctx context.Context, blocker, blocked string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocked_users WHERE blocker_uuid = ? AND blocked_uuid = ?`, blocker, blocked).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query block: %w", err)
	}
	return true, nil
}

// BlockedBy returns the set of users who have blocked the given user. The
// hub uses this to filter fan-out recipients in one query.
func (s *Store) BlockedBy(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT blocker_uuid FROM blocked_users WHERE blocked_uuid = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query blockers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var blocker string
		if err := rows.Scan(&blocker); err != nil {
			return nil, fmt.Errorf("scan blocker: %w", err)
		}
		out[blocker] = true
	}
	return out, rows.Err()
}

// BlockList returns the users on blocker's list.
func (s *Store) BlockList(ctx context.Context, blocker string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT blocked_uuid FROM blocked_users WHERE blocker_uuid = ? ORDER BY created_at`, blocker)
	if err != nil {
		return nil, fmt.Errorf("query block list: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var blocked string
		if err := rows.Scan(&blocked); err != nil {
			return nil, fmt.Errorf("scan blocked: %w", err)
		}
		out = append(out, blocked)
	}
	return out, rows.Err()
}

// Report files a new pending report. The description is sanitized before
// storage; photos are storage keys produced by the media layer.
func (s *Store) Report(ctx context.Context, reporter, reported, description string, photos []string) (*Report, error) {
	description = identity.SanitizeText(description)
	if description == "" {
		return nil, ErrEmptyReport
	}
	if photos == nil {
		photos = []string{}
	}

	r := &Report{
		UUID:        uuid.NewString(),
		Reporter:    reporter,
		Reported:    reported,
		Description: description,
		Photos:      photos,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	photosJSON, err := json.Marshal(photos)
	if err != nil {
		return nil, fmt.Errorf("encode photos: %w", err)
	}

	err = s.writer.Exec(ctx, "abuse.report", func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO abuse_reports (report_uuid, reporter, reported, description, photos, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.UUID, r.Reporter, r.Reported, r.Description, string(photosJSON), r.Status, r.CreatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func scanReport(rows *sql.Rows) (*Report, error) {
	var (
		r                     Report
		photosJSON            string
		resolvedBy            sql.NullString
		resolvedMS            sql.NullInt64
		createdMS             int64
	)
	err := rows.Scan(&r.UUID, &r.Reporter, &r.Reported, &r.Description, &photosJSON,
		&r.Status, &r.AdminNotes, &resolvedBy, &resolvedMS, &createdMS)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(photosJSON), &r.Photos); err != nil {
		return nil, fmt.Errorf("decode photos: %w", err)
	}
	r.ResolvedBy = resolvedBy.String
	if resolvedMS.Valid {
		ts := time.UnixMilli(resolvedMS.Int64).UTC()
		r.ResolvedAt = &ts
	}
	r.CreatedAt = time.UnixMilli(createdMS).UTC()
	return &r, nil
}

// ListReports returns reports, optionally filtered by status.
func (s *Store) ListReports(ctx context.Context, status ReportStatus) ([]Report, error) {
	query := `SELECT report_uuid, reporter, reported, description, photos, status, admin_notes,
	                 resolved_by, resolved_at, created_at
	          FROM abuse_reports`
	var args []any
	if status != "" {
		if !ValidStatus(status) {
			return nil, ErrInvalidStatus
		}
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SetReportStatus advances a report's moderation state. Resolution metadata
// is recorded when the state is terminal.
func (s *Store) SetReportStatus(ctx context.Context, reportID string, status ReportStatus, adminID, notes string) error {
	if !ValidStatus(status) {
		return ErrInvalidStatus
	}
	return s.writer.Exec(ctx, "abuse.set-report-status", func(ctx context.Context, db *sql.DB) error {
		var (
			resolvedBy any
			resolvedAt any
		)
		if status == StatusResolved || status == StatusDismissed {
			resolvedBy = adminID
			resolvedAt = time.Now().UnixMilli()
		}
		res, err := db.ExecContext(ctx,
			`UPDATE abuse_reports SET status = ?, admin_notes = ?, resolved_by = ?, resolved_at = ?
			 WHERE report_uuid = ?`,
			status, identity.SanitizeText(notes), resolvedBy, resolvedAt, reportID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrReportNotFound
		}
		return nil
	})
}
