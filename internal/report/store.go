// Package report persists abuse reports in PostgreSQL. Each report records
// who reported whom, in which session, and the last few chat payloads the
// two exchanged, for moderator review.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/whisper/pairing/internal/chat"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Reasons accepted by the abuse_reports CHECK constraint.
const (
	ReasonHarassment = "harassment"
	ReasonSpam       = "spam"
	ReasonExplicit   = "explicit"
	ReasonUnderage   = "underage"
	ReasonOther      = "other"
)

var validReasons = map[string]bool{
	ReasonHarassment: true,
	ReasonSpam:       true,
	ReasonExplicit:   true,
	ReasonUnderage:   true,
	ReasonOther:      true,
}

// NormalizeReason maps unknown client-supplied reasons to ReasonOther.
func NormalizeReason(reason string) string {
	if validReasons[reason] {
		return reason
	}
	return ReasonOther
}

// Report is one abuse report.
type Report struct {
	ReporterID string
	ReportedID string
	SessionID  string
	Reason     string
	Lines      []chat.Line
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store backed by db. Run Migrate first.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts a report. The reason must be one of the accepted reasons.
func (s *Store) Create(ctx context.Context, r Report) error {
	if !validReasons[r.Reason] {
		return fmt.Errorf("report: invalid reason %q", r.Reason)
	}

	lines := r.Lines
	if lines == nil {
		lines = []chat.Line{}
	}
	messages, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("report: marshal messages: %w", err)
	}

	query, args, err := psq.Insert("abuse_reports").
		Columns("reporter_id", "reported_id", "session_id", "reason", "messages").
		Values(r.ReporterID, r.ReportedID, r.SessionID, r.Reason, messages).
		ToSql()
	if err != nil {
		return fmt.Errorf("report: build insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns how many reports were filed against reportedID within
// window.
func (s *Store) CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	query, args, err := psq.Select("COUNT(*)").
		From("abuse_reports").
		Where(sq.Eq{"reported_id": reportedID}).
		Where(sq.GtOrEq{"created_at": s.now().Add(-window)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("report: build count: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
