// Package sqlite persists sessions and their billing ticks.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/EmilynnJ/studio-sub000/internal/billing"
	"github.com/EmilynnJ/studio-sub000/internal/domain"
)

type Store struct {
	db *sql.DB
}

// NewStore opens the database, sets WAL mode and busy_timeout, and runs
// migrations.
func NewStore(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		rate_per_interval INTEGER NOT NULL,
		balance_minor INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'requested' CHECK(status IN (
			'requested', 'accepted', 'connecting', 'active', 'paused',
			'ended', 'ended_insufficient_funds', 'cancelled')),
		end_reason TEXT NOT NULL DEFAULT '',
		requested_at TEXT NOT NULL,
		accepted_at TEXT,
		started_at TEXT,
		ended_at TEXT,
		total_charged_minor INTEGER NOT NULL DEFAULT 0,
		total_intervals INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS billing_ticks (
		session_id TEXT NOT NULL,
		interval_index INTEGER NOT NULL,
		amount_minor INTEGER NOT NULL,
		balance_after_minor INTEGER NOT NULL,
		ticked_at TEXT NOT NULL,
		PRIMARY KEY (session_id, interval_index)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_ticks_session ON billing_ticks(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSession inserts a freshly booked session.
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (id, provider_id, payer_id, rate_per_interval, balance_minor,
		status, requested_at, accepted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.ProviderID, sess.PayerID, sess.RatePerInterval, sess.BalanceMinor,
		sess.Status, fmtTime(&sess.Requested), fmtTimePtr(sess.Accepted))
	return err
}

// GetSession retrieves one session by id.
func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	query := `
	SELECT id, provider_id, payer_id, rate_per_interval, balance_minor,
		status, end_reason, requested_at, accepted_at, started_at, ended_at,
		total_charged_minor, total_intervals
	FROM sessions WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var sess domain.Session
	var requested string
	var accepted, started, ended sql.NullString
	if err := row.Scan(&sess.ID, &sess.ProviderID, &sess.PayerID, &sess.RatePerInterval,
		&sess.BalanceMinor, &sess.Status, &sess.EndReason, &requested,
		&accepted, &started, &ended, &sess.TotalChargedMinor, &sess.TotalIntervals); err != nil {
		if err == sql.ErrNoRows {
			return nil, &domain.ValidationError{Field: "sessionId", Reason: "unknown session " + string(id)}
		}
		return nil, err
	}

	var err error
	if sess.Requested, err = parseTime(requested); err != nil {
		return nil, err
	}
	if sess.Accepted, err = parseTimePtr(accepted); err != nil {
		return nil, err
	}
	if sess.Started, err = parseTimePtr(started); err != nil {
		return nil, err
	}
	if sess.Ended, err = parseTimePtr(ended); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession applies a sparse field set. Terminal sessions are never
// moved back to a non-terminal status.
func (s *Store) UpdateSession(ctx context.Context, id domain.SessionID, fields billing.SessionUpdate) error {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)

	if fields.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *fields.Status)
	}
	if fields.EndReason != nil {
		sets = append(sets, "end_reason = ?")
		args = append(args, *fields.EndReason)
	}
	if fields.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, fmtTime(fields.StartedAt))
	}
	if fields.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, fmtTime(fields.EndedAt))
	}
	if fields.BalanceMinor != nil {
		sets = append(sets, "balance_minor = ?")
		args = append(args, *fields.BalanceMinor)
	}
	if fields.TotalChargedMinor != nil {
		sets = append(sets, "total_charged_minor = ?")
		args = append(args, *fields.TotalChargedMinor)
	}
	if fields.TotalIntervals != nil {
		sets = append(sets, "total_intervals = ?")
		args = append(args, *fields.TotalIntervals)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if fields.Status != nil && !fields.Status.Terminal() {
		query += " AND status NOT IN ('ended', 'ended_insufficient_funds', 'cancelled')"
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &domain.ValidationError{Field: "sessionId", Reason: "no updatable session " + string(id)}
	}
	return nil
}

// AppendTick records one charge. The primary key enforces at most one
// charge per interval.
func (s *Store) AppendTick(ctx context.Context, tick domain.BillingTick) error {
	query := `
	INSERT INTO billing_ticks (session_id, interval_index, amount_minor, balance_after_minor, ticked_at)
	VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		tick.SessionID, tick.IntervalIndex, tick.AmountMinor, tick.BalanceAfterMinor,
		tick.TickedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// ListTicks returns a session's ledger in interval order.
func (s *Store) ListTicks(ctx context.Context, id domain.SessionID) ([]domain.BillingTick, error) {
	query := `
	SELECT session_id, interval_index, amount_minor, balance_after_minor, ticked_at
	FROM billing_ticks WHERE session_id = ? ORDER BY interval_index
	`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ticks []domain.BillingTick
	for rows.Next() {
		var t domain.BillingTick
		var ticked string
		if err := rows.Scan(&t.SessionID, &t.IntervalIndex, &t.AmountMinor, &t.BalanceAfterMinor, &ticked); err != nil {
			return nil, err
		}
		if t.TickedAt, err = parseTime(ticked); err != nil {
			return nil, err
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

func fmtTime(t *time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
