package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmhodges/clock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"LokaMail/internal/models"
)

// timeLayout is fixed width so that stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the single-instance email queue backend. Rows are claimed
// with a compare-and-swap UPDATE instead of row locks.
type SQLiteStore struct {
	db  *sql.DB
	clk clock.Clock
}

// OpenSQLite opens (creating if needed) the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string, clk clock.Clock, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" || path[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	if clk == nil {
		clk = clock.New()
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(ctx, db, goose.DialectSQLite3, logger); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (close error: %v)", err, closeErr)
		}
		return nil, err
	}

	// SQLite allows a single writer; serialise access within the process.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db, clk: clk}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, e *models.QueuedEmail) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO email_queue
		 (to_email, to_name, subject, body, template, priority, status, attempts, max_attempts,
		  scheduled_at, request_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		e.ToEmail,
		nullString(e.ToName),
		e.Subject,
		e.Body,
		nullString(e.Template),
		e.Priority,
		string(models.StatusPending),
		e.MaxAttempts,
		formatTimePtr(e.ScheduledAt),
		e.RequestID,
		formatTime(e.CreatedAt),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert email: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read email id: %w", err)
	}
	e.ID = id
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*models.QueuedEmail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM email_queue WHERE id = ?`, id)
	e, err := scanSQLiteEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) Pending(ctx context.Context, now time.Time, limit int) ([]models.QueuedEmail, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+emailColumns+`
		 FROM email_queue
		 WHERE status = ?
		   AND attempts < max_attempts
		   AND (scheduled_at IS NULL OR scheduled_at <= ?)
		 ORDER BY priority ASC, created_at ASC, id ASC
		 LIMIT ?`,
		string(models.StatusPending),
		formatTime(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending emails: %w", err)
	}
	defer rows.Close()

	var out []models.QueuedEmail
	for rows.Next() {
		e, err := scanSQLiteEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Claim moves a pending row to processing only if it is still pending.
func (s *SQLiteStore) Claim(ctx context.Context, id int64, now time.Time) (*models.QueuedEmail, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE email_queue
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING `+emailColumns,
		string(models.StatusProcessing),
		formatTime(now),
		id,
		string(models.StatusPending),
	)
	e, err := scanSQLiteEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim email %d: %w", id, err)
	}
	return e, nil
}

func (s *SQLiteStore) MarkSent(ctx context.Context, id int64, now time.Time) error {
	ts := formatTime(now)
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_queue
		 SET status = ?, attempts = attempts + 1, sent_at = ?, scheduled_at = NULL,
		     error_message = NULL, updated_at = ?
		 WHERE id = ?`,
		string(models.StatusSent), ts, ts, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark email %d sent: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64, f models.Failure, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_queue
		 SET status = ?, attempts = ?, scheduled_at = ?, error_message = ?, updated_at = ?
		 WHERE id = ?`,
		string(f.Status),
		f.Attempts,
		formatTimePtr(f.ScheduledAt),
		f.ErrorMsg,
		formatTime(now),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark email %d failed: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context, failuresSince time.Time) (models.QueueStats, error) {
	var st models.QueueStats
	err := s.db.QueryRowContext(ctx, statsQuery("?"), formatTime(failuresSince)).Scan(
		&st.Pending,
		&st.Processing,
		&st.Sent,
		&st.Failed,
		&st.RecentFailures,
	)
	if err != nil {
		return st, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM email_queue WHERE status = ? AND sent_at < ?`,
		string(models.StatusSent),
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sent emails: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ResetStuck(ctx context.Context, before, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_queue SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		string(models.StatusPending),
		formatTime(now),
		string(models.StatusProcessing),
		formatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck emails: %w", err)
	}
	return res.RowsAffected()
}

func scanSQLiteEmail(row scanner) (*models.QueuedEmail, error) {
	var (
		e                        models.QueuedEmail
		status                   string
		toName, template, errMsg sql.NullString
		scheduledAt, sentAt      sql.NullString
		createdAt, updatedAt     string
		requestID                sql.NullInt64
	)
	err := row.Scan(
		&e.ID,
		&e.ToEmail,
		&toName,
		&e.Subject,
		&e.Body,
		&template,
		&e.Priority,
		&status,
		&e.Attempts,
		&e.MaxAttempts,
		&scheduledAt,
		&errMsg,
		&requestID,
		&createdAt,
		&updatedAt,
		&sentAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = models.EmailStatus(status)
	e.ToName = toName.String
	e.Template = template.String
	if errMsg.Valid {
		e.ErrorMsg = &errMsg.String
	}
	if requestID.Valid {
		e.RequestID = &requestID.Int64
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if e.ScheduledAt, err = parseNullTime(scheduledAt); err != nil {
		return nil, err
	}
	if e.SentAt, err = parseNullTime(sentAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
