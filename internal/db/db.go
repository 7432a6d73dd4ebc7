package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"LokaMail/internal/models"
)

// ErrNotFound is returned when a queued email does not exist.
var ErrNotFound = errors.New("email not found")

const emailColumns = `id, to_email, to_name, subject, body, template, priority, status,
	attempts, max_attempts, scheduled_at, error_message, request_id,
	created_at, updated_at, sent_at`

// Store is the PostgreSQL-backed email queue.
type Store struct {
	Pool *pgxpool.Pool
}

// New connects to PostgreSQL, retrying with exponential backoff, and
// applies migrations.
func New(ctx context.Context, conn string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			logger.Warn("database not ready, retrying", zap.Error(err))
			return err
		}
		pool = p
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(connect, b); err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := Migrate(ctx, stdlib.OpenDBFromPool(pool), goose.DialectPostgres, logger); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Insert(ctx context.Context, e *models.QueuedEmail) error {
	return s.Pool.QueryRow(ctx,
		`INSERT INTO email_queue
		 (to_email, to_name, subject, body, template, priority, status, attempts, max_attempts,
		  scheduled_at, request_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,$10,$11,$11)
		 RETURNING id`,
		e.ToEmail,
		nullString(e.ToName),
		e.Subject,
		e.Body,
		nullString(e.Template),
		e.Priority,
		models.StatusPending,
		e.MaxAttempts,
		e.ScheduledAt,
		e.RequestID,
		e.CreatedAt,
	).Scan(&e.ID)
}

func (s *Store) Get(ctx context.Context, id int64) (*models.QueuedEmail, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+emailColumns+` FROM email_queue WHERE id=$1`, id)
	e, err := scanEmail(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *Store) Pending(ctx context.Context, now time.Time, limit int) ([]models.QueuedEmail, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+emailColumns+`
		 FROM email_queue
		 WHERE status=$1
		   AND attempts < max_attempts
		   AND (scheduled_at IS NULL OR scheduled_at <= $2)
		 ORDER BY priority ASC, created_at ASC, id ASC
		 LIMIT $3`,
		models.StatusPending,
		now,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.QueuedEmail
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Claim locks the row with SELECT ... FOR UPDATE and moves it to processing
// if it is still pending. It returns nil when another worker got there first.
func (s *Store) Claim(ctx context.Context, id int64, now time.Time) (*models.QueuedEmail, error) {
	var claimed *models.QueuedEmail

	err := WithTx(ctx, s.Pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+emailColumns+` FROM email_queue WHERE id=$1 FOR UPDATE`, id)
		e, err := scanEmail(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if e.Status != models.StatusPending {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE email_queue SET status=$1, updated_at=$2 WHERE id=$3`,
			models.StatusProcessing, now, id,
		); err != nil {
			return err
		}

		e.Status = models.StatusProcessing
		e.UpdatedAt = now
		claimed = e
		return nil
	})

	return claimed, err
}

func (s *Store) MarkSent(ctx context.Context, id int64, now time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE email_queue
		 SET status=$1,
		     attempts = attempts + 1,
		     sent_at=$2,
		     scheduled_at=NULL,
		     error_message=NULL,
		     updated_at=$2
		 WHERE id=$3`,
		models.StatusSent,
		now,
		id,
	)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id int64, f models.Failure, now time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE email_queue
		 SET status=$1,
		     attempts=$2,
		     scheduled_at=$3,
		     error_message=$4,
		     updated_at=$5
		 WHERE id=$6`,
		f.Status,
		f.Attempts,
		f.ScheduledAt,
		f.ErrorMsg,
		now,
		id,
	)
	return err
}

func (s *Store) Stats(ctx context.Context, failuresSince time.Time) (models.QueueStats, error) {
	var st models.QueueStats
	err := s.Pool.QueryRow(ctx, statsQuery("$1"), failuresSince).Scan(
		&st.Pending,
		&st.Processing,
		&st.Sent,
		&st.Failed,
		&st.RecentFailures,
	)
	return st, err
}

func (s *Store) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM email_queue WHERE status=$1 AND sent_at < $2`,
		models.StatusSent,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ResetStuck(ctx context.Context, before, now time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_queue
		 SET status=$1,
		     updated_at=$2
		 WHERE status=$3 AND updated_at < $4`,
		models.StatusPending,
		now,
		models.StatusProcessing,
		before,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ActiveAdmins lists active administrators from the application's users table.
func (s *Store) ActiveAdmins(ctx context.Context) ([]models.Recipient, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT email, COALESCE(name, '')
		 FROM users
		 WHERE role='admin' AND status='active' AND email <> ''
		 ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.Email, &r.Name); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WithTx runs fn in a transaction, rolling back on error or panic.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	return tx.Commit(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEmail(row scanner) (*models.QueuedEmail, error) {
	var (
		e        models.QueuedEmail
		toName   *string
		template *string
	)
	err := row.Scan(
		&e.ID,
		&e.ToEmail,
		&toName,
		&e.Subject,
		&e.Body,
		&template,
		&e.Priority,
		&e.Status,
		&e.Attempts,
		&e.MaxAttempts,
		&e.ScheduledAt,
		&e.ErrorMsg,
		&e.RequestID,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.SentAt,
	)
	if err != nil {
		return nil, err
	}
	if toName != nil {
		e.ToName = *toName
	}
	if template != nil {
		e.Template = *template
	}
	return &e, nil
}

func statsQuery(placeholder string) string {
	return `SELECT
		COALESCE(SUM(CASE WHEN status='pending' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status='processing' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status='sent' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status='failed' AND updated_at >= ` + placeholder + ` THEN 1 ELSE 0 END), 0)
	FROM email_queue`
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
