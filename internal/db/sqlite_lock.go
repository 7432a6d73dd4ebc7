package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTTL bounds how long a crashed holder can keep a SQLite lock row.
const DefaultLockTTL = time.Hour

// TryAcquire takes the named lock row if nobody holds it or the holder's
// lease has expired. It never waits for a live holder.
func (s *SQLiteStore) TryAcquire(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	now := s.clk.Now()
	owner := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin lock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_locks WHERE name = ? AND expires_at <= ?`,
		name, formatTime(now),
	); err != nil {
		return nil, false, fmt.Errorf("expire lock %s: %w", name, err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO queue_locks (name, owner, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, owner, formatTime(now), formatTime(now.Add(DefaultLockTTL)),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit lock %s: %w", name, err)
	}
	if n == 0 {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM queue_locks WHERE name = ? AND owner = ?`, name, owner)
		if err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("lock %s was not held", name)
		}
		return nil
	}
	return release, true, nil
}
