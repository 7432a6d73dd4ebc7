package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLocker provides named, session-scoped PostgreSQL advisory locks.
// The lock is held on a dedicated pooled connection until released, so it
// is exclusive across every process sharing the database.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// TryAcquire never waits: if another session holds name it returns false.
func (l *AdvisoryLocker) TryAcquire(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %s: %w", name, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		defer conn.Release()
		var unlocked bool
		if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, name).Scan(&unlocked); err != nil {
			// Drop the session so the server releases the lock.
			conn.Conn().Close(ctx)
			return fmt.Errorf("advisory unlock %s: %w", name, err)
		}
		if !unlocked {
			return fmt.Errorf("advisory lock %s was not held", name)
		}
		return nil
	}

	return release, true, nil
}
