package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed limiter shared by every process using the database.
type PG struct {
	pool   pgxQuerier
	window time.Duration
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, window time.Duration) *PG {
	return &PG{pool: pool, window: window}
}

// NewPGWithQuerier constructs a PostgreSQL-backed limiter.
func NewPGWithQuerier(q pgxQuerier, window time.Duration) *PG {
	return &PG{pool: q, window: window}
}

// Allow claims the window for fid atomically. A zero window always allows.
func (l *PG) Allow(ctx context.Context, fid int64) (bool, time.Duration, error) {
	if l.window <= 0 {
		return true, 0, nil
	}
	const claim = `
INSERT INTO resync_limiter (fence_id, last_sent)
VALUES ($1, now())
ON CONFLICT (fence_id) DO UPDATE SET last_sent = now()
WHERE resync_limiter.last_sent <= now() - $2::interval
RETURNING last_sent`
	var sent time.Time
	err := l.pool.QueryRow(ctx, claim, fid, l.window).Scan(&sent)
	switch {
	case err == nil:
		return true, 0, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, 0, err
	}

	const q = `SELECT last_sent FROM resync_limiter WHERE fence_id=$1`
	if err := l.pool.QueryRow(ctx, q, fid).Scan(&sent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, l.window, nil
		}
		return false, 0, err
	}
	left := l.window - time.Since(sent)
	if left < 0 {
		left = 0
	}
	return false, left, nil
}
