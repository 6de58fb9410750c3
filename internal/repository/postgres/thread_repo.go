package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/model"
)

// ThreadRepo implements repository.ThreadRepository using PostgreSQL.
type ThreadRepo struct{ db *DB }

// NewThreadRepo constructs a thread repository.
func NewThreadRepo(db *DB) *ThreadRepo { return &ThreadRepo{db: db} }

const threadCols = `thread_id, local_id, fence_id, last_eid, updated_at`

// Create inserts a thread and returns the allocated id.
func (r *ThreadRepo) Create(ctx context.Context, t *model.ThreadRecord) (int64, error) {
	const q = `INSERT INTO fence_threads (local_id, fence_id, last_eid) VALUES ($1,$2,$3) RETURNING thread_id`
	var id int64
	if err := r.db.Pool.QueryRow(ctx, q, t.LocalID, t.FenceID, t.LastEventID).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("thread for group %s: %w", t.LocalID, errs.ErrAlreadyExists)
		}
		return 0, err
	}
	return id, nil
}

// Get returns a thread by id.
func (r *ThreadRepo) Get(ctx context.Context, threadID int64) (*model.ThreadRecord, error) {
	q := `SELECT ` + threadCols + ` FROM fence_threads WHERE thread_id=$1`
	return scanThread(r.db.Pool.QueryRow(ctx, q, threadID))
}

// GetByLocalID returns the thread bound to a group.
func (r *ThreadRepo) GetByLocalID(ctx context.Context, id uuid.UUID) (*model.ThreadRecord, error) {
	q := `SELECT ` + threadCols + ` FROM fence_threads WHERE local_id=$1`
	return scanThread(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByFenceID returns the oldest thread bound to fid.
func (r *ThreadRepo) GetByFenceID(ctx context.Context, fid int64) (*model.ThreadRecord, error) {
	q := `SELECT ` + threadCols + ` FROM fence_threads WHERE fence_id=$1 AND fence_id>0 ORDER BY thread_id LIMIT 1`
	return scanThread(r.db.Pool.QueryRow(ctx, q, fid))
}

// SetFenceID rebinds a thread to fid.
func (r *ThreadRepo) SetFenceID(ctx context.Context, threadID, fid int64) error {
	const q = `UPDATE fence_threads SET fence_id=$2, updated_at=now() WHERE thread_id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, threadID, fid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// RaiseEventID moves last_eid forward for the thread bound to fid; it never lowers it.
func (r *ThreadRepo) RaiseEventID(ctx context.Context, fid, eid int64) error {
	const sel = `SELECT thread_id, last_eid FROM fence_threads WHERE fence_id=$1 ORDER BY thread_id LIMIT 1 FOR UPDATE`
	const upd = `UPDATE fence_threads SET last_eid=$2, updated_at=now() WHERE thread_id=$1`

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		var threadID, cur int64
		if err := tx.QueryRow(ctx, sel, fid).Scan(&threadID, &cur); err != nil {
			return notFound(err)
		}
		if eid <= cur {
			return nil
		}
		_, err := tx.Exec(ctx, upd, threadID, eid)
		return err
	})
}

// Delete removes a thread; its messages go with it (ON DELETE CASCADE).
func (r *ThreadRepo) Delete(ctx context.Context, threadID int64) error {
	const q = `DELETE FROM fence_threads WHERE thread_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, threadID)
	return err
}

// List returns a snapshot of all threads.
func (r *ThreadRepo) List(ctx context.Context) ([]model.ThreadRecord, error) {
	q := `SELECT ` + threadCols + ` FROM fence_threads ORDER BY thread_id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ThreadRecord
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanThread(row pgx.Row) (*model.ThreadRecord, error) {
	var t model.ThreadRecord
	if err := row.Scan(&t.ThreadID, &t.LocalID, &t.FenceID, &t.LastEventID, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}
