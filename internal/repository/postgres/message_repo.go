package postgres

import (
	"context"

	"github.com/and161185/fence-sync/internal/model"
)

// MessageRepo implements repository.MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// Insert stores a message and returns its id.
func (r *MessageRepo) Insert(ctx context.Context, m *model.MessageRecord) (int64, error) {
	const q = `
INSERT INTO fence_messages (thread_id, kind, command, sent_at, eid, body)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`
	var id int64
	err := r.db.Pool.QueryRow(ctx, q, m.ThreadID, string(m.Kind), m.Command, m.SentAt, m.EventID, m.Body).Scan(&id)
	return id, err
}

// DeletePending removes the placeholder of the request sent at sentAt.
func (r *MessageRepo) DeletePending(ctx context.Context, threadID, sentAt int64) (bool, error) {
	const q = `DELETE FROM fence_messages WHERE thread_id=$1 AND sent_at=$2 AND kind=$3`
	tag, err := r.db.Pool.Exec(ctx, q, threadID, sentAt, string(model.MessagePendingRequest))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// List returns a thread's messages in insertion order.
func (r *MessageRepo) List(ctx context.Context, threadID int64) ([]model.MessageRecord, error) {
	const q = `SELECT id, thread_id, kind, command, sent_at, eid, body FROM fence_messages WHERE thread_id=$1 ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, q, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MessageRecord
	for rows.Next() {
		var (
			m    model.MessageRecord
			kind string
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &kind, &m.Command, &m.SentAt, &m.EventID, &m.Body); err != nil {
			return nil, err
		}
		m.Kind = model.MessageKind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}
