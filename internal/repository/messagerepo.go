package repository

import (
	"context"

	"github.com/and161185/fence-sync/internal/model"
)

// MessageRepository persists conversation entries and pending-request placeholders.
type MessageRepository interface {
	// Insert stores m and returns its id.
	Insert(ctx context.Context, m *model.MessageRecord) (int64, error)

	// DeletePending removes the placeholder of the request sent at sentAt.
	// It reports whether a placeholder was found.
	DeletePending(ctx context.Context, threadID, sentAt int64) (bool, error)

	// List returns the thread's messages in insertion order.
	List(ctx context.Context, threadID int64) ([]model.MessageRecord, error)
}
