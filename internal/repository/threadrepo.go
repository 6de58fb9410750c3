package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fence-sync/internal/model"
)

// ThreadRepository persists conversation threads, at most one per group.
type ThreadRepository interface {
	// Create inserts a thread and returns its allocated id.
	Create(ctx context.Context, t *model.ThreadRecord) (int64, error)

	Get(ctx context.Context, threadID int64) (*model.ThreadRecord, error)
	GetByLocalID(ctx context.Context, id uuid.UUID) (*model.ThreadRecord, error)
	GetByFenceID(ctx context.Context, fid int64) (*model.ThreadRecord, error)

	// SetFenceID rebinds a thread to a fence id.
	SetFenceID(ctx context.Context, threadID, fid int64) error

	// RaiseEventID sets the last applied event id of the thread bound to fid
	// to max(current, eid).
	RaiseEventID(ctx context.Context, fid, eid int64) error

	// Delete removes the thread together with its messages.
	Delete(ctx context.Context, threadID int64) error

	// List returns a snapshot of every thread ordered by thread id.
	List(ctx context.Context) ([]model.ThreadRecord, error)
}
