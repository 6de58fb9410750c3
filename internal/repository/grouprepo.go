// Package repository declares the persistence contracts of the fence stores.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fence-sync/internal/model"
)

// GroupRepository persists group records. Lookups return errs.ErrNotFound
// when nothing matches.
type GroupRepository interface {
	// Create inserts a new record. A second record for the same non-zero
	// fence id fails with errs.ErrAlreadyExists.
	Create(ctx context.Context, g *model.GroupRecord) error

	GetByFenceID(ctx context.Context, fid int64) (*model.GroupRecord, error)
	GetByCanonicalName(ctx context.Context, cname string) (*model.GroupRecord, error)
	GetByLocalID(ctx context.Context, id uuid.UUID) (*model.GroupRecord, error)

	// Update overwrites the record identified by g.LocalID.
	Update(ctx context.Context, g *model.GroupRecord) error

	// SetMode and SetActive are targeted single-field mutations.
	SetMode(ctx context.Context, id uuid.UUID, mode model.Mode) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error

	// Delete removes the record; deleting a missing record is not an error.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns every record ordered by fence id.
	List(ctx context.Context) ([]model.GroupRecord, error)
}
