// Package resolve maps the identifiers carried by a fence command onto a
// local group record.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/model"
	"github.com/and161185/fence-sync/internal/repository"
)

// Resolver finds the group a command refers to.
type Resolver struct {
	groups repository.GroupRepository
	log    *zap.Logger
}

// New constructs a Resolver.
func New(groups repository.GroupRepository, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{groups: groups, log: log}
}

// Identities lists the strategies that apply to f, in resolution order:
// fence id, canonical name, then the pinned identity (may be nil).
func Identities(f *command.FenceSnapshot, pinned model.Identity) []model.Identity {
	var ids []model.Identity
	if f != nil && f.FenceID > 0 {
		ids = append(ids, model.ByFenceID(f.FenceID))
	}
	if f != nil && f.Cname() != "" {
		ids = append(ids, model.ByCanonicalName(f.Cname()))
	}
	if pinned != nil {
		ids = append(ids, pinned)
	}
	return ids
}

// Resolve returns the first group matched by Identities(f, pinned).
// It fails with errs.ErrMissingIdentity when no strategy applies and with
// errs.ErrUnresolvableIdentity when none matches.
func (r *Resolver) Resolve(ctx context.Context, f *command.FenceSnapshot, pinned model.Identity) (*model.GroupRecord, error) {
	ids := Identities(f, pinned)
	if len(ids) == 0 {
		return nil, errs.ErrMissingIdentity
	}
	for _, id := range ids {
		g, err := r.Lookup(ctx, id)
		switch {
		case err == nil:
			return g, nil
		case errors.Is(err, errs.ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	r.log.Debug("group unknown locally", zap.Stringers("tried", ids))
	return nil, fmt.Errorf("%v: %w", ids, errs.ErrUnresolvableIdentity)
}

// Lookup resolves a single identity.
func (r *Resolver) Lookup(ctx context.Context, id model.Identity) (*model.GroupRecord, error) {
	switch v := id.(type) {
	case model.ByFenceID:
		return r.groups.GetByFenceID(ctx, int64(v))
	case model.ByCanonicalName:
		return r.groups.GetByCanonicalName(ctx, string(v))
	case model.ByLocalID:
		return r.groups.GetByLocalID(ctx, uuid.UUID(v))
	default:
		return nil, fmt.Errorf("identity %T: %w", id, errs.ErrNotFound)
	}
}
