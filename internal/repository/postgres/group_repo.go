package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/model"
)

// GroupRepo implements repository.GroupRepository using PostgreSQL.
type GroupRepo struct{ db *DB }

// NewGroupRepo constructs a group repository.
func NewGroupRepo(db *DB) *GroupRepo { return &GroupRepo{db: db} }

const groupCols = `local_id, fence_id, cname, title, avatar_ref, owner_uid, max_members, kind, privacy_mode,
delivery_mode, join_mode, expire_timer_ms, members, invited, permissions, preferences, mode, active, owner_eid, updated_at`

// Create inserts a group; a duplicate fence id maps to errs.ErrAlreadyExists.
func (r *GroupRepo) Create(ctx context.Context, g *model.GroupRecord) error {
	const q = `
INSERT INTO fence_groups (local_id, fence_id, cname, title, avatar_ref, owner_uid, max_members, kind, privacy_mode,
  delivery_mode, join_mode, expire_timer_ms, members, invited, permissions, preferences, mode, active, owner_eid)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
	args, err := groupArgs(g)
	if err != nil {
		return err
	}
	if _, err := r.db.Pool.Exec(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("group fid=%d: %w", g.FenceID, errs.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// GetByFenceID returns the group bound to fid.
func (r *GroupRepo) GetByFenceID(ctx context.Context, fid int64) (*model.GroupRecord, error) {
	q := `SELECT ` + groupCols + ` FROM fence_groups WHERE fence_id=$1 AND fence_id>0`
	return scanGroup(r.db.Pool.QueryRow(ctx, q, fid))
}

// GetByCanonicalName returns the most recently updated group carrying cname.
func (r *GroupRepo) GetByCanonicalName(ctx context.Context, cname string) (*model.GroupRecord, error) {
	q := `SELECT ` + groupCols + ` FROM fence_groups WHERE cname=$1 ORDER BY updated_at DESC LIMIT 1`
	return scanGroup(r.db.Pool.QueryRow(ctx, q, cname))
}

// GetByLocalID returns the group with the given local id.
func (r *GroupRepo) GetByLocalID(ctx context.Context, id uuid.UUID) (*model.GroupRecord, error) {
	q := `SELECT ` + groupCols + ` FROM fence_groups WHERE local_id=$1`
	return scanGroup(r.db.Pool.QueryRow(ctx, q, id))
}

// Update overwrites every column of the group identified by g.LocalID.
func (r *GroupRepo) Update(ctx context.Context, g *model.GroupRecord) error {
	const q = `
UPDATE fence_groups SET fence_id=$2, cname=$3, title=$4, avatar_ref=$5, owner_uid=$6, max_members=$7, kind=$8,
  privacy_mode=$9, delivery_mode=$10, join_mode=$11, expire_timer_ms=$12, members=$13, invited=$14,
  permissions=$15, preferences=$16, mode=$17, active=$18, owner_eid=$19, updated_at=now()
WHERE local_id=$1`
	args, err := groupArgs(g)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("group fid=%d: %w", g.FenceID, errs.ErrAlreadyExists)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetMode updates only the lifecycle mode.
func (r *GroupRepo) SetMode(ctx context.Context, id uuid.UUID, mode model.Mode) error {
	const q = `UPDATE fence_groups SET mode=$2, updated_at=now() WHERE local_id=$1`
	return r.execOne(ctx, q, id, int(mode))
}

// SetActive updates only the active flag.
func (r *GroupRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	const q = `UPDATE fence_groups SET active=$2, updated_at=now() WHERE local_id=$1`
	return r.execOne(ctx, q, id, active)
}

// Delete removes the group; missing rows are ignored.
func (r *GroupRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM fence_groups WHERE local_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}

// List returns all groups ordered by fence id.
func (r *GroupRepo) List(ctx context.Context) ([]model.GroupRecord, error) {
	q := `SELECT ` + groupCols + ` FROM fence_groups ORDER BY fence_id, local_id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GroupRecord
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (r *GroupRepo) execOne(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func groupArgs(g *model.GroupRecord) ([]any, error) {
	perms, err := jsonObject(g.Permissions)
	if err != nil {
		return nil, fmt.Errorf("permissions: %w", err)
	}
	prefs, err := jsonObject(g.Preferences)
	if err != nil {
		return nil, fmt.Errorf("preferences: %w", err)
	}
	return []any{
		g.LocalID, g.FenceID, g.CanonicalName, g.Title, g.AvatarRef, g.OwnerUserID, g.MaxMembers,
		int(g.Kind), int(g.PrivacyMode), int(g.DeliveryMode), int(g.JoinMode), g.ExpireTimerMillis,
		g.Members.Strings(), g.InvitedMembers.Strings(), perms, prefs, int(g.Mode), g.Active, g.OwnerEventID,
	}, nil
}

func scanGroup(row pgx.Row) (*model.GroupRecord, error) {
	var (
		g                                   model.GroupRecord
		kind, privacy, delivery, join, mode int
		members, invited                    []string
		perms, prefs                        []byte
	)
	err := row.Scan(&g.LocalID, &g.FenceID, &g.CanonicalName, &g.Title, &g.AvatarRef, &g.OwnerUserID,
		&g.MaxMembers, &kind, &privacy, &delivery, &join, &g.ExpireTimerMillis, &members, &invited,
		&perms, &prefs, &mode, &g.Active, &g.OwnerEventID, &g.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	g.Kind = model.GroupKind(kind)
	g.PrivacyMode = model.PrivacyMode(privacy)
	g.DeliveryMode = model.DeliveryMode(delivery)
	g.JoinMode = model.JoinMode(join)
	g.Mode = model.Mode(mode)
	g.Members = model.NewUserSet(members...)
	g.InvitedMembers = model.NewUserSet(invited...)
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &g.Permissions); err != nil {
			return nil, fmt.Errorf("permissions: %w", err)
		}
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &g.Preferences); err != nil {
			return nil, fmt.Errorf("preferences: %w", err)
		}
	}
	return &g, nil
}

// jsonObject encodes a map column, writing {} for nil maps.
func jsonObject[K comparable, V any](m map[K]V) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
