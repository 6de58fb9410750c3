package resolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/model"
	"github.com/and161185/fence-sync/internal/repository/memory"
)

func seed(t *testing.T) (*Resolver, *model.GroupRecord, *model.GroupRecord) {
	t.Helper()
	groups := memory.New().Groups()
	byFid := &model.GroupRecord{LocalID: model.NewLocalID(), FenceID: 10, CanonicalName: "10:a"}
	byName := &model.GroupRecord{LocalID: model.NewLocalID(), CanonicalName: "20:b"}
	require.NoError(t, groups.Create(context.Background(), byFid))
	require.NoError(t, groups.Create(context.Background(), byName))
	return New(groups, nil), byFid, byName
}

func TestResolve_Order(t *testing.T) {
	t.Parallel()
	r, byFid, byName := seed(t)
	ctx := context.Background()

	// fid wins over a cname that points elsewhere
	g, err := r.Resolve(ctx, &command.FenceSnapshot{FenceID: 10, CanonicalName: command.Ptr("20:b")}, nil)
	require.NoError(t, err)
	require.Equal(t, byFid.LocalID, g.LocalID)

	// unknown fid falls back to cname
	g, err = r.Resolve(ctx, &command.FenceSnapshot{FenceID: 99, CanonicalName: command.Ptr("20:b")}, nil)
	require.NoError(t, err)
	require.Equal(t, byName.LocalID, g.LocalID)

	// pinned local id is the last resort
	g, err = r.Resolve(ctx, &command.FenceSnapshot{FenceID: 99}, model.ByLocalID(byName.LocalID))
	require.NoError(t, err)
	require.Equal(t, byName.LocalID, g.LocalID)
}

func TestResolve_Unknown(t *testing.T) {
	t.Parallel()
	r, _, _ := seed(t)

	_, err := r.Resolve(context.Background(), &command.FenceSnapshot{FenceID: 99, CanonicalName: command.Ptr("99:z")}, nil)
	require.ErrorIs(t, err, errs.ErrUnresolvableIdentity)
}

func TestResolve_NoIdentity(t *testing.T) {
	t.Parallel()
	r, _, _ := seed(t)

	_, err := r.Resolve(context.Background(), &command.FenceSnapshot{}, nil)
	require.ErrorIs(t, err, errs.ErrMissingIdentity)
	_, err = r.Resolve(context.Background(), nil, nil)
	require.ErrorIs(t, err, errs.ErrMissingIdentity)
}

func TestIdentities(t *testing.T) {
	t.Parallel()

	ids := Identities(&command.FenceSnapshot{FenceID: 3, CanonicalName: command.Ptr("3:x")}, model.ByFenceID(4))
	require.Equal(t, []model.Identity{model.ByFenceID(3), model.ByCanonicalName("3:x"), model.ByFenceID(4)}, ids)
}
