package bulksync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/model"
	"github.com/and161185/fence-sync/internal/outbound"
	"github.com/and161185/fence-sync/internal/repository"
	"github.com/and161185/fence-sync/internal/repository/memory"
)

var _ Requester = (*outbound.Builder)(nil)

type fixture struct {
	store *memory.Store
	sent  *outbound.Recorder
	e     *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{store: memory.New(), sent: outbound.NewRecorder()}
	b := outbound.NewBuilder(fx.sent, fx.store.Groups(), fx.store.Threads(), fx.store.Messages(), nil, "me", nil)
	fx.e = New(fx.store.Groups(), fx.store.Threads(), b, "me", nil)
	return fx
}

// seed stores g and, when eid >= 0, a thread bound to it with that event id.
func (fx *fixture) seed(t *testing.T, g *model.GroupRecord, eid int64) int64 {
	t.Helper()
	ctx := context.Background()
	g.LocalID = model.NewLocalID()
	require.NoError(t, fx.store.Groups().Create(ctx, g))
	if eid < 0 {
		return 0
	}
	tid, err := fx.store.Threads().Create(ctx, &model.ThreadRecord{LocalID: g.LocalID, FenceID: g.FenceID})
	require.NoError(t, err)
	if eid > 0 {
		require.NoError(t, fx.store.Threads().RaiseEventID(ctx, g.FenceID, eid))
	}
	return tid
}

func (fx *fixture) group(t *testing.T, fid int64) *model.GroupRecord {
	t.Helper()
	g, err := fx.store.Groups().GetByFenceID(context.Background(), fid)
	require.NoError(t, err)
	return g
}

func named(fid int64, title string) command.FenceSnapshot {
	return command.FenceSnapshot{
		FenceID:       fid,
		Title:         command.Ptr(title),
		CanonicalName: command.Ptr("x:" + title),
	}
}

func TestMissingInvitedCreatesInvitation(t *testing.T) {
	for name, run := range map[string]func(*Engine, []command.FenceSnapshot) (Report, error){
		"members pass": func(e *Engine, s []command.FenceSnapshot) (Report, error) {
			return e.SyncFences(context.Background(), s)
		},
		"invited pass": func(e *Engine, s []command.FenceSnapshot) (Report, error) {
			return e.SyncInvitedFences(context.Background(), s)
		},
	} {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t)
			s := named(55, "Team")
			s.Invited = true

			rep, err := run(fx.e, []command.FenceSnapshot{s})
			require.NoError(t, err)

			g := fx.group(t, 55)
			require.Equal(t, model.ModeInvitation, g.Mode)
			require.Equal(t, []string{"INVITE/SYNCED"}, fx.sent.Labels())
			require.Equal(t, 1, rep.Missing)
			require.Equal(t, 1, rep.Created)

			th, err := fx.store.Threads().GetByFenceID(context.Background(), 55)
			require.NoError(t, err)
			require.Equal(t, g.LocalID, th.LocalID)
		})
	}
}

func TestLocalOnlyInactiveIsDeleted(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tid := fx.seed(t, &model.GroupRecord{FenceID: 77, Title: "Old", Mode: model.ModeLeaveAccepted}, 3)

	rep, err := fx.e.SyncFences(ctx, nil)
	require.NoError(t, err)

	_, err = fx.store.Threads().Get(ctx, tid)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = fx.store.Groups().GetByFenceID(ctx, 77)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Empty(t, fx.sent.Sent())
	require.Equal(t, 1, rep.Deleted)
}

func TestLocalOnlyActiveRequestsJoinSync(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, &model.GroupRecord{FenceID: 8, Title: "A", Mode: model.ModeJoinSynced, Active: true}, 0)
	fx.seed(t, &model.GroupRecord{FenceID: 9, Title: "B", Mode: model.ModeInvitation, Active: true}, 0)

	rep, err := fx.e.SyncFences(context.Background(), nil)
	require.NoError(t, err)

	sent := fx.sent.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "JOIN/SYNCED", sent[0].Command.Label())
	require.Equal(t, int64(8), sent[0].Command.Fence().FenceID)
	require.Equal(t, 1, rep.Resynced)
	require.Equal(t, model.ModeInvitation, fx.group(t, 9).Mode)
}

func TestProcessed(t *testing.T) {
	tests := []struct {
		name       string
		group      model.GroupRecord
		threadEID  int64
		server     command.FenceSnapshot
		wantMode   model.Mode
		wantActive bool
		wantSent   []string
	}{
		{
			name:       "up to date",
			group:      model.GroupRecord{FenceID: 1, Mode: model.ModeJoinSynced, Active: true},
			threadEID:  10,
			server:     command.FenceSnapshot{FenceID: 1, EventID: 10},
			wantMode:   model.ModeJoinSynced,
			wantActive: true,
			wantSent:   []string{},
		},
		{
			name:       "newer event reactivates and resyncs",
			group:      model.GroupRecord{FenceID: 1, Mode: model.ModeJoinSynced},
			threadEID:  10,
			server:     command.FenceSnapshot{FenceID: 1, EventID: 11},
			wantMode:   model.ModeJoinSynced,
			wantActive: true,
			wantSent:   []string{"STATE/SYNCED"},
		},
		{
			name:       "invitation accepted elsewhere",
			group:      model.GroupRecord{FenceID: 1, Mode: model.ModeGeoInvite, Active: true},
			server:     command.FenceSnapshot{FenceID: 1},
			wantMode:   model.ModeInvitationJoinAccepted,
			wantActive: true,
			wantSent:   []string{},
		},
		{
			name:       "unknown mode repaired",
			group:      model.GroupRecord{FenceID: 1, Mode: model.Mode(99), Active: true},
			server:     command.FenceSnapshot{FenceID: 1},
			wantMode:   model.ModeJoinAccepted,
			wantActive: true,
			wantSent:   []string{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			g := tc.group
			fx.seed(t, &g, tc.threadEID)

			rep, err := fx.e.SyncFences(context.Background(), []command.FenceSnapshot{tc.server})
			require.NoError(t, err)
			require.Equal(t, 1, rep.Processed)

			got := fx.group(t, 1)
			require.Equal(t, tc.wantMode, got.Mode)
			require.Equal(t, tc.wantActive, got.Active)
			require.Equal(t, tc.wantSent, fx.sent.Labels())
		})
	}
}

func TestMissingMember(t *testing.T) {
	t.Run("inactive group without thread leaves", func(t *testing.T) {
		fx := newFixture(t)
		fx.seed(t, &model.GroupRecord{FenceID: 3, Title: "A", Mode: model.ModeLeaveAccepted}, -1)

		rep, err := fx.e.SyncFences(context.Background(), []command.FenceSnapshot{{FenceID: 3}})
		require.NoError(t, err)
		require.Equal(t, []string{"LEAVE/NONE"}, fx.sent.Labels())
		require.Equal(t, 1, rep.Left)
		require.Equal(t, model.ModeLeaveNotConfirmed, fx.group(t, 3).Mode)
	})

	t.Run("active group without thread join syncs", func(t *testing.T) {
		fx := newFixture(t)
		fx.seed(t, &model.GroupRecord{FenceID: 3, Title: "A", Mode: model.ModeJoinAccepted, Active: true}, -1)

		_, err := fx.e.SyncFences(context.Background(), []command.FenceSnapshot{{FenceID: 3}})
		require.NoError(t, err)
		require.Equal(t, []string{"JOIN/SYNCED"}, fx.sent.Labels())
	})

	t.Run("unknown fence with name is created", func(t *testing.T) {
		fx := newFixture(t)

		rep, err := fx.e.SyncFences(context.Background(), []command.FenceSnapshot{named(4, "New")})
		require.NoError(t, err)
		require.Equal(t, []string{"JOIN/SYNCED"}, fx.sent.Labels())
		require.Equal(t, model.ModeJoinSynced, fx.group(t, 4).Mode)
		require.Equal(t, 1, rep.Created)
	})

	t.Run("unknown fence without name leaves", func(t *testing.T) {
		fx := newFixture(t)

		_, err := fx.e.SyncFences(context.Background(), []command.FenceSnapshot{{FenceID: 5}})
		require.NoError(t, err)
		sent := fx.sent.Sent()
		require.Len(t, sent, 1)
		require.Equal(t, "LEAVE/NONE", sent[0].Command.Label())
		require.Equal(t, model.ByFenceID(5), sent[0].To)
	})

	t.Run("stale group with same name is replaced", func(t *testing.T) {
		fx := newFixture(t)
		ctx := context.Background()
		stale := &model.GroupRecord{CanonicalName: "x:New", Title: "New", Mode: model.ModeNotConfirmed}
		fx.seed(t, stale, -1)

		rep, err := fx.e.SyncFences(ctx, []command.FenceSnapshot{named(6, "New")})
		require.NoError(t, err)
		require.Equal(t, 1, rep.Deleted)

		_, err = fx.store.Groups().GetByLocalID(ctx, stale.LocalID)
		require.ErrorIs(t, err, errs.ErrNotFound)
		require.Equal(t, "x:New", fx.group(t, 6).CanonicalName)
	})
}

func TestInvitedPassWithdrawnInvitation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tid := fx.seed(t, &model.GroupRecord{FenceID: 20, Title: "Inv", Mode: model.ModeInvitation, Active: true}, 0)
	fx.seed(t, &model.GroupRecord{FenceID: 21, Title: "Kept", Mode: model.ModeInvitation, Active: true}, 0)
	fx.seed(t, &model.GroupRecord{FenceID: 22, Title: "Member", Mode: model.ModeJoinSynced, Active: true}, 0)

	rep, err := fx.e.SyncInvitedFences(ctx, []command.FenceSnapshot{{FenceID: 21}})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Processed)
	require.Equal(t, 1, rep.Deleted)
	require.Empty(t, fx.sent.Sent())

	_, err = fx.store.Threads().Get(ctx, tid)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = fx.store.Groups().GetByFenceID(ctx, 20)
	require.ErrorIs(t, err, errs.ErrNotFound)
	fx.group(t, 21)
	fx.group(t, 22)
}

func TestInvitedPassExistingGroup(t *testing.T) {
	for name, mode := range map[string]model.Mode{
		"inactive": model.ModeLeaveAccepted,
		"active":   model.ModeJoinSynced,
	} {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t)
			fx.seed(t, &model.GroupRecord{FenceID: 90, Title: "Old", Mode: mode, Active: mode.AcceptsSync()}, -1)

			rep, err := fx.e.Run(context.Background(), nil, []command.FenceSnapshot{named(90, "Old")})
			require.NoError(t, err)
			require.Equal(t, []string{"INVITE/SYNCED"}, fx.sent.Labels())
			require.Equal(t, Report{Missing: 1, Resynced: 1}, rep)
			require.Equal(t, mode, fx.group(t, 90).Mode)
		})
	}
}

type conflictingGroups struct{ repository.GroupRepository }

func (conflictingGroups) Create(context.Context, *model.GroupRecord) error {
	return fmt.Errorf("group: %w", errs.ErrAlreadyExists)
}

func TestInvitationConflictDoesNotAbort(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tid := fx.seed(t, &model.GroupRecord{FenceID: 60, Title: "Gone", Mode: model.ModeInvitation, Active: true}, 0)

	e := New(conflictingGroups{fx.store.Groups()}, fx.store.Threads(), fx.e.req, "me", nil)
	rep, err := e.SyncInvitedFences(ctx, []command.FenceSnapshot{named(61, "Dup"), named(62, "Other")})
	require.NoError(t, err)
	require.Equal(t, Report{Missing: 2, Left: 2, Deleted: 1}, rep)
	require.Equal(t, []string{"LEAVE/NONE", "LEAVE/NONE"}, fx.sent.Labels())

	_, err = fx.store.Threads().Get(ctx, tid)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestOrphanThreadRemoved(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tid, err := fx.store.Threads().Create(ctx, &model.ThreadRecord{LocalID: model.NewLocalID(), FenceID: 30})
	require.NoError(t, err)

	rep, err := fx.e.SyncFences(ctx, []command.FenceSnapshot{named(30, "Back")})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Missing)
	require.Equal(t, []string{"JOIN/SYNCED"}, fx.sent.Labels())

	_, err = fx.store.Threads().Get(ctx, tid)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

type throttled struct{ Requester }

func (throttled) StateSync(context.Context, int64) (int64, error) { return 0, errs.ErrRateLimited }

type failing struct{ Requester }

func (failing) JoinSyncExisting(context.Context, *model.GroupRecord) (int64, error) {
	return 0, errors.New("offline")
}

func TestRequestFailuresDoNotAbort(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, &model.GroupRecord{FenceID: 1, Mode: model.ModeJoinSynced, Active: true}, 1)
	fx.seed(t, &model.GroupRecord{FenceID: 2, Mode: model.ModeJoinSynced, Active: true}, 1)

	e := New(fx.store.Groups(), fx.store.Threads(), failing{throttled{fx.e.req}}, "me", nil)
	rep, err := e.SyncFences(context.Background(), []command.FenceSnapshot{{FenceID: 1, EventID: 5}})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Processed)
	require.Zero(t, rep.Resynced)
	require.Empty(t, fx.sent.Sent())
}

func TestRunSumsPasses(t *testing.T) {
	fx := newFixture(t)
	inv := named(41, "Inv")

	rep, err := fx.e.Run(context.Background(), []command.FenceSnapshot{named(40, "Mem")}, []command.FenceSnapshot{inv})
	require.NoError(t, err)
	require.Equal(t, Report{Missing: 2, Created: 2, Resynced: 2}, rep)
	require.Equal(t, []string{"JOIN/SYNCED", "INVITE/SYNCED"}, fx.sent.Labels())
	require.Equal(t, model.ModeInvitation, fx.group(t, 41).Mode)
}
