package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/events"
	"github.com/and161185/fence-sync/internal/model"
	"github.com/and161185/fence-sync/internal/reconcile"
	"github.com/and161185/fence-sync/internal/repository/memory"
	"github.com/and161185/fence-sync/internal/resolve"
)

type fakeApplier struct {
	mu      sync.Mutex
	seen    map[int64][]int64 // fid -> eids in apply order
	pinned  []model.Identity
	panicOn int64
	errOn   int64
}

var _ Applier = (*fakeApplier)(nil)

func (f *fakeApplier) Apply(_ context.Context, cmd *command.Command, pinned model.Identity) (reconcile.Result, error) {
	eid := cmd.Header.EventID
	if eid == f.panicOn && eid != 0 {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[int64][]int64)
	}
	fid := cmd.Fence().FenceID
	f.seen[fid] = append(f.seen[fid], eid)
	f.pinned = append(f.pinned, pinned)
	if eid == f.errOn && eid != 0 {
		return reconcile.Result{}, errors.New("store down")
	}
	return reconcile.Result{Outcome: reconcile.OutcomeApplied}, nil
}

func envelope(id string, fid, eid int64) Envelope {
	return Envelope{
		ID: id,
		Payload: command.Encode(&command.Command{
			Header: command.Header{Kind: command.KindState, Arg: command.ArgSynced, EventID: eid},
			Fences: []command.FenceSnapshot{{FenceID: fid}},
		}),
	}
}

func TestPipeline_ProcessAppliesCommand(t *testing.T) {
	store := memory.New()
	bus := events.NewRecorder()
	rec := reconcile.New(reconcile.Deps{
		Groups:   store.Groups(),
		Threads:  store.Threads(),
		Messages: store.Messages(),
		Bus:      bus,
		Notifier: bus,
		Self:     "me",
	})
	p := NewPipeline(rec, resolve.New(store.Groups(), nil), 4, nil)

	payload := command.Encode(&command.Command{
		Header: command.Header{Kind: command.KindJoin, Arg: command.ArgAccepted, EventID: 3},
		Fences: []command.FenceSnapshot{{
			FenceID:       12,
			Title:         command.Ptr("Crew"),
			CanonicalName: command.Ptr("12:Crew"),
			Members:       []string{"me", "u1"},
		}},
	})
	res, err := p.Process(context.Background(), Envelope{ID: "1-0", Payload: payload})
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeStored, res.Outcome)

	g, err := store.Groups().GetByFenceID(context.Background(), 12)
	require.NoError(t, err)
	require.Equal(t, model.ModeJoinAccepted, g.Mode)
	require.Equal(t, model.UserSet{"me", "u1"}, g.Members)
	require.Zero(t, p.locks.size())
}

func TestPipeline_ProcessDecodeError(t *testing.T) {
	f := &fakeApplier{}
	p := NewPipeline(f, nil, 1, nil)

	_, err := p.Process(context.Background(), Envelope{ID: "bad", Payload: []byte{0xff}})
	require.ErrorIs(t, err, errs.ErrDecode)
	require.Empty(t, f.seen)
}

func TestPipeline_ProcessRecoversPanic(t *testing.T) {
	f := &fakeApplier{panicOn: 9}
	p := NewPipeline(f, nil, 1, nil)

	_, err := p.Process(context.Background(), envelope("x", 1, 9))
	require.ErrorContains(t, err, "panic: boom")
	require.Zero(t, p.locks.size())

	_, err = p.Process(context.Background(), envelope("y", 1, 10))
	require.NoError(t, err)
}

func TestPipeline_ProcessPinsLocalID(t *testing.T) {
	f := &fakeApplier{}
	p := NewPipeline(f, nil, 1, nil)
	id := uuid.Must(uuid.NewV4())

	env := envelope("x", 1, 1)
	env.LocalID = id
	_, err := p.Process(context.Background(), env)
	require.NoError(t, err)
	_, err = p.Process(context.Background(), envelope("y", 1, 2))
	require.NoError(t, err)

	require.Equal(t, []model.Identity{model.ByLocalID(id), nil}, f.pinned)
}

func TestPipeline_ProcessBatch(t *testing.T) {
	f := &fakeApplier{panicOn: 5, errOn: 6}
	p := NewPipeline(f, nil, 3, nil)

	envs := []Envelope{
		envelope("a", 1, 1),
		envelope("b", 2, 1),
		envelope("c", 1, 2),
		{ID: "d", Payload: []byte{0xff}},
		envelope("e", 3, 5),
		envelope("f", 2, 6),
		envelope("g", 1, 3),
		envelope("h", 2, 7),
	}
	out := p.ProcessBatch(context.Background(), envs)
	require.Len(t, out, len(envs))

	for i, o := range out {
		require.Equal(t, envs[i].ID, o.ID)
		switch o.ID {
		case "d":
			require.ErrorIs(t, o.Err, errs.ErrDecode)
		case "e":
			require.ErrorContains(t, o.Err, "panic")
		case "f":
			require.ErrorContains(t, o.Err, "store down")
		default:
			require.NoError(t, o.Err)
			require.Equal(t, reconcile.OutcomeApplied, o.Result.Outcome)
		}
	}

	require.Equal(t, []int64{1, 2, 3}, f.seen[1])
	require.Equal(t, []int64{1, 6, 7}, f.seen[2])
	require.Zero(t, p.locks.size())
}

func TestLockKey(t *testing.T) {
	id := uuid.Must(uuid.NewV4())
	tests := []struct {
		name  string
		fence command.FenceSnapshot
		local uuid.UUID
		want  string
	}{
		{"fence id", command.FenceSnapshot{FenceID: 4, CanonicalName: command.Ptr("4:a")}, id, "fid:4"},
		{"canonical name", command.FenceSnapshot{CanonicalName: command.Ptr("4:a")}, id, "cname:4:a"},
		{"local id", command.FenceSnapshot{}, id, "local:" + id.String()},
		{"nothing", command.FenceSnapshot{}, uuid.Nil, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd := &command.Command{Fences: []command.FenceSnapshot{tc.fence}}
			require.Equal(t, tc.want, lockKey(cmd, tc.local))
		})
	}
}

// serialApplier records how many applies overlap.
type serialApplier struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	eids     []int64
}

func (a *serialApplier) Apply(_ context.Context, cmd *command.Command, _ model.Identity) (reconcile.Result, error) {
	a.mu.Lock()
	a.inFlight++
	a.peak = max(a.peak, a.inFlight)
	a.eids = append(a.eids, cmd.Header.EventID)
	a.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	a.mu.Lock()
	a.inFlight--
	a.mu.Unlock()
	return reconcile.Result{Outcome: reconcile.OutcomeApplied}, nil
}

// crew seeds fid 7 and returns a pipeline resolving against it.
func crew(t *testing.T, rec Applier, workers int) (*Pipeline, uuid.UUID) {
	t.Helper()
	store := memory.New()
	g := &model.GroupRecord{LocalID: model.NewLocalID(), FenceID: 7, CanonicalName: "7:Crew", Title: "Crew", Mode: model.ModeJoinSynced, Active: true}
	require.NoError(t, store.Groups().Create(context.Background(), g))
	return NewPipeline(rec, resolve.New(store.Groups(), nil), workers, nil), g.LocalID
}

func mixedEnvelope(id string, eid int64, local uuid.UUID) Envelope {
	var f command.FenceSnapshot
	switch eid % 3 {
	case 0:
		f.FenceID = 7
	case 1:
		f.CanonicalName = command.Ptr("7:Crew")
	}
	env := Envelope{
		ID: id,
		Payload: command.Encode(&command.Command{
			Header: command.Header{Kind: command.KindState, Arg: command.ArgSynced, EventID: eid},
			Fences: []command.FenceSnapshot{f},
		}),
	}
	if eid%3 == 2 {
		env.LocalID = local
	}
	return env
}

func TestPipeline_ProcessBatchSerializesIdentityForms(t *testing.T) {
	a := &serialApplier{}
	p, local := crew(t, a, 4)

	var envs []Envelope
	for eid := int64(1); eid <= 6; eid++ {
		envs = append(envs, mixedEnvelope(strconv.FormatInt(eid, 10), eid, local))
	}
	out := p.ProcessBatch(context.Background(), envs)
	for _, o := range out {
		require.NoError(t, o.Err)
	}

	require.Equal(t, []int64{1, 2, 3, 4, 5, 6}, a.eids)
	require.Equal(t, 1, a.peak)
	require.Zero(t, p.locks.size())
}

func TestPipeline_ProcessSerializesIdentityForms(t *testing.T) {
	a := &serialApplier{}
	p, local := crew(t, a, 1)

	var wg sync.WaitGroup
	errc := make(chan error, 9)
	for eid := int64(1); eid <= 9; eid++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(context.Background(), mixedEnvelope("x", eid, local))
			errc <- err
		}()
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		require.NoError(t, err)
	}

	require.Len(t, a.eids, 9)
	require.Equal(t, 1, a.peak)
	require.Zero(t, p.locks.size())
}

func TestPipeline_LockKeys(t *testing.T) {
	p, local := crew(t, &serialApplier{}, 1)
	ctx := context.Background()
	keysOf := func(env Envelope) []string {
		cmd, err := command.Decode(env.Payload)
		require.NoError(t, err)
		return p.lockKeys(ctx, cmd, env.LocalID)
	}

	want := []string{"cname:7:Crew", "fid:7", "local:" + local.String()}
	for eid := int64(0); eid < 3; eid++ {
		require.Equal(t, want, keysOf(mixedEnvelope("x", eid, local)))
	}

	byFID := keysOf(envelope("x", 8, 1))
	require.Equal(t, []string{"fid:8", keyNew}, byFID)
}
