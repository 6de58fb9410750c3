package inbound

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/service"
)

type fakeProcessor struct {
	mu   sync.Mutex
	envs []service.Envelope
}

var (
	_ Processor = (*fakeProcessor)(nil)
	_ Processor = (*service.Pipeline)(nil)
)

func (f *fakeProcessor) ProcessBatch(_ context.Context, envs []service.Envelope) []service.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, envs...)
	out := make([]service.Outcome, len(envs))
	for i := range envs {
		out[i].ID = envs[i].ID
	}
	return out
}

func newConsumer(t *testing.T, proc Processor) (*Consumer, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewConsumer(rdb, proc, Config{Stream: "fence-in", Group: "fenced", Consumer: "c1", Block: 10 * time.Millisecond}, nil)
	require.NoError(t, c.EnsureGroup(context.Background()))
	return c, rdb
}

func TestConsumer_EnsureGroupIdempotent(t *testing.T) {
	c, _ := newConsumer(t, &fakeProcessor{})
	require.NoError(t, c.EnsureGroup(context.Background()))
}

func TestConsumer_PollProcessesAndAcks(t *testing.T) {
	proc := &fakeProcessor{}
	c, rdb := newConsumer(t, proc)
	ctx := context.Background()

	payload := command.Encode(&command.Command{
		Header: command.Header{Kind: command.KindState, Arg: command.ArgSynced},
		Fences: []command.FenceSnapshot{{FenceID: 3}},
	})
	local := uuid.Must(uuid.NewV4())
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "fence-in",
		Values: map[string]any{FieldPayload: payload, FieldLocalID: local.String()},
	}).Err())
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "fence-in",
		Values: map[string]any{FieldPayload: payload, FieldLocalID: "not-a-uuid"},
	}).Err())

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Len(t, proc.envs, 2)
	require.Equal(t, payload, proc.envs[0].Payload)
	require.Equal(t, local, proc.envs[0].LocalID)
	require.Equal(t, uuid.Nil, proc.envs[1].LocalID)

	pending, err := rdb.XPending(ctx, "fence-in", "fenced").Result()
	require.NoError(t, err)
	require.Zero(t, pending.Count)

	n, err = c.Poll(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	c, _ := newConsumer(t, &fakeProcessor{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
