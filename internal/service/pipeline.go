// Package service runs inbound fence commands through the reconciler.
package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/model"
	"github.com/and161185/fence-sync/internal/reconcile"
)

// Applier reconciles one decoded command.
type Applier interface {
	Apply(ctx context.Context, cmd *command.Command, pinned model.Identity) (reconcile.Result, error)
}

// Locator finds the local group a command addresses without mutating anything.
type Locator interface {
	Resolve(ctx context.Context, f *command.FenceSnapshot, pinned model.Identity) (*model.GroupRecord, error)
}

// maxRelock bounds how often apply re-takes its locks when the group a
// command resolves to changes while it waits.
const maxRelock = 4

// Envelope is one inbound command as handed over by the transport.
type Envelope struct {
	ID      string    // transport message id, used in logs and acks
	Payload []byte    // encoded command
	LocalID uuid.UUID // local group the envelope arrived on, uuid.Nil if none
}

// Outcome is the result of processing one envelope.
type Outcome struct {
	ID     string
	Result reconcile.Result
	Err    error
}

// Pipeline decodes envelopes and applies them one at a time per group.
// Different groups run concurrently.
type Pipeline struct {
	rec     Applier
	loc     Locator
	locks   *keyedMutex
	workers int
	log     *zap.Logger
}

// NewPipeline constructs a Pipeline. loc maps every identity form of a known
// group (fence id, canonical name, local id) onto one lock; with a nil loc
// commands are keyed on the identity they carry. workers bounds concurrent
// fences in ProcessBatch; values below 1 mean 1.
func NewPipeline(rec Applier, loc Locator, workers int, log *zap.Logger) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{rec: rec, loc: loc, locks: newKeyedMutex(), workers: workers, log: log}
}

// Process decodes and reconciles a single envelope. Decode failures and
// recovered panics are returned as errors; nothing is mutated for them.
func (p *Pipeline) Process(ctx context.Context, env Envelope) (reconcile.Result, error) {
	cmd, err := command.Decode(env.Payload)
	if err != nil {
		p.log.Warn("undecodable command dropped", zap.String("id", env.ID), zap.Error(err))
		return reconcile.Result{}, fmt.Errorf("decode %s: %w", env.ID, err)
	}
	return p.apply(ctx, env, cmd)
}

// ProcessBatch reconciles envs and returns one outcome per envelope in input
// order. Envelopes for the same fence keep their relative order. A failing
// envelope never stops the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, envs []Envelope) []Outcome {
	out := make([]Outcome, len(envs))
	cmds := make([]*command.Command, len(envs))

	var (
		order  []string
		queues = make(map[string][]int)
	)
	for i, env := range envs {
		out[i].ID = env.ID
		cmd, err := command.Decode(env.Payload)
		if err != nil {
			p.log.Warn("undecodable command dropped", zap.String("id", env.ID), zap.Error(err))
			out[i].Err = fmt.Errorf("decode %s: %w", env.ID, err)
			continue
		}
		cmds[i] = cmd
		k := p.queueKey(ctx, cmd, env.LocalID)
		if _, ok := queues[k]; !ok {
			order = append(order, k)
		}
		queues[k] = append(queues[k], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, k := range order {
		idx := queues[k]
		g.Go(func() error {
			for _, i := range idx {
				out[i].Result, out[i].Err = p.apply(gctx, envs[i], cmds[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Pipeline) apply(ctx context.Context, env Envelope, cmd *command.Command) (res reconcile.Result, err error) {
	var pinned model.Identity
	if env.LocalID != uuid.Nil {
		pinned = model.ByLocalID(env.LocalID)
	}

	unlock := p.lock(ctx, env, cmd)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
				zap.String("id", env.ID),
				zap.String("cmd", cmd.Label()),
			)
			res, err = reconcile.Result{}, fmt.Errorf("reconcile %s: panic: %v", env.ID, r)
		}
	}()

	res, err = p.rec.Apply(ctx, cmd, pinned)
	if err != nil {
		p.log.Error("reconcile failed", zap.String("id", env.ID), zap.String("cmd", cmd.Label()), zap.Error(err))
		return res, fmt.Errorf("reconcile %s: %w", env.ID, err)
	}
	return res, nil
}

// lock takes every lock guarding the group cmd addresses. The keys are
// recomputed once held: a group created or renamed meanwhile changes them,
// and the locks are taken again.
func (p *Pipeline) lock(ctx context.Context, env Envelope, cmd *command.Command) func() {
	keys := p.lockKeys(ctx, cmd, env.LocalID)
	for i := 0; ; i++ {
		unlock := p.locks.lockAll(keys)
		again := p.lockKeys(ctx, cmd, env.LocalID)
		if slices.Equal(keys, again) {
			return unlock
		}
		if i == maxRelock {
			p.log.Warn("group identity kept changing, applying anyway",
				zap.String("id", env.ID), zap.Strings("keys", keys))
			return unlock
		}
		unlock()
		keys = again
	}
}

// lockKeys returns the sorted lock keys of cmd: the identities it carries plus
// those of the group it resolves to, or keyNew when it resolves to none.
// Two commands for one group therefore share at least one key.
func (p *Pipeline) lockKeys(ctx context.Context, cmd *command.Command, local uuid.UUID) []string {
	f := cmd.Fence()
	if f == nil || p.loc == nil {
		if k := lockKey(cmd, local); k != "" {
			return []string{k}
		}
		return nil
	}

	keys := identityKeys(nil, f.FenceID, f.Cname(), local)
	if g := p.locate(ctx, f, local); g != nil {
		keys = identityKeys(keys, g.FenceID, g.CanonicalName, g.LocalID)
	} else {
		keys = append(keys, keyNew)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// queueKey groups batch envelopes: by resolved group, with every command for
// an unknown group in one queue so creations keep arrival order.
func (p *Pipeline) queueKey(ctx context.Context, cmd *command.Command, local uuid.UUID) string {
	f := cmd.Fence()
	if f == nil || p.loc == nil {
		return lockKey(cmd, local)
	}
	if g := p.locate(ctx, f, local); g != nil {
		return "local:" + g.LocalID.String()
	}
	return keyNew
}

func (p *Pipeline) locate(ctx context.Context, f *command.FenceSnapshot, local uuid.UUID) *model.GroupRecord {
	var pinned model.Identity
	if local != uuid.Nil {
		pinned = model.ByLocalID(local)
	}
	g, err := p.loc.Resolve(ctx, f, pinned)
	if err != nil {
		return nil
	}
	return g
}

const keyNew = "new"

func identityKeys(keys []string, fid int64, cname string, local uuid.UUID) []string {
	if fid > 0 {
		keys = append(keys, "fid:"+strconv.FormatInt(fid, 10))
	}
	if cname != "" {
		keys = append(keys, "cname:"+cname)
	}
	if local != uuid.Nil {
		keys = append(keys, "local:"+local.String())
	}
	return keys
}

// lockKey picks the serialization key of a command from the identity it
// carries: fence id when known, then canonical name, then the pinned local id.
func lockKey(cmd *command.Command, local uuid.UUID) string {
	if f := cmd.Fence(); f != nil {
		if f.FenceID > 0 {
			return "fid:" + strconv.FormatInt(f.FenceID, 10)
		}
		if f.Cname() != "" {
			return "cname:" + f.Cname()
		}
	}
	if local != uuid.Nil {
		return "local:" + local.String()
	}
	return ""
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// lockAll locks keys in order; callers pass them sorted.
func (k *keyedMutex) lockAll(keys []string) func() {
	unlocks := make([]func(), 0, len(keys))
	for _, key := range keys {
		unlocks = append(unlocks, k.lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
