// Package reconcile applies decoded fence commands to the local group and
// thread stores.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/events"
	"github.com/and161185/fence-sync/internal/model"
	"github.com/and161185/fence-sync/internal/repository"
	"github.com/and161185/fence-sync/internal/resolve"
)

// Requester issues the client requests the reconciler needs on its own.
type Requester interface {
	// StateSync asks the server to resend the full state of fid.
	StateSync(ctx context.Context, fid int64) (int64, error)
}

// AvatarQueue schedules avatar downloads.
type AvatarQueue interface {
	Enqueue(ctx context.Context, ref string) error
}

// Outcome summarizes what Apply did with a command.
type Outcome int

const (
	// OutcomeIgnored means nothing was mutated.
	OutcomeIgnored Outcome = iota
	// OutcomeStale means the event id was not newer than the thread's.
	OutcomeStale
	// OutcomeApplied means state was mutated without a message record.
	OutcomeApplied
	// OutcomeStored means state was mutated and a message record stored.
	OutcomeStored
	// OutcomeDeleted means the group and its thread were removed.
	OutcomeDeleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeStale:
		return "stale"
	case OutcomeApplied:
		return "applied"
	case OutcomeStored:
		return "stored"
	case OutcomeDeleted:
		return "deleted"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is returned by Apply.
type Result struct {
	Outcome   Outcome
	ThreadID  int64
	MessageID int64
}

func (r Result) applied() bool {
	return r.Outcome == OutcomeApplied || r.Outcome == OutcomeStored
}

// Deps groups the collaborators of a Reconciler. Avatars, Bus and Notifier
// may be nil.
type Deps struct {
	Groups   repository.GroupRepository
	Threads  repository.ThreadRepository
	Messages repository.MessageRepository
	Requests Requester
	Avatars  AvatarQueue
	Bus      events.Publisher
	Notifier events.Notifier
	// Self is the uid of the account this client runs for.
	Self string
	Log  *zap.Logger
}

// Reconciler is the fence state machine. It does no locking of its own:
// callers serialize commands per fence.
type Reconciler struct {
	groups   repository.GroupRepository
	threads  repository.ThreadRepository
	messages repository.MessageRepository
	resolver *resolve.Resolver
	requests Requester
	avatars  AvatarQueue
	bus      events.Publisher
	notifier events.Notifier
	self     string
	log      *zap.Logger
}

// New constructs a Reconciler.
func New(d Deps) *Reconciler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		groups:   d.Groups,
		threads:  d.Threads,
		messages: d.Messages,
		resolver: resolve.New(d.Groups, log),
		requests: d.Requests,
		avatars:  d.Avatars,
		bus:      d.Bus,
		notifier: d.Notifier,
		self:     d.Self,
		log:      log,
	}
}

// cmdCtx is the per-command working set shared by the handlers.
type cmdCtx struct {
	cmd    *command.Command
	hdr    command.Header
	fence  *command.FenceSnapshot
	group  *model.GroupRecord // nil when unknown locally
	thread *model.ThreadRecord
	log    *zap.Logger
}

// Apply reconciles one command. pinned is the identity the caller already
// knows the command belongs to (for example the local id of the thread the
// envelope arrived on); it may be nil.
//
// Only store I/O errors are returned. Malformed or contradictory commands are
// repaired or dropped with a log line.
func (r *Reconciler) Apply(ctx context.Context, cmd *command.Command, pinned model.Identity) (Result, error) {
	hdr := cmd.Header
	log := r.log.With(zap.String("cmd", cmd.Label()), zap.Int64("eid", hdr.EventID))

	f := cmd.Fence()
	if f == nil {
		log.Warn("command without fence snapshot dropped")
		return Result{}, nil
	}
	log = log.With(zap.Int64("fid", f.FenceID), zap.String("cname", f.Cname()))

	g, err := r.resolver.Resolve(ctx, f, pinned)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrUnresolvableIdentity):
		g = nil
	case errors.Is(err, errs.ErrMissingIdentity):
		log.Warn("command carries no usable identity, dropped")
		return Result{}, nil
	default:
		return Result{}, fmt.Errorf("resolve: %w", err)
	}

	c := &cmdCtx{cmd: cmd, hdr: hdr, fence: f, group: g, log: log}
	if g != nil {
		if c.thread, err = r.threadOf(ctx, g); err != nil {
			return Result{}, err
		}
	}

	if r.isStale(c) {
		log.Debug("stale command absorbed", zap.Int64("thread_eid", c.thread.LastEventID))
		if err := r.deletePlaceholder(ctx, c); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeStale, ThreadID: c.thread.ThreadID}, nil
	}

	if g != nil && (hdr.Kind == command.KindJoin || hdr.Kind == command.KindState) && !g.Mode.Known() {
		if err := r.healMode(ctx, c); err != nil {
			return Result{}, err
		}
	}

	res, err := r.dispatch(ctx, c)
	if err != nil {
		return res, err
	}

	if res.applied() && hdr.EventID > 0 && c.group != nil {
		fid := c.group.FenceID
		if fid <= 0 {
			fid = f.FenceID
		}
		if err := r.threads.RaiseEventID(ctx, fid, hdr.EventID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return res, fmt.Errorf("raise eid: %w", err)
		}
	}
	log.Debug("command reconciled", zap.Stringer("outcome", res.Outcome))
	return res, nil
}

func (r *Reconciler) dispatch(ctx context.Context, c *cmdCtx) (Result, error) {
	switch c.hdr.Kind {
	case command.KindJoin:
		return r.join(ctx, c)
	case command.KindState:
		return r.state(ctx, c)
	}

	if c.group == nil {
		return r.unknownGroup(ctx, c)
	}

	switch c.hdr.Kind {
	case command.KindLeave:
		return r.leave(ctx, c)
	case command.KindPermission:
		return r.permission(ctx, c)
	case command.KindInvite:
		return r.invite(ctx, c)
	case command.KindFenceName:
		return r.fenceName(ctx, c)
	case command.KindAvatar:
		return r.avatar(ctx, c)
	case command.KindMessageExpiry:
		return r.messageExpiry(ctx, c)
	case command.KindMaxMembers:
		return r.maxMembers(ctx, c)
	case command.KindDeliveryMode:
		return r.deliveryMode(ctx, c)
	default:
		c.log.Info("unhandled command kind ignored")
		return Result{}, nil
	}
}

// unknownGroup handles non-join commands for a fence with no local record.
// The server is asked for the full state, which re-enters as STATE/SYNCED.
func (r *Reconciler) unknownGroup(ctx context.Context, c *cmdCtx) (Result, error) {
	if c.hdr.Kind == command.KindLeave || c.fence.FenceID <= 0 || !c.hdr.Kind.Valid() {
		c.log.Info("command for unknown group ignored")
		return Result{}, nil
	}
	c.log.Info("group unknown locally, requesting state sync")
	r.requestStateSync(ctx, c, c.fence.FenceID)
	return Result{}, nil
}

// isStale reports whether the command's event id is not newer than the one
// already applied to the thread. JOIN lifecycle arguments always pass.
func (r *Reconciler) isStale(c *cmdCtx) bool {
	if c.thread == nil || c.hdr.EventID <= 0 || c.hdr.EventID > c.thread.LastEventID {
		return false
	}
	if c.hdr.Kind == command.KindJoin && c.hdr.Arg != command.ArgSynced {
		return false
	}
	return true
}

func (r *Reconciler) healMode(ctx context.Context, c *cmdCtx) error {
	c.log.Warn("invalid group mode repaired",
		zap.Stringer("mode", c.group.Mode), zap.Error(errs.ErrDataIntegrity))
	if err := r.groups.SetMode(ctx, c.group.LocalID, model.ModeJoinAccepted); err != nil {
		return fmt.Errorf("heal mode: %w", err)
	}
	c.group.Mode = model.ModeJoinAccepted
	return nil
}

// threadOf returns the thread bound to g, or nil.
func (r *Reconciler) threadOf(ctx context.Context, g *model.GroupRecord) (*model.ThreadRecord, error) {
	th, err := r.threads.GetByLocalID(ctx, g.LocalID)
	if err == nil {
		return th, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("thread lookup: %w", err)
	}
	if g.FenceID <= 0 {
		return nil, nil
	}
	th, err = r.threads.GetByFenceID(ctx, g.FenceID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("thread lookup: %w", err)
	}
	return th, nil
}

// ensureThread returns the thread of c.group, creating it when missing and
// repairing a fence id that drifted from the group's.
func (r *Reconciler) ensureThread(ctx context.Context, c *cmdCtx) (*model.ThreadRecord, error) {
	g := c.group
	if c.thread == nil {
		th := &model.ThreadRecord{LocalID: g.LocalID, FenceID: g.FenceID}
		id, err := r.threads.Create(ctx, th)
		if err != nil {
			return nil, fmt.Errorf("create thread: %w", err)
		}
		th.ThreadID = id
		c.thread = th
		return th, nil
	}
	if g.FenceID > 0 && c.thread.FenceID != g.FenceID {
		c.log.Warn("thread fence id repaired",
			zap.Int64("thread_fid", c.thread.FenceID), zap.Error(errs.ErrDataIntegrity))
		if err := r.threads.SetFenceID(ctx, c.thread.ThreadID, g.FenceID); err != nil {
			return nil, fmt.Errorf("repair thread fid: %w", err)
		}
		c.thread.FenceID = g.FenceID
	}
	return c.thread, nil
}

// store materializes a group-update message for the command and notifies.
func (r *Reconciler) store(ctx context.Context, c *cmdCtx, body string) (Result, error) {
	th, err := r.ensureThread(ctx, c)
	if err != nil {
		return Result{}, err
	}
	id, err := r.messages.Insert(ctx, &model.MessageRecord{
		ThreadID: th.ThreadID,
		Kind:     model.MessageGroupUpdate,
		Command:  c.cmd.Label(),
		SentAt:   c.hdr.When,
		EventID:  c.hdr.EventID,
		Body:     body,
	})
	if err != nil {
		return Result{}, fmt.Errorf("store message: %w", err)
	}
	r.notify(ctx, c, th.ThreadID)
	return Result{Outcome: OutcomeStored, ThreadID: th.ThreadID, MessageID: id}, nil
}

// deletePlaceholder removes the pending request the command answers.
func (r *Reconciler) deletePlaceholder(ctx context.Context, c *cmdCtx) error {
	if c.hdr.WhenClient <= 0 || c.thread == nil {
		return nil
	}
	found, err := r.messages.DeletePending(ctx, c.thread.ThreadID, c.hdr.WhenClient)
	if err != nil {
		return fmt.Errorf("delete placeholder: %w", err)
	}
	if found {
		c.log.Debug("pending request cleared", zap.Int64("when_client", c.hdr.WhenClient))
	}
	return nil
}

// saveGroup persists c.group.
func (r *Reconciler) saveGroup(ctx context.Context, c *cmdCtx) error {
	if err := r.groups.Update(ctx, c.group); err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return nil
}

// destroy deletes the group and its thread and publishes GroupDestroyed once.
func (r *Reconciler) destroy(ctx context.Context, c *cmdCtx, reason string) (Result, error) {
	g := c.group
	var tid int64
	if c.thread != nil {
		tid = c.thread.ThreadID
	}
	if err := r.remove(ctx, c); err != nil {
		return Result{}, err
	}
	c.log.Info("group removed locally", zap.String("reason", reason))
	r.publish(ctx, c, events.Event{
		Type:     events.GroupDestroyed,
		FenceID:  g.FenceID,
		LocalID:  g.LocalID.String(),
		ThreadID: tid,
		Detail:   reason,
	})
	return Result{Outcome: OutcomeDeleted, ThreadID: tid}, nil
}

func (r *Reconciler) enqueueAvatar(ctx context.Context, c *cmdCtx, ref string) {
	if r.avatars == nil || ref == "" {
		return
	}
	if err := r.avatars.Enqueue(ctx, ref); err != nil {
		c.log.Warn("avatar enqueue failed", zap.String("ref", ref), zap.Error(err))
	}
}

func (r *Reconciler) publish(ctx context.Context, c *cmdCtx, ev events.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		c.log.Warn("event publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (r *Reconciler) notify(ctx context.Context, c *cmdCtx, threadID int64) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, threadID); err != nil {
		c.log.Warn("thread notify failed", zap.Int64("thread", threadID), zap.Error(err))
	}
}

func (r *Reconciler) requestStateSync(ctx context.Context, c *cmdCtx, fid int64) {
	if r.requests == nil {
		return
	}
	_, err := r.requests.StateSync(ctx, fid)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrRateLimited):
		c.log.Debug("state sync throttled")
	default:
		c.log.Warn("state sync request failed", zap.Error(err))
	}
}

func (r *Reconciler) isSelf(uid string) bool { return uid == "" || uid == r.self }
