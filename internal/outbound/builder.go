package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/convert"
	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/limiter"
	"github.com/and161185/fence-sync/internal/model"
	"github.com/and161185/fence-sync/internal/repository"
)

// Builder constructs client requests, sends them and records a pending
// placeholder keyed by the request's client timestamp. Replies delete the
// placeholder by echoing that timestamp.
type Builder struct {
	sender   Sender
	groups   repository.GroupRepository
	threads  repository.ThreadRepository
	messages repository.MessageRepository
	limiter  limiter.Limiter
	self     string
	log      *zap.Logger
	now      func() time.Time
}

// NewBuilder constructs a Builder. lim may be nil to disable throttling.
func NewBuilder(sender Sender, groups repository.GroupRepository, threads repository.ThreadRepository,
	messages repository.MessageRepository, lim limiter.Limiter, self string, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{
		sender:   sender,
		groups:   groups,
		threads:  threads,
		messages: messages,
		limiter:  lim,
		self:     self,
		log:      log,
		now:      time.Now,
	}
}

// StateSync asks the server for the full state of fid (STATE/SYNCED).
// Requests inside the throttle window fail with errs.ErrRateLimited.
// No thread is created for it.
func (b *Builder) StateSync(ctx context.Context, fid int64) (int64, error) {
	if b.limiter != nil {
		ok, retry, err := b.limiter.Allow(ctx, fid)
		if err != nil {
			return 0, fmt.Errorf("limiter: %w", err)
		}
		if !ok {
			return 0, fmt.Errorf("state sync fid=%d retry in %s: %w", fid, retry, errs.ErrRateLimited)
		}
	}
	g, err := b.groupByFID(ctx, fid)
	if err != nil {
		return 0, err
	}
	return b.send(ctx, g, false, command.KindState, command.ArgSynced, command.FenceSnapshot{FenceID: fid})
}

// JoinSync records a fence the server says this account belongs to but that
// is unknown locally, in JOIN_SYNCED mode, and asks the server to confirm
// the membership (JOIN/SYNCED).
func (b *Builder) JoinSync(ctx context.Context, f *command.FenceSnapshot) (int64, error) {
	g := convert.GroupFromSnapshot(f, model.ModeJoinSynced, b.self)
	if err := b.groups.Create(ctx, g); err != nil {
		return 0, fmt.Errorf("create group: %w", err)
	}
	return b.send(ctx, g, true, command.KindJoin, command.ArgSynced, command.FenceSnapshot{FenceID: g.FenceID})
}

// JoinSyncExisting asks the server to re-confirm membership of a known group.
func (b *Builder) JoinSyncExisting(ctx context.Context, g *model.GroupRecord) (int64, error) {
	return b.send(ctx, g, true, command.KindJoin, command.ArgSynced, command.FenceSnapshot{FenceID: g.FenceID})
}

// InviteSync asks the server to resend the invitation to g (INVITE/SYNCED).
func (b *Builder) InviteSync(ctx context.Context, g *model.GroupRecord) (int64, error) {
	f := command.FenceSnapshot{FenceID: g.FenceID, Title: command.Ptr(g.Title)}
	if g.CanonicalName != "" {
		f.CanonicalName = command.Ptr(g.CanonicalName)
	}
	return b.send(ctx, g, true, command.KindInvite, command.ArgSynced, f)
}

// Leave asks the server to remove this account from fid and marks the group
// as awaiting confirmation. With cleanup the group and thread are deleted
// once the server confirms. An unknown fid is still sent, addressed by id.
func (b *Builder) Leave(ctx context.Context, fid int64, cleanup bool) (int64, error) {
	g, err := b.groupByFID(ctx, fid)
	if err != nil {
		return 0, err
	}
	f := command.FenceSnapshot{FenceID: fid}
	if g != nil {
		f.Title = command.Ptr(g.Title)
	}
	tid, err := b.send(ctx, g, false, command.KindLeave, command.ArgNone, f)
	if err != nil || g == nil {
		return tid, err
	}
	mode := model.ModeLeaveNotConfirmed
	if cleanup {
		mode = model.ModeLeaveCleanup
	}
	if err := b.groups.SetMode(ctx, g.LocalID, mode); err != nil {
		return tid, fmt.Errorf("mark leave: %w", err)
	}
	return tid, nil
}

// Create records a new group made by the local user in NOT_CONFIRMED mode and
// asks the server to create it, inviting members.
func (b *Builder) Create(ctx context.Context, title string, invite []string) (*model.GroupRecord, int64, error) {
	g := &model.GroupRecord{
		LocalID:        model.NewLocalID(),
		Title:          title,
		OwnerUserID:    b.self,
		Kind:           model.KindUser,
		Members:        model.NewUserSet(b.self),
		InvitedMembers: model.NewUserSet(invite...).Without(b.self),
		Mode:           model.ModeNotConfirmed,
		Active:         true,
	}
	if err := b.groups.Create(ctx, g); err != nil {
		return nil, 0, fmt.Errorf("create group: %w", err)
	}
	f := command.FenceSnapshot{
		Title:          command.Ptr(title),
		OwnerUserID:    command.Ptr(b.self),
		Kind:           command.Ptr(model.KindUser),
		InvitedMembers: g.InvitedMembers.Strings(),
	}
	tid, err := b.send(ctx, g, true, command.KindJoin, command.ArgNone, f)
	return g, tid, err
}

// Invite asks the server to add uids to g's invite list.
func (b *Builder) Invite(ctx context.Context, g *model.GroupRecord, uids []string) (int64, error) {
	f := command.FenceSnapshot{FenceID: g.FenceID, InvitedMembers: model.NewUserSet(uids...).Strings()}
	return b.send(ctx, g, true, command.KindInvite, command.ArgAdded, f)
}

// Permission asks the server to add uid to, or remove it from, the list of
// capability c.
func (b *Builder) Permission(ctx context.Context, g *model.GroupRecord, uid string, c model.Capability, add bool) (int64, error) {
	arg := command.ArgDeleted
	if add {
		arg = command.ArgAdded
	}
	block := command.PermissionBlock{Users: []string{uid}}
	if p, ok := g.Permissions[c]; ok {
		block.Semantics = p.Semantics
	}
	f := command.FenceSnapshot{
		FenceID:     g.FenceID,
		Permissions: map[model.Capability]command.PermissionBlock{c: block},
	}
	return b.send(ctx, g, true, command.KindPermission, arg, f)
}

// send encodes and transmits one request. g may be nil for fences unknown
// locally; the request is then addressed by fence id and leaves no placeholder.
func (b *Builder) send(ctx context.Context, g *model.GroupRecord, createThread bool,
	kind command.Kind, arg command.Arg, f command.FenceSnapshot) (int64, error) {
	when := b.now().UnixMilli()
	cmd := &command.Command{
		Header: command.Header{Kind: kind, Arg: arg, WhenClient: when, Originator: b.self},
		Fences: []command.FenceSnapshot{f},
	}

	var (
		to   model.Identity = model.ByFenceID(f.FenceID)
		hint int64
	)
	if g != nil {
		to = model.ByLocalID(g.LocalID)
		th, err := b.threadFor(ctx, g, createThread)
		if err != nil {
			return 0, err
		}
		if th != nil {
			hint = th.ThreadID
		}
	}

	tid, err := b.sender.Send(ctx, to, command.Encode(cmd), hint)
	if err != nil {
		return 0, fmt.Errorf("send %s: %w", cmd.Label(), err)
	}
	if tid > 0 {
		_, err := b.messages.Insert(ctx, &model.MessageRecord{
			ThreadID: tid,
			Kind:     model.MessagePendingRequest,
			Command:  cmd.Label(),
			SentAt:   when,
		})
		if err != nil {
			return tid, fmt.Errorf("store placeholder: %w", err)
		}
	}
	b.log.Debug("request sent", zap.String("cmd", cmd.Label()), zap.Stringer("to", to), zap.Int64("thread", tid))
	return tid, nil
}

func (b *Builder) threadFor(ctx context.Context, g *model.GroupRecord, create bool) (*model.ThreadRecord, error) {
	th, err := b.threads.GetByLocalID(ctx, g.LocalID)
	if err == nil {
		return th, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("thread lookup: %w", err)
	}
	if !create {
		return nil, nil
	}
	th = &model.ThreadRecord{LocalID: g.LocalID, FenceID: g.FenceID}
	if th.ThreadID, err = b.threads.Create(ctx, th); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return th, nil
}

func (b *Builder) groupByFID(ctx context.Context, fid int64) (*model.GroupRecord, error) {
	g, err := b.groups.GetByFenceID(ctx, fid)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("group lookup: %w", err)
	}
	return g, nil
}
