package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/convert"
	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/events"
	"github.com/and161185/fence-sync/internal/model"
)

// joinModes maps a JOIN argument to the mode it moves the group into.
// SYNCED is deliberately absent: state sync never changes the mode.
var joinModes = map[command.Arg]model.Mode{
	command.ArgAccepted:       model.ModeJoinAccepted,
	command.ArgCreated:        model.ModeJoinAccepted,
	command.ArgUnchanged:      model.ModeJoinAccepted,
	command.ArgAcceptedInvite: model.ModeInvitationJoinAccepted,
	command.ArgGeoBased:       model.ModeGeoJoin,
	command.ArgInvited:        model.ModeInvitation,
	command.ArgInvitedGeo:     model.ModeGeoInvite,
}

// ModeForJoin returns the mode a JOIN command with arg transitions to.
func ModeForJoin(arg command.Arg) (model.Mode, bool) {
	m, ok := joinModes[arg]
	return m, ok
}

func (r *Reconciler) join(ctx context.Context, c *cmdCtx) (Result, error) {
	switch c.hdr.Arg {
	case command.ArgGeoBased:
		return r.joinGeo(ctx, c)
	case command.ArgInvited, command.ArgInvitedGeo:
		return r.joinInvited(ctx, c)
	case command.ArgSynced, command.ArgAccepted, command.ArgCreated,
		command.ArgUnchanged, command.ArgAcceptedInvite:
		return r.joinedOrSynced(ctx, c)
	case command.ArgRejected:
		return r.joinRejected(ctx, c)
	default:
		c.log.Info("unhandled join argument ignored")
		return Result{}, nil
	}
}

func (r *Reconciler) state(ctx context.Context, c *cmdCtx) (Result, error) {
	switch c.hdr.Arg {
	case command.ArgSynced:
		return r.joinedOrSynced(ctx, c)
	case command.ArgResync:
		fid := c.fence.FenceID
		if fid <= 0 && c.group != nil {
			fid = c.group.FenceID
		}
		if fid <= 0 {
			c.log.Info("resync without fence id ignored")
			return Result{}, nil
		}
		r.requestStateSync(ctx, c, fid)
		return Result{}, nil
	default:
		c.log.Info("unhandled state argument ignored")
		return Result{}, nil
	}
}

// joinedOrSynced merges a full snapshot into the group, creating the group
// first when it is unknown locally.
func (r *Reconciler) joinedOrSynced(ctx context.Context, c *cmdCtx) (Result, error) {
	mode, lifecycle := ModeForJoin(c.hdr.Arg)
	lifecycle = lifecycle && c.hdr.Kind == command.KindJoin

	if c.group == nil {
		initial := model.ModeJoinSynced
		if lifecycle {
			initial = mode
		}
		ok, err := r.createFromSnapshot(ctx, c, initial)
		if err != nil || !ok {
			return Result{}, err
		}
	}

	out := r.mergeFence(c)
	if lifecycle {
		c.group.Mode = mode
	}
	if err := r.saveGroup(ctx, c); err != nil {
		return Result{}, err
	}
	th, err := r.ensureThread(ctx, c)
	if err != nil {
		return Result{}, err
	}
	if out.avatar != "" {
		r.enqueueAvatar(ctx, c, out.avatar)
	}
	if out.resync {
		r.requestStateSync(ctx, c, c.group.FenceID)
	}
	if err := r.deletePlaceholder(ctx, c); err != nil {
		return Result{}, err
	}

	if c.hdr.Arg == command.ArgSynced {
		// Pure state sync: no message record. Membership changes still surface.
		if out.membership {
			r.notify(ctx, c, th.ThreadID)
		}
		return Result{Outcome: OutcomeApplied, ThreadID: th.ThreadID}, nil
	}
	return r.store(ctx, c, fmt.Sprintf("joined %q", c.group.Title))
}

func (r *Reconciler) joinGeo(ctx context.Context, c *cmdCtx) (Result, error) {
	switch {
	case c.group == nil:
		ok, err := r.createFromSnapshot(ctx, c, model.ModeGeoJoin)
		if err != nil || !ok {
			return Result{}, err
		}
	case c.thread == nil:
		c.log.Info("geo join for group without thread")
		c.group.Mode = model.ModeGeoJoin
		c.group.Active = true
		if err := r.saveGroup(ctx, c); err != nil {
			return Result{}, err
		}
	default:
		res, err := r.joinedOrSynced(ctx, c)
		if err == nil {
			r.publishRoaming(ctx, c, "geo join")
		}
		return res, err
	}
	r.publishRoaming(ctx, c, "geo join")
	return r.store(ctx, c, fmt.Sprintf("entered %q", c.group.Title))
}

func (r *Reconciler) joinInvited(ctx context.Context, c *cmdCtx) (Result, error) {
	mode, _ := ModeForJoin(c.hdr.Arg)
	if g := c.group; g != nil {
		if g.Active && g.Mode.AcceptsSync() {
			c.log.Info("invitation for joined group ignored", zap.Stringer("mode", g.Mode))
			return Result{}, nil
		}
		c.log.Info("stale group replaced by invitation", zap.Stringer("mode", g.Mode), zap.Bool("active", g.Active))
		if err := r.remove(ctx, c); err != nil {
			return Result{}, err
		}
	}
	ok, err := r.createFromSnapshot(ctx, c, mode)
	if err != nil || !ok {
		return Result{}, err
	}
	return r.store(ctx, c, fmt.Sprintf("invited to %q by %s", c.group.Title, c.hdr.Originator))
}

func (r *Reconciler) joinRejected(ctx context.Context, c *cmdCtx) (Result, error) {
	switch c.hdr.Error {
	case command.ErrorGroupDoesntExist, command.ErrorInviteOnly:
		if c.group == nil {
			c.log.Info("join rejected for unknown group")
			return Result{}, nil
		}
		return r.destroy(ctx, c, "join rejected: "+c.hdr.Error.String())
	default:
		c.log.Info("join rejected", zap.Stringer("error", c.hdr.Error))
		if c.group == nil {
			return Result{}, nil
		}
		if err := r.deletePlaceholder(ctx, c); err != nil {
			return Result{}, err
		}
		return r.appliedResult(c), nil
	}
}

// createFromSnapshot creates c.group and its thread from c.fence. It reports
// false when the snapshot cannot identify a server fence.
func (r *Reconciler) createFromSnapshot(ctx context.Context, c *cmdCtx, mode model.Mode) (bool, error) {
	f := c.fence
	if f.FenceID <= 0 || (f.Cname() == "" && f.Fname() == "") {
		c.log.Info("unknown group without usable identity ignored")
		return false, nil
	}

	g := convert.GroupFromSnapshot(f, mode, r.self)
	if err := r.groups.Create(ctx, g); err != nil {
		if !errors.Is(err, errs.ErrAlreadyExists) {
			return false, fmt.Errorf("create group: %w", err)
		}
		existing, gerr := r.groups.GetByFenceID(ctx, f.FenceID)
		if gerr != nil {
			return false, fmt.Errorf("create group: %w", err)
		}
		c.log.Warn("duplicate fence id refused, using existing record", zap.Error(errs.ErrDataIntegrity))
		c.group = existing
		c.thread, err = r.threadOf(ctx, existing)
		return err == nil, err
	}
	c.group, c.thread = g, nil

	if err := r.dropOrphanThread(ctx, c, f.FenceID); err != nil {
		return false, err
	}
	if _, err := r.ensureThread(ctx, c); err != nil {
		return false, err
	}
	c.log.Info("group created", zap.Stringer("mode", mode), zap.Stringer("local_id", g.LocalID))
	return true, nil
}

// dropOrphanThread deletes a thread still bound to fid whose group is gone.
func (r *Reconciler) dropOrphanThread(ctx context.Context, c *cmdCtx, fid int64) error {
	th, err := r.threads.GetByFenceID(ctx, fid)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("thread lookup: %w", err)
	}
	if _, err := r.groups.GetByLocalID(ctx, th.LocalID); err == nil {
		return nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("group lookup: %w", err)
	}
	c.log.Warn("orphan thread removed", zap.Int64("thread", th.ThreadID), zap.Error(errs.ErrDataIntegrity))
	if err := r.threads.Delete(ctx, th.ThreadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// remove deletes c.group and its thread without publishing.
func (r *Reconciler) remove(ctx context.Context, c *cmdCtx) error {
	if c.thread != nil {
		if err := r.threads.Delete(ctx, c.thread.ThreadID); err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
	}
	if err := r.groups.Delete(ctx, c.group.LocalID); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	c.group, c.thread = nil, nil
	return nil
}

func (r *Reconciler) publishRoaming(ctx context.Context, c *cmdCtx, detail string) {
	if c.group == nil {
		return
	}
	r.publish(ctx, c, events.Event{
		Type:    events.RoamingModeChanged,
		FenceID: c.group.FenceID,
		LocalID: c.group.LocalID.String(),
		Detail:  detail,
	})
}

func (r *Reconciler) appliedResult(c *cmdCtx) Result {
	res := Result{Outcome: OutcomeApplied}
	if c.thread != nil {
		res.ThreadID = c.thread.ThreadID
	}
	return res
}
