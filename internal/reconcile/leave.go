package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/model"
)

func (r *Reconciler) leave(ctx context.Context, c *cmdCtx) (Result, error) {
	g := c.group
	uid := c.hdr.Originator

	if c.hdr.Arg == command.ArgRejected {
		if c.hdr.Error != command.ErrorNotMember {
			c.log.Info("leave rejected", zap.Stringer("error", c.hdr.Error))
			if err := r.deletePlaceholder(ctx, c); err != nil {
				return Result{}, err
			}
			return r.appliedResult(c), nil
		}
		// The server no longer counts this account as a member.
		uid = r.self
	}

	if c.hdr.Arg == command.ArgUninvited {
		if r.isSelf(uid) {
			return r.destroy(ctx, c, "invitation withdrawn")
		}
		g.InvitedMembers = g.InvitedMembers.Remove(uid)
		if err := r.saveGroup(ctx, c); err != nil {
			return Result{}, err
		}
		if err := r.deletePlaceholder(ctx, c); err != nil {
			return Result{}, err
		}
		return r.store(ctx, c, fmt.Sprintf("%s uninvited", uid))
	}

	if !r.isSelf(uid) {
		g.Members = g.Members.Remove(uid)
		if err := r.saveGroup(ctx, c); err != nil {
			return Result{}, err
		}
		if err := r.deletePlaceholder(ctx, c); err != nil {
			return Result{}, err
		}
		return r.store(ctx, c, fmt.Sprintf("%s left", uid))
	}

	pre := g.Mode
	if c.hdr.Arg == command.ArgGeoBased {
		g.Mode = model.ModeLeaveGeoBased
		r.publishRoaming(ctx, c, "geo leave")
	} else {
		g.Mode = model.ModeLeaveAccepted
	}
	g.Members = g.Members.Remove(r.self)
	g.Active = false

	if pre == model.ModeLeaveCleanup {
		return r.destroy(ctx, c, "left")
	}

	c.log.Info("left group", zap.Stringer("mode", g.Mode))
	if err := r.saveGroup(ctx, c); err != nil {
		return Result{}, err
	}
	if err := r.deletePlaceholder(ctx, c); err != nil {
		return Result{}, err
	}
	return r.store(ctx, c, "you left")
}
