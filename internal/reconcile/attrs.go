package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/fence-sync/internal/command"
)

// fenceName applies a title change. A rejection carries the server's current
// title, which is restored the same way.
func (r *Reconciler) fenceName(ctx context.Context, c *cmdCtx) (Result, error) {
	if !updateOrReject(c.hdr.Arg) {
		c.log.Info("unhandled fence name argument ignored")
		return Result{}, nil
	}
	g, f := c.group, c.fence
	if (f.Title != nil && *f.Title != g.Title) || (f.CanonicalName != nil && *f.CanonicalName != g.CanonicalName) {
		title := g.Title
		if f.Title != nil {
			title = *f.Title
		}
		if r.setTitle(c, title, f.CanonicalName) {
			r.requestStateSync(ctx, c, g.FenceID)
		}
		if err := r.saveGroup(ctx, c); err != nil {
			return Result{}, err
		}
	}
	return r.singleFieldDone(ctx, c, fmt.Sprintf("name is now %q", g.Title))
}

func (r *Reconciler) avatar(ctx context.Context, c *cmdCtx) (Result, error) {
	if !updateOrReject(c.hdr.Arg) {
		c.log.Info("unhandled avatar argument ignored")
		return Result{}, nil
	}
	g, f := c.group, c.fence
	if f.AvatarRef != nil && *f.AvatarRef != g.AvatarRef {
		g.AvatarRef = *f.AvatarRef
		if err := r.saveGroup(ctx, c); err != nil {
			return Result{}, err
		}
		r.enqueueAvatar(ctx, c, g.AvatarRef)
	}
	return r.singleFieldDone(ctx, c, "avatar changed")
}

func (r *Reconciler) messageExpiry(ctx context.Context, c *cmdCtx) (Result, error) {
	if !updateOrReject(c.hdr.Arg) {
		c.log.Info("unhandled message expiry argument ignored")
		return Result{}, nil
	}
	if v := c.fence.ExpireTimerMillis; v != nil {
		c.group.ExpireTimerMillis = *v
		if err := r.saveGroup(ctx, c); err != nil {
			return Result{}, err
		}
	}
	return r.singleFieldDone(ctx, c, "messages expire after "+(time.Duration(c.group.ExpireTimerMillis)*time.Millisecond).String())
}

func (r *Reconciler) maxMembers(ctx context.Context, c *cmdCtx) (Result, error) {
	if !updateOrReject(c.hdr.Arg) {
		c.log.Info("unhandled max members argument ignored")
		return Result{}, nil
	}
	if v := c.fence.MaxMembers; v != nil {
		c.group.MaxMembers = *v
		if err := r.saveGroup(ctx, c); err != nil {
			return Result{}, err
		}
	}
	return r.singleFieldDone(ctx, c, fmt.Sprintf("member limit is now %d", c.group.MaxMembers))
}

func (r *Reconciler) deliveryMode(ctx context.Context, c *cmdCtx) (Result, error) {
	if !updateOrReject(c.hdr.Arg) {
		c.log.Info("unhandled delivery mode argument ignored")
		return Result{}, nil
	}
	if v := c.fence.DeliveryMode; v != nil {
		c.group.DeliveryMode = *v
		if err := r.saveGroup(ctx, c); err != nil {
			return Result{}, err
		}
	}
	return r.singleFieldDone(ctx, c, fmt.Sprintf("delivery mode is now %d", c.group.DeliveryMode))
}

// singleFieldDone clears the placeholder and stores a message unless the
// command was a rejection, which only converges local state to the echo.
func (r *Reconciler) singleFieldDone(ctx context.Context, c *cmdCtx, body string) (Result, error) {
	if err := r.deletePlaceholder(ctx, c); err != nil {
		return Result{}, err
	}
	if c.hdr.Arg == command.ArgRejected {
		return r.appliedResult(c), nil
	}
	return r.store(ctx, c, body)
}

func updateOrReject(a command.Arg) bool {
	return a == command.ArgUpdated || a == command.ArgAccepted || a == command.ArgRejected
}
