package reconcile

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/fence-sync/internal/command"
)

// invite applies invited-list deltas. Terminal answers to the client's own
// invite request are only logged: the membership change arrives as JOIN.
func (r *Reconciler) invite(ctx context.Context, c *cmdCtx) (Result, error) {
	g := c.group
	var verb string
	switch c.hdr.Arg {
	case command.ArgAdded, command.ArgUnchanged:
		for _, uid := range c.fence.InvitedMembers {
			if uid == r.self || g.IsMember(uid) {
				continue
			}
			g.InvitedMembers = g.InvitedMembers.Add(uid)
		}
		verb = "invited"
	case command.ArgDeleted:
		g.InvitedMembers = g.InvitedMembers.Without(c.fence.InvitedMembers...)
		verb = "uninvited"
	case command.ArgAccepted, command.ArgAcceptedPartial, command.ArgRejected:
		c.log.Info("invite request answered", zap.Stringer("error", c.hdr.Error))
		return Result{}, nil
	default:
		c.log.Info("unhandled invite argument ignored")
		return Result{}, nil
	}

	if err := r.saveGroup(ctx, c); err != nil {
		return Result{}, err
	}
	if err := r.deletePlaceholder(ctx, c); err != nil {
		return Result{}, err
	}
	return r.store(ctx, c, fmt.Sprintf("%s %s", verb, strings.Join(c.fence.InvitedMembers, ", ")))
}
