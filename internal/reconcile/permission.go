package reconcile

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/model"
)

func (r *Reconciler) permission(ctx context.Context, c *cmdCtx) (Result, error) {
	switch c.hdr.Arg {
	case command.ArgAdded, command.ArgDeleted:
		add := c.hdr.Arg == command.ArgAdded
		touched := applyPermissionDelta(c.group, c.fence.Permissions, add)
		if err := r.saveGroup(ctx, c); err != nil {
			return Result{}, err
		}
		if err := r.deletePlaceholder(ctx, c); err != nil {
			return Result{}, err
		}
		verb := "granted"
		if !add {
			verb = "revoked"
		}
		return r.store(ctx, c, fmt.Sprintf("%s %s", verb, strings.Join(touched, ", ")))

	case command.ArgAccepted:
		c.log.Debug("permission change accepted")

	case command.ArgRejected:
		if c.hdr.Error == command.ErrorPermissions {
			// The list already reflects the opposite of the request: converge to it.
			switch c.hdr.ClientArg {
			case command.ArgAdded:
				applyPermissionDelta(c.group, c.fence.Permissions, false)
			case command.ArgDeleted:
				applyPermissionDelta(c.group, c.fence.Permissions, true)
			}
			if err := r.saveGroup(ctx, c); err != nil {
				return Result{}, err
			}
			c.log.Info("permission rejection converged", zap.Stringer("client_arg", c.hdr.ClientArg))
		} else {
			c.log.Info("permission change rejected", zap.Stringer("error", c.hdr.Error))
		}

	default:
		c.log.Info("unhandled permission argument ignored")
		return Result{}, nil
	}

	if err := r.deletePlaceholder(ctx, c); err != nil {
		return Result{}, err
	}
	return r.appliedResult(c), nil
}

// applyPermissionDelta adds or removes the users of every block to the
// matching capability list. It returns "capability:user" labels it touched.
func applyPermissionDelta(g *model.GroupRecord, blocks map[model.Capability]command.PermissionBlock, add bool) []string {
	var touched []string
	for _, cp := range sortedCapabilities(blocks) {
		b := blocks[cp]
		if g.Permissions == nil {
			g.Permissions = make(map[model.Capability]model.Permission)
		}
		p, ok := g.Permissions[cp]
		if !ok {
			p.Semantics = b.Semantics
		}
		for _, uid := range b.Users {
			if add {
				p.Users = p.Users.Add(uid)
			} else {
				p.Users = p.Users.Remove(uid)
			}
			touched = append(touched, cp.String()+":"+uid)
		}
		g.Permissions[cp] = p
	}
	return touched
}
