package reconcile

import (
	"sort"

	"go.uber.org/zap"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/model"
)

type mergeOutcome struct {
	membership bool   // members or invited set changed
	avatar     string // new avatar reference to fetch
	resync     bool   // record found corrupt, full state requested
}

// mergeFence applies a full snapshot to c.group in memory. Only fields the
// snapshot carries are overwritten; membership lists are always replaced.
func (r *Reconciler) mergeFence(c *cmdCtx) mergeOutcome {
	g, f := c.group, c.fence
	var out mergeOutcome

	if f.FenceID > 0 && g.FenceID != f.FenceID && (g.FenceID <= 0 || g.CanonicalName == f.Cname()) {
		c.log.Warn("group fence id adopted from server",
			zap.Int64("local_fid", g.FenceID), zap.Error(errs.ErrDataIntegrity))
		g.FenceID = f.FenceID
	}

	if !g.Mode.AcceptsSync() {
		c.log.Warn("group mode repaired before sync",
			zap.Stringer("mode", g.Mode), zap.Error(errs.ErrDataIntegrity))
		g.Mode = model.ModeJoinAccepted
	}

	switch {
	case f.Title != nil && *f.Title != g.Title:
		out.resync = r.setTitle(c, *f.Title, f.CanonicalName) || out.resync
	case g.CanonicalName == "" && f.CanonicalName != nil:
		g.CanonicalName = *f.CanonicalName
	}

	if f.OwnerUserID != nil {
		g.OwnerUserID = *f.OwnerUserID
	}
	if f.DeliveryMode != nil {
		g.DeliveryMode = *f.DeliveryMode
	}
	if f.JoinMode != nil {
		g.JoinMode = *f.JoinMode
	}
	if f.PrivacyMode != nil {
		g.PrivacyMode = *f.PrivacyMode
	}
	if f.Kind != nil {
		g.Kind = *f.Kind
	}
	if f.MaxMembers != nil {
		g.MaxMembers = *f.MaxMembers
	}

	for _, cp := range sortedCapabilities(f.Permissions) {
		if g.Permissions == nil {
			g.Permissions = make(map[model.Capability]model.Permission)
		}
		b := f.Permissions[cp]
		g.Permissions[cp] = model.Permission{Semantics: b.Semantics, Users: model.NewUserSet(b.Users...)}
	}

	if f.AvatarRef != nil && *f.AvatarRef != g.AvatarRef {
		g.AvatarRef = *f.AvatarRef
		out.avatar = g.AvatarRef
	}

	for _, p := range f.Preferences {
		if g.Preferences == nil {
			g.Preferences = make(map[string]model.Preference)
		}
		g.Preferences[p.Name] = p
	}

	if f.ExpireTimerMillis != nil {
		g.ExpireTimerMillis = *f.ExpireTimerMillis
	}

	if !model.CanonicalMatchesTitle(g.CanonicalName, g.Title) {
		out.resync = r.setTitle(c, g.Title, nil) || out.resync
	}

	members := model.NewUserSet(f.Members...)
	invited := model.NewUserSet(f.InvitedMembers...).Without(r.self)
	out.membership = !members.Equal(g.Members) || !invited.Equal(g.InvitedMembers)
	g.Members, g.InvitedMembers = members, invited

	g.Active = true

	switch {
	case f.EventID > 0:
		g.OwnerEventID = f.EventID
	case c.hdr.EventID > 0:
		g.OwnerEventID = c.hdr.EventID
	}
	return out
}

// setTitle sets the title and keeps the canonical name's trailing segment in
// step with it. cname, when given, is the server's canonical name. It reports
// true when the stored name could not be re-derived.
func (r *Reconciler) setTitle(c *cmdCtx, title string, cname *string) bool {
	g := c.group
	g.Title = title
	if cname != nil {
		g.CanonicalName = *cname
	}
	if model.CanonicalMatchesTitle(g.CanonicalName, title) {
		return false
	}
	renamed, ok := model.RenameCanonical(g.CanonicalName, title)
	if !ok {
		c.log.Warn("corrupt canonical name, requesting state sync",
			zap.String("local_cname", g.CanonicalName), zap.Error(errs.ErrDataIntegrity))
		return true
	}
	g.CanonicalName = renamed
	return false
}

func sortedCapabilities(blocks map[model.Capability]command.PermissionBlock) []model.Capability {
	out := make([]model.Capability, 0, len(blocks))
	for cp := range blocks {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
