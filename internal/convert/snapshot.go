// Package convert maps between wire snapshots and stored group records.
package convert

import (
	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/model"
)

// --- snapshot -> record ---

// GroupFromSnapshot builds a new active record in the given mode from f.
// self is never kept on the invited list.
func GroupFromSnapshot(f *command.FenceSnapshot, mode model.Mode, self string) *model.GroupRecord {
	g := &model.GroupRecord{
		LocalID:        model.NewLocalID(),
		FenceID:        f.FenceID,
		CanonicalName:  f.Cname(),
		Title:          f.Fname(),
		Members:        model.NewUserSet(f.Members...),
		InvitedMembers: model.NewUserSet(f.InvitedMembers...).Without(self),
		Permissions:    Permissions(f.Permissions),
		Preferences:    Preferences(f.Preferences),
		Mode:           mode,
		Active:         true,
		OwnerEventID:   f.EventID,
	}
	if f.OwnerUserID != nil {
		g.OwnerUserID = *f.OwnerUserID
	}
	if f.AvatarRef != nil {
		g.AvatarRef = *f.AvatarRef
	}
	if f.MaxMembers != nil {
		g.MaxMembers = *f.MaxMembers
	}
	if f.Kind != nil {
		g.Kind = *f.Kind
	}
	if f.PrivacyMode != nil {
		g.PrivacyMode = *f.PrivacyMode
	}
	if f.DeliveryMode != nil {
		g.DeliveryMode = *f.DeliveryMode
	}
	if f.JoinMode != nil {
		g.JoinMode = *f.JoinMode
	}
	if f.ExpireTimerMillis != nil {
		g.ExpireTimerMillis = *f.ExpireTimerMillis
	}
	if g.CanonicalName != "" && g.Title != "" && !model.CanonicalMatchesTitle(g.CanonicalName, g.Title) {
		if cname, ok := model.RenameCanonical(g.CanonicalName, g.Title); ok {
			g.CanonicalName = cname
		}
	}
	return g
}

// Permissions converts wire permission blocks. It returns nil for no blocks.
func Permissions(blocks map[model.Capability]command.PermissionBlock) map[model.Capability]model.Permission {
	if len(blocks) == 0 {
		return nil
	}
	out := make(map[model.Capability]model.Permission, len(blocks))
	for c, b := range blocks {
		out[c] = model.Permission{Semantics: b.Semantics, Users: model.NewUserSet(b.Users...)}
	}
	return out
}

// Preferences indexes prefs by name; later entries win.
func Preferences(prefs []model.Preference) map[string]model.Preference {
	if len(prefs) == 0 {
		return nil
	}
	out := make(map[string]model.Preference, len(prefs))
	for _, p := range prefs {
		out[p.Name] = p
	}
	return out
}

// --- record -> snapshot ---

// SnapshotFromGroup renders g as a fully populated snapshot, as sent on
// outbound join requests and printed by the CLI.
func SnapshotFromGroup(g *model.GroupRecord) command.FenceSnapshot {
	f := command.FenceSnapshot{
		FenceID:           g.FenceID,
		Title:             command.Ptr(g.Title),
		OwnerUserID:       command.Ptr(g.OwnerUserID),
		Kind:              command.Ptr(g.Kind),
		PrivacyMode:       command.Ptr(g.PrivacyMode),
		DeliveryMode:      command.Ptr(g.DeliveryMode),
		JoinMode:          command.Ptr(g.JoinMode),
		MaxMembers:        command.Ptr(g.MaxMembers),
		ExpireTimerMillis: command.Ptr(g.ExpireTimerMillis),
		Members:           g.Members.Strings(),
		InvitedMembers:    g.InvitedMembers.Strings(),
		EventID:           g.OwnerEventID,
		Invited:           g.Mode.IsInvitation(),
	}
	if g.CanonicalName != "" {
		f.CanonicalName = command.Ptr(g.CanonicalName)
	}
	if g.AvatarRef != "" {
		f.AvatarRef = command.Ptr(g.AvatarRef)
	}
	if len(g.Permissions) > 0 {
		f.Permissions = make(map[model.Capability]command.PermissionBlock, len(g.Permissions))
		for c, p := range g.Permissions {
			f.Permissions[c] = command.PermissionBlock{Semantics: p.Semantics, Users: p.Users.Strings()}
		}
	}
	for _, name := range sortedKeys(g.Preferences) {
		f.Preferences = append(f.Preferences, g.Preferences[name])
	}
	return f
}
