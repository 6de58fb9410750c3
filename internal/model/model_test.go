package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenameCanonical(t *testing.T) {
	t.Parallel()

	got, ok := RenameCanonical("1234:Alpha", "Beta")
	require.True(t, ok)
	require.Equal(t, "1234:Beta", got)

	got, ok = RenameCanonical("geo:uk:london:Alpha", "Beta")
	require.True(t, ok)
	require.Equal(t, "geo:uk:london:Beta", got)

	got, ok = RenameCanonical("corrupt", "Beta")
	require.False(t, ok)
	require.Equal(t, "corrupt", got)
}

func TestCanonicalMatchesTitle(t *testing.T) {
	t.Parallel()
	require.True(t, CanonicalMatchesTitle("", "x"))
	require.True(t, CanonicalMatchesTitle("1:x", "x"))
	require.False(t, CanonicalMatchesTitle("1:y", "x"))
	require.False(t, CanonicalMatchesTitle("noseparator", "noseparator"))
}

func TestUserSet(t *testing.T) {
	t.Parallel()

	s := NewUserSet("b", "a", "b", "")
	require.Equal(t, UserSet{"a", "b"}, s)
	require.True(t, s.Contains("a"))
	require.False(t, s.Contains("c"))

	s2 := s.Add("c").Add("c")
	require.Equal(t, UserSet{"a", "b", "c"}, s2)
	require.Equal(t, UserSet{"a", "b"}, s, "receiver must not change")

	require.Equal(t, UserSet{"a", "c"}, s2.Remove("b"))
	require.Equal(t, s2, s2.Remove("zz"))
	require.Equal(t, UserSet{"c"}, s2.Without("a", "b"))
	require.True(t, UserSet(nil).Equal(UserSet{}))
}

func TestModePredicates(t *testing.T) {
	t.Parallel()

	require.True(t, ModeJoinSynced.AcceptsSync())
	require.True(t, ModeNotConfirmed.AcceptsSync())
	require.False(t, ModeInvitation.AcceptsSync())
	require.False(t, Mode(99).AcceptsSync())
	require.False(t, Mode(-1).Known())
	require.True(t, ModeLeaveCleanup.Known())
	require.True(t, ModeGeoInvite.IsInvitation())
	require.Equal(t, "MODE(99)", Mode(99).String())
	require.Equal(t, "JOIN_SYNCED", ModeJoinSynced.String())
}

func TestGroupRecordClone(t *testing.T) {
	t.Parallel()

	g := &GroupRecord{
		Members:     NewUserSet("a"),
		Permissions: map[Capability]Permission{CapCalling: {Users: NewUserSet("x")}},
		Preferences: map[string]Preference{"mute": {Name: "mute", Int: 1}},
	}
	c := g.Clone()
	c.Members[0] = "z"
	c.Permissions[CapCalling] = Permission{}
	c.Preferences["mute"] = Preference{}

	require.Equal(t, UserSet{"a"}, g.Members)
	require.Equal(t, UserSet{"x"}, g.Permissions[CapCalling].Users)
	require.Equal(t, int64(1), g.Preferences["mute"].Int)
}

func TestIdentityStrings(t *testing.T) {
	t.Parallel()
	require.Equal(t, "fid:7", ByFenceID(7).String())
	require.Equal(t, "cname:1:a", ByCanonicalName("1:a").String())
}
