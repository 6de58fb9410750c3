package command

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/model"
)

func TestDecode_FullCommand(t *testing.T) {
	t.Parallel()

	in := &Command{
		Header: Header{
			Kind: KindPermission, Arg: ArgRejected, ClientArg: ArgAdded, Error: ErrorPermissions,
			EventID: 42, WhenClient: 1700000000123, When: 1700000000999, Originator: "u-7",
		},
		Fences: []FenceSnapshot{{
			FenceID:           1234,
			CanonicalName:     Ptr("1234:Alpha"),
			Title:             Ptr("Alpha"),
			OwnerUserID:       Ptr("u-1"),
			Kind:              Ptr(model.KindUser),
			PrivacyMode:       Ptr(model.PrivacyPublic),
			DeliveryMode:      Ptr(model.DeliveryBroadcast),
			MaxMembers:        Ptr(int32(50)),
			ExpireTimerMillis: Ptr(int64(60000)),
			AvatarRef:         Ptr("av-1"),
			Members:           []string{"u-1", "u-2"},
			InvitedMembers:    []string{"u-3"},
			Permissions: map[model.Capability]PermissionBlock{
				model.CapCalling:      {Semantics: model.AllowList, Users: []string{"u-2"}},
				model.CapPresentation: {},
			},
			EventID:     42,
			Preferences: []model.Preference{{Name: "sticky", Int: 1}, {Name: "nick", Str: "al"}},
		}},
	}

	out, err := Decode(Encode(in))
	require.NoError(t, err)
	require.Equal(t, in.Header, out.Header)
	require.Len(t, out.Fences, 1)

	f := out.Fence()
	require.Equal(t, int64(1234), f.FenceID)
	require.Equal(t, "1234:Alpha", f.Cname())
	require.Equal(t, "Alpha", f.Fname())
	require.Equal(t, model.PrivacyPublic, *f.PrivacyMode, "zero-valued present fields stay present")
	require.Nil(t, f.JoinMode)
	require.Equal(t, []string{"u-1", "u-2"}, f.Members)
	require.Equal(t, []string{"u-3"}, f.InvitedMembers)
	require.Len(t, f.Permissions, 2)
	require.Equal(t, model.AllowList, f.Permissions[model.CapCalling].Semantics)
	require.Equal(t, []string{"u-2"}, f.Permissions[model.CapCalling].Users)
	require.Equal(t, in.Fences[0].Preferences, f.Preferences)
	require.Equal(t, "PERMISSION/REJECTED", out.Label())
}

func TestDecode_NoFences(t *testing.T) {
	t.Parallel()

	out, err := Decode(Encode(&Command{Header: Header{Kind: KindState, Arg: ArgResync}}))
	require.NoError(t, err)
	require.Nil(t, out.Fence())
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	t.Parallel()

	b := Encode(&Command{Header: Header{Kind: KindJoin, Arg: ArgSynced}})
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	b = protowire.AppendTag(b, 98, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	out, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, KindJoin, out.Header.Kind)
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	valid := Encode(&Command{Header: Header{Kind: KindJoin}, Fences: []FenceSnapshot{{FenceID: 1, Title: Ptr("x")}}})

	var headerless []byte
	headerless = protowire.AppendTag(headerless, fCommandFences, protowire.BytesType)
	headerless = protowire.AppendBytes(headerless, nil)

	var unknownKind []byte
	unknownKind = protowire.AppendTag(unknownKind, fCommandHeader, protowire.BytesType)
	unknownKind = protowire.AppendBytes(unknownKind, protowire.AppendVarint(protowire.AppendTag(nil, fHeaderCommand, protowire.VarintType), 77))

	var noCommand []byte
	noCommand = protowire.AppendTag(noCommand, fCommandHeader, protowire.BytesType)
	noCommand = protowire.AppendBytes(noCommand, protowire.AppendVarint(protowire.AppendTag(nil, fHeaderArgs, protowire.VarintType), 1))

	var wrongType []byte
	wrongType = protowire.AppendTag(wrongType, fCommandHeader, protowire.VarintType)
	wrongType = protowire.AppendVarint(wrongType, 1)

	cases := map[string][]byte{
		"truncated":      valid[:len(valid)-2],
		"missing header": headerless,
		"unknown kind":   unknownKind,
		"no command":     noCommand,
		"wrong wiretype": wrongType,
		"garbage":        {0xff, 0xff, 0xff},
	}
	for name, b := range cases {
		_, err := Decode(b)
		require.Error(t, err, name)
		require.True(t, errors.Is(err, errs.ErrDecode), name)
		var de *DecodeError
		require.True(t, errors.As(err, &de), name)
	}
}

func TestDecode_EmptyInput(t *testing.T) {
	t.Parallel()

	_, err := Decode(nil)
	require.ErrorIs(t, err, errs.ErrDecode)
}

func TestStringers(t *testing.T) {
	t.Parallel()
	require.Equal(t, "KIND(99)", Kind(99).String())
	require.Equal(t, "ACCEPTED_INVITE", ArgAcceptedInvite.String())
	require.Equal(t, "INVITE_ONLY", ErrorInviteOnly.String())
}

func TestParseNames(t *testing.T) {
	t.Parallel()
	for k := range kindNames {
		got, ok := ParseKind(k.String())
		require.True(t, ok)
		require.Equal(t, k, got)
	}
	for a := range argNames {
		got, ok := ParseArg(a.String())
		require.True(t, ok)
		require.Equal(t, a, got)
	}
	e, ok := ParseErrorCode("PERMISSIONS")
	require.True(t, ok)
	require.Equal(t, ErrorPermissions, e)

	_, ok = ParseKind("JUMP")
	require.False(t, ok)
	_, ok = ParseArg("")
	require.False(t, ok)
	_, ok = ParseErrorCode("ERROR(9)")
	require.False(t, ok)
}
