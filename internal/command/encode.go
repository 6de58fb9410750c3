package command

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/and161185/fence-sync/internal/model"
)

// Encode renders cmd in the wire format read by Decode.
func Encode(cmd *Command) []byte {
	var b []byte
	b = protowire.AppendTag(b, fCommandHeader, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeHeader(&cmd.Header))
	for i := range cmd.Fences {
		b = protowire.AppendTag(b, fCommandFences, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeFence(&cmd.Fences[i]))
	}
	return b
}

func encodeHeader(h *Header) []byte {
	var b []byte
	b = appendVarint(b, fHeaderCommand, uint64(h.Kind), true)
	b = appendVarint(b, fHeaderArgs, uint64(h.Arg), false)
	b = appendVarint(b, fHeaderArgsClient, uint64(h.ClientArg), false)
	b = appendVarint(b, fHeaderArgsError, uint64(h.Error), false)
	b = appendVarint(b, fHeaderEid, uint64(h.EventID), false)
	b = appendVarint(b, fHeaderWhenClient, uint64(h.WhenClient), false)
	b = appendVarint(b, fHeaderWhen, uint64(h.When), false)
	if h.Originator != "" {
		b = appendString(b, fHeaderOriginator, h.Originator)
	}
	return b
}

func encodeFence(f *FenceSnapshot) []byte {
	var b []byte
	b = appendVarint(b, fFenceFid, uint64(f.FenceID), false)
	if f.CanonicalName != nil {
		b = appendString(b, fFenceCname, *f.CanonicalName)
	}
	if f.Title != nil {
		b = appendString(b, fFenceFname, *f.Title)
	}
	if f.OwnerUserID != nil {
		b = appendString(b, fFenceOwner, *f.OwnerUserID)
	}
	if f.Kind != nil {
		b = appendVarint(b, fFenceType, uint64(*f.Kind), true)
	}
	if f.PrivacyMode != nil {
		b = appendVarint(b, fFencePrivacy, uint64(*f.PrivacyMode), true)
	}
	if f.DeliveryMode != nil {
		b = appendVarint(b, fFenceDelivery, uint64(*f.DeliveryMode), true)
	}
	if f.JoinMode != nil {
		b = appendVarint(b, fFenceJoinMode, uint64(*f.JoinMode), true)
	}
	if f.MaxMembers != nil {
		b = appendVarint(b, fFenceMaxMembers, uint64(*f.MaxMembers), true)
	}
	if f.ExpireTimerMillis != nil {
		b = appendVarint(b, fFenceExpireTimer, uint64(*f.ExpireTimerMillis), true)
	}
	if f.AvatarRef != nil {
		b = appendString(b, fFenceAvatar, *f.AvatarRef)
	}
	for _, uid := range f.Members {
		b = appendMessage(b, fFenceMembers, encodeUser(uid))
	}
	for _, uid := range f.InvitedMembers {
		b = appendMessage(b, fFenceInvited, encodeUser(uid))
	}
	for i, c := range model.Capabilities {
		p, ok := f.Permissions[c]
		if !ok {
			continue
		}
		var pb []byte
		pb = appendVarint(pb, fPermSemantics, uint64(p.Semantics), false)
		for _, uid := range p.Users {
			pb = appendMessage(pb, fPermUsers, encodeUser(uid))
		}
		b = appendMessage(b, protowire.Number(fFencePermFirst+i), pb)
	}
	b = appendVarint(b, fFenceEid, uint64(f.EventID), false)
	for _, p := range f.Preferences {
		var pb []byte
		pb = appendString(pb, fPreferenceName, p.Name)
		pb = appendVarint(pb, fPreferenceInt, uint64(p.Int), false)
		if p.Str != "" {
			pb = appendString(pb, fPreferenceStr, p.Str)
		}
		b = appendMessage(b, fFencePreferences, pb)
	}
	if f.Invited {
		b = appendVarint(b, fFenceInvitedFlag, 1, true)
	}
	return b
}

func encodeUser(uid string) []byte { return appendString(nil, fUserUID, uid) }

// appendVarint writes a varint field; zero values are omitted unless always is set.
func appendVarint(b []byte, num protowire.Number, v uint64, always bool) []byte {
	if v == 0 && !always {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}
