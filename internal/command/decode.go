package command

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/model"
)

// Field numbers of the FenceCommand wire message and its children.
const (
	fCommandHeader = 1
	fCommandFences = 2

	fHeaderCommand    = 1
	fHeaderArgs       = 2
	fHeaderArgsClient = 3
	fHeaderArgsError  = 4
	fHeaderEid        = 5
	fHeaderWhenClient = 6
	fHeaderWhen       = 7
	fHeaderOriginator = 8

	fFenceFid         = 1
	fFenceCname       = 2
	fFenceFname       = 3
	fFenceOwner       = 4
	fFenceType        = 5
	fFencePrivacy     = 6
	fFenceDelivery    = 7
	fFenceJoinMode    = 8
	fFenceMaxMembers  = 9
	fFenceExpireTimer = 10
	fFenceAvatar      = 11
	fFenceMembers     = 12
	fFenceInvited     = 13
	fFencePermFirst   = 14 // presentation; membership..calling follow in Capabilities order
	fFencePermLast    = 18
	fFenceEid         = 19
	fFencePreferences = 20
	fFenceInvitedFlag = 21
	fUserUID          = 1
	fPermSemantics    = 1
	fPermUsers        = 2
	fPreferenceName   = 1
	fPreferenceInt    = 2
	fPreferenceStr    = 3
)

// DecodeError reports malformed framing or an unknown command kind.
type DecodeError struct {
	Msg   string
	Field protowire.Number
	Err   error
}

func (e *DecodeError) Error() string {
	s := "decode " + e.Msg
	if e.Field != 0 {
		s += fmt.Sprintf(" (field %d)", e.Field)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the sentinel and the underlying parse error.
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{errs.ErrDecode}
	}
	return []error{errs.ErrDecode, e.Err}
}

// Decode parses a FenceCommand. It has no side effects.
func Decode(b []byte) (*Command, error) {
	var (
		cmd       Command
		sawHeader bool
	)
	err := eachField(b, "command", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fCommandHeader:
			v, n, err := bytesValue("header", num, typ, b)
			if err != nil {
				return 0, err
			}
			if err := decodeHeader(v, &cmd.Header); err != nil {
				return 0, err
			}
			sawHeader = true
			return n, nil
		case fCommandFences:
			v, n, err := bytesValue("fence", num, typ, b)
			if err != nil {
				return 0, err
			}
			f, err := decodeFence(v)
			if err != nil {
				return 0, err
			}
			cmd.Fences = append(cmd.Fences, f)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if !sawHeader {
		return nil, &DecodeError{Msg: "missing header"}
	}
	if !cmd.Header.Kind.Valid() {
		return nil, &DecodeError{Msg: "unknown command kind " + cmd.Header.Kind.String(), Field: fHeaderCommand}
	}
	return &cmd, nil
}

func decodeHeader(b []byte, h *Header) error {
	sawCommand := false
	err := eachField(b, "header", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fHeaderCommand, fHeaderArgs, fHeaderArgsClient, fHeaderArgsError,
			fHeaderEid, fHeaderWhenClient, fHeaderWhen:
			v, n, err := varintValue("header", num, typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case fHeaderCommand:
				h.Kind, sawCommand = Kind(v), true
			case fHeaderArgs:
				h.Arg = Arg(v)
			case fHeaderArgsClient:
				h.ClientArg = Arg(v)
			case fHeaderArgsError:
				h.Error = ErrorCode(v)
			case fHeaderEid:
				h.EventID = int64(v)
			case fHeaderWhenClient:
				h.WhenClient = int64(v)
			case fHeaderWhen:
				h.When = int64(v)
			}
			return n, nil
		case fHeaderOriginator:
			v, n, err := bytesValue("header", num, typ, b)
			if err != nil {
				return 0, err
			}
			h.Originator = string(v)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if !sawCommand {
		return &DecodeError{Msg: "header without command", Field: fHeaderCommand}
	}
	return nil
}

func decodeFence(b []byte) (FenceSnapshot, error) {
	var f FenceSnapshot
	err := eachField(b, "fence", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fFenceCname || num == fFenceFname || num == fFenceOwner || num == fFenceAvatar:
			v, n, err := bytesValue("fence", num, typ, b)
			if err != nil {
				return 0, err
			}
			s := string(v)
			switch num {
			case fFenceCname:
				f.CanonicalName = &s
			case fFenceFname:
				f.Title = &s
			case fFenceOwner:
				f.OwnerUserID = &s
			case fFenceAvatar:
				f.AvatarRef = &s
			}
			return n, nil

		case num == fFenceMembers || num == fFenceInvited:
			v, n, err := bytesValue("fence", num, typ, b)
			if err != nil {
				return 0, err
			}
			uid, err := decodeUser(v)
			if err != nil {
				return 0, err
			}
			if num == fFenceMembers {
				f.Members = append(f.Members, uid)
			} else {
				f.InvitedMembers = append(f.InvitedMembers, uid)
			}
			return n, nil

		case num >= fFencePermFirst && num <= fFencePermLast:
			v, n, err := bytesValue("fence", num, typ, b)
			if err != nil {
				return 0, err
			}
			p, err := decodePermission(v)
			if err != nil {
				return 0, err
			}
			if f.Permissions == nil {
				f.Permissions = make(map[model.Capability]PermissionBlock, 5)
			}
			f.Permissions[model.Capabilities[num-fFencePermFirst]] = p
			return n, nil

		case num == fFencePreferences:
			v, n, err := bytesValue("fence", num, typ, b)
			if err != nil {
				return 0, err
			}
			p, err := decodePreference(v)
			if err != nil {
				return 0, err
			}
			f.Preferences = append(f.Preferences, p)
			return n, nil

		case num == fFenceFid || (num >= fFenceType && num <= fFenceExpireTimer) ||
			num == fFenceEid || num == fFenceInvitedFlag:
			v, n, err := varintValue("fence", num, typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case fFenceFid:
				f.FenceID = int64(v)
			case fFenceType:
				f.Kind = Ptr(model.GroupKind(v))
			case fFencePrivacy:
				f.PrivacyMode = Ptr(model.PrivacyMode(v))
			case fFenceDelivery:
				f.DeliveryMode = Ptr(model.DeliveryMode(v))
			case fFenceJoinMode:
				f.JoinMode = Ptr(model.JoinMode(v))
			case fFenceMaxMembers:
				f.MaxMembers = Ptr(int32(v))
			case fFenceExpireTimer:
				f.ExpireTimerMillis = Ptr(int64(v))
			case fFenceEid:
				f.EventID = int64(v)
			case fFenceInvitedFlag:
				f.Invited = protowire.DecodeBool(v)
			}
			return n, nil
		}
		return 0, nil
	})
	return f, err
}

func decodeUser(b []byte) (string, error) {
	var uid string
	err := eachField(b, "user", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fUserUID {
			return 0, nil
		}
		v, n, err := bytesValue("user", num, typ, b)
		uid = string(v)
		return n, err
	})
	return uid, err
}

func decodePermission(b []byte) (PermissionBlock, error) {
	var p PermissionBlock
	err := eachField(b, "permission", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fPermSemantics:
			v, n, err := varintValue("permission", num, typ, b)
			p.Semantics = model.ListSemantics(v)
			return n, err
		case fPermUsers:
			v, n, err := bytesValue("permission", num, typ, b)
			if err != nil {
				return 0, err
			}
			uid, err := decodeUser(v)
			if err != nil {
				return 0, err
			}
			p.Users = append(p.Users, uid)
			return n, nil
		}
		return 0, nil
	})
	return p, err
}

func decodePreference(b []byte) (model.Preference, error) {
	var p model.Preference
	err := eachField(b, "preference", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fPreferenceName, fPreferenceStr:
			v, n, err := bytesValue("preference", num, typ, b)
			if num == fPreferenceName {
				p.Name = string(v)
			} else {
				p.Str = string(v)
			}
			return n, err
		case fPreferenceInt:
			v, n, err := varintValue("preference", num, typ, b)
			p.Int = int64(v)
			return n, err
		}
		return 0, nil
	})
	return p, err
}

// eachField walks the fields of one message. fn returns the number of value
// bytes it consumed, or 0 to have the field skipped.
func eachField(b []byte, msg string, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Msg: msg, Err: protowire.ParseError(n)}
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return &DecodeError{Msg: msg, Field: num, Err: protowire.ParseError(m)}
			}
		}
		b = b[m:]
	}
	return nil
}

func varintValue(msg string, num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, &DecodeError{Msg: msg + ": want varint", Field: num}
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, &DecodeError{Msg: msg, Field: num, Err: protowire.ParseError(n)}
	}
	return v, n, nil
}

func bytesValue(msg string, num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, &DecodeError{Msg: msg + ": want bytes", Field: num}
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, &DecodeError{Msg: msg, Field: num, Err: protowire.ParseError(n)}
	}
	return v, n, nil
}
