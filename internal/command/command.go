// Package command defines the typed fence command exchanged with the server
// and its protobuf wire codec.
package command

import (
	"strconv"

	"github.com/and161185/fence-sync/internal/model"
)

// Kind is the command family carried in a header.
type Kind int

const (
	KindInvalid Kind = iota
	KindJoin
	KindLeave
	KindState
	KindFenceName
	KindAvatar
	KindInvite
	KindMessageExpiry
	KindPermission
	KindMaxMembers
	KindDeliveryMode
	KindJoinMode
	KindPrivacyMode
)

var kindNames = map[Kind]string{
	KindJoin:          "JOIN",
	KindLeave:         "LEAVE",
	KindState:         "STATE",
	KindFenceName:     "FENCE_NAME",
	KindAvatar:        "AVATAR",
	KindInvite:        "INVITE",
	KindMessageExpiry: "MESSAGE_EXPIRY",
	KindPermission:    "PERMISSION",
	KindMaxMembers:    "MAX_MEMBERS",
	KindDeliveryMode:  "DELIVERY_MODE",
	KindJoinMode:      "JOIN_MODE",
	KindPrivacyMode:   "PRIVACY_MODE",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "KIND(" + strconv.Itoa(int(k)) + ")"
}

// Valid reports whether k is a known command kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Arg qualifies a command kind (accepted, rejected, synced...).
type Arg int

const (
	ArgNone Arg = iota
	ArgAccepted
	ArgCreated
	ArgUnchanged
	ArgAcceptedInvite
	ArgGeoBased
	ArgInvited
	ArgInvitedGeo
	ArgSynced
	ArgRejected
	ArgResync
	ArgUpdated
	ArgAdded
	ArgDeleted
	ArgUninvited
	ArgAcceptedPartial
)

var argNames = map[Arg]string{
	ArgNone:            "NONE",
	ArgAccepted:        "ACCEPTED",
	ArgCreated:         "CREATED",
	ArgUnchanged:       "UNCHANGED",
	ArgAcceptedInvite:  "ACCEPTED_INVITE",
	ArgGeoBased:        "GEO_BASED",
	ArgInvited:         "INVITED",
	ArgInvitedGeo:      "INVITED_GEO",
	ArgSynced:          "SYNCED",
	ArgRejected:        "REJECTED",
	ArgResync:          "RESYNC",
	ArgUpdated:         "UPDATED",
	ArgAdded:           "ADDED",
	ArgDeleted:         "DELETED",
	ArgUninvited:       "UNINVITED",
	ArgAcceptedPartial: "ACCEPTED_PARTIAL",
}

func (a Arg) String() string {
	if n, ok := argNames[a]; ok {
		return n
	}
	return "ARG(" + strconv.Itoa(int(a)) + ")"
}

// ErrorCode is the server rejection reason carried in a header.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorGroupDoesntExist
	ErrorInviteOnly
	ErrorPermissions
	ErrorMembersLimit
	ErrorNotMember
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "NONE"
	case ErrorGroupDoesntExist:
		return "GROUP_DOESNT_EXIST"
	case ErrorInviteOnly:
		return "INVITE_ONLY"
	case ErrorPermissions:
		return "PERMISSIONS"
	case ErrorMembersLimit:
		return "MEMBERS_LIMIT"
	case ErrorNotMember:
		return "NOT_MEMBER"
	}
	return "ERROR(" + strconv.Itoa(int(e)) + ")"
}

// Header is the routing part of a command.
type Header struct {
	Kind       Kind
	Arg        Arg
	ClientArg  Arg       // the argument the client originally sent, echoed on rejection
	Error      ErrorCode // set when Arg is ArgRejected
	EventID    int64
	WhenClient int64 // client timestamp of the request this command answers
	When       int64
	Originator string // uid of the user that caused the command, if any
}

// PermissionBlock is one capability's list as sent by the server.
type PermissionBlock struct {
	Semantics model.ListSemantics
	Users     []string
}

// FenceSnapshot is a server view of a fence. Pointer fields are nil when the
// server did not send them; only present fields may overwrite local state.
type FenceSnapshot struct {
	FenceID           int64
	CanonicalName     *string
	Title             *string
	OwnerUserID       *string
	Kind              *model.GroupKind
	PrivacyMode       *model.PrivacyMode
	DeliveryMode      *model.DeliveryMode
	JoinMode          *model.JoinMode
	MaxMembers        *int32
	ExpireTimerMillis *int64
	AvatarRef         *string
	Members           []string
	InvitedMembers    []string
	Permissions       map[model.Capability]PermissionBlock
	EventID           int64
	Preferences       []model.Preference
	Invited           bool
}

// Cname returns the canonical name or "".
func (f *FenceSnapshot) Cname() string { return deref(f.CanonicalName) }

// Fname returns the title or "".
func (f *FenceSnapshot) Fname() string { return deref(f.Title) }

// Command is a decoded fence command.
type Command struct {
	Header Header
	Fences []FenceSnapshot
}

// Fence returns the authoritative (first) snapshot, or nil.
func (c *Command) Fence() *FenceSnapshot {
	if c == nil || len(c.Fences) == 0 {
		return nil
	}
	return &c.Fences[0]
}

// Label renders "KIND/ARG" for logs and message records.
func (c *Command) Label() string { return c.Header.Kind.String() + "/" + c.Header.Arg.String() }

// Ptr returns a pointer to v. Handy for building snapshots.
func Ptr[T any](v T) *T { return &v }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ParseKind returns the kind named s ("JOIN", "LEAVE"...).
func ParseKind(s string) (Kind, bool) {
	for k, n := range kindNames {
		if n == s {
			return k, true
		}
	}
	return KindInvalid, false
}

// ParseArg returns the argument named s ("ACCEPTED", "SYNCED"...).
func ParseArg(s string) (Arg, bool) {
	for a, n := range argNames {
		if n == s {
			return a, true
		}
	}
	return ArgNone, false
}

// ParseErrorCode returns the error code named s ("PERMISSIONS"...).
func ParseErrorCode(s string) (ErrorCode, bool) {
	for e := ErrorNone; e <= ErrorNotMember; e++ {
		if e.String() == s {
			return e, true
		}
	}
	return ErrorNone, false
}
