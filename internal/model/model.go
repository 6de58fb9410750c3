// Package model defines domain entities used by the reconciler and the stores.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// GroupKind mirrors the server's fence type.
type GroupKind int

const (
	KindUnknown GroupKind = iota
	KindGeo
	KindUser
)

// PrivacyMode of a fence.
type PrivacyMode int

const (
	PrivacyPublic PrivacyMode = iota
	PrivacyPrivate
)

// DeliveryMode of a fence.
type DeliveryMode int

const (
	DeliveryMany DeliveryMode = iota
	DeliveryBroadcast
	DeliveryBroadcastOneWay
)

// JoinMode of a fence.
type JoinMode int

const (
	JoinOpen JoinMode = iota
	JoinInvite
	JoinOpenWithKey
	JoinInviteWithKey
)

// Capability names a permission-controlled group action.
type Capability int

const (
	CapNone Capability = iota
	CapPresentation
	CapMembership
	CapMessaging
	CapAttaching
	CapCalling
)

// Capabilities lists every capability carried in a fence snapshot, in wire order.
var Capabilities = []Capability{CapPresentation, CapMembership, CapMessaging, CapAttaching, CapCalling}

func (c Capability) String() string {
	switch c {
	case CapPresentation:
		return "presentation"
	case CapMembership:
		return "membership"
	case CapMessaging:
		return "messaging"
	case CapAttaching:
		return "attaching"
	case CapCalling:
		return "calling"
	default:
		return "none"
	}
}

// ListSemantics tells whether a permission list enumerates allowed or denied users.
type ListSemantics int

const (
	DenyList ListSemantics = iota
	AllowList
)

// Permission is a per-capability user list plus its semantics.
type Permission struct {
	Semantics ListSemantics `json:"semantics"`
	Users     UserSet       `json:"users"`
}

// Preference is a user preference piggy-backed on a fence snapshot.
type Preference struct {
	Name string `json:"name"`
	Int  int64  `json:"int,omitempty"`
	Str  string `json:"str,omitempty"`
}

// GroupRecord is the locally cached view of a fence.
type GroupRecord struct {
	LocalID           uuid.UUID // locally allocated, opaque
	FenceID           int64     // 0 until confirmed by the server
	CanonicalName     string
	Title             string
	AvatarRef         string
	OwnerUserID       string
	MaxMembers        int32
	Kind              GroupKind
	PrivacyMode       PrivacyMode
	DeliveryMode      DeliveryMode
	JoinMode          JoinMode
	ExpireTimerMillis int64
	Members           UserSet
	InvitedMembers    UserSet
	Permissions       map[Capability]Permission
	Preferences       map[string]Preference
	Mode              Mode
	Active            bool
	OwnerEventID      int64 // per-group event id stamped for this account
	UpdatedAt         time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (g *GroupRecord) Clone() *GroupRecord {
	if g == nil {
		return nil
	}
	c := *g
	c.Members = g.Members.Clone()
	c.InvitedMembers = g.InvitedMembers.Clone()
	if g.Permissions != nil {
		c.Permissions = make(map[Capability]Permission, len(g.Permissions))
		for k, v := range g.Permissions {
			c.Permissions[k] = Permission{Semantics: v.Semantics, Users: v.Users.Clone()}
		}
	}
	if g.Preferences != nil {
		c.Preferences = make(map[string]Preference, len(g.Preferences))
		for k, v := range g.Preferences {
			c.Preferences[k] = v
		}
	}
	return &c
}

// IsMember reports whether uid is an accepted member.
func (g *GroupRecord) IsMember(uid string) bool { return g.Members.Contains(uid) }

// IsInvited reports whether uid is on the pending invite list.
func (g *GroupRecord) IsInvited(uid string) bool { return g.InvitedMembers.Contains(uid) }

// ThreadRecord is a conversation surfaced to the user, bound to one group.
type ThreadRecord struct {
	ThreadID    int64
	LocalID     uuid.UUID // owning group
	FenceID     int64     // kept equal to the group's FenceID
	LastEventID int64     // monotonically non-decreasing
	UpdatedAt   time.Time
}

// MessageKind classifies a local message record.
type MessageKind string

const (
	// MessageGroupUpdate is materialized for an applied server command.
	MessageGroupUpdate MessageKind = "group_update"
	// MessagePendingRequest is the placeholder of a client request awaiting a server reply.
	MessagePendingRequest MessageKind = "pending_request"
)

// MessageRecord is a conversation entry produced by reconciliation or by an outbound request.
type MessageRecord struct {
	ID       int64
	ThreadID int64
	Kind     MessageKind
	Command  string // e.g. "JOIN/ACCEPTED"
	SentAt   int64  // client timestamp (ms) for placeholders, server timestamp otherwise
	EventID  int64
	Body     string
}
