package model

import "strconv"

// Mode is the local lifecycle state of a group record.
//
// Numeric values are persisted and must not be renumbered.
type Mode int

const (
	ModeDeviceLocal            Mode = 0 // strictly local, unknown to the server
	ModeInvitation             Mode = 1 // invitation received, not acknowledged
	ModeGeoInvite              Mode = 2 // geo-based invitation
	ModeUninvited              Mode = 3 // invitation withdrawn
	ModeJoinAccepted           Mode = 10
	ModeInvitationJoinAccepted Mode = 11
	ModeGeoJoin                Mode = 12
	ModeJoinSynced             Mode = 13 // steady state
	ModeNotConfirmed           Mode = 14 // locally created, awaiting server ack
	ModeLeaveAccepted          Mode = 20
	ModeLeaveGeoBased          Mode = 21
	ModeLeaveNotConfirmed      Mode = 22
	ModeLeaveCleanup           Mode = 23 // terminal: delete group and thread on leave
)

var modeNames = map[Mode]string{
	ModeDeviceLocal:            "DEVICE_LOCAL",
	ModeInvitation:             "INVITATION",
	ModeGeoInvite:              "GEOBASED_INVITE",
	ModeUninvited:              "UNINVITED",
	ModeJoinAccepted:           "JOIN_ACCEPTED",
	ModeInvitationJoinAccepted: "INVITATION_JOIN_ACCEPTED",
	ModeGeoJoin:                "GEOBASED_JOIN",
	ModeJoinSynced:             "JOIN_SYNCED",
	ModeNotConfirmed:           "NOT_CONFIRMED",
	ModeLeaveAccepted:          "LEAVE_ACCEPTED",
	ModeLeaveGeoBased:          "LEAVE_GEO_BASED",
	ModeLeaveNotConfirmed:      "LEAVE_NOT_CONFIRMED",
	ModeLeaveCleanup:           "LEAVE_NOT_CONFIRMED_CLEANUP",
}

func (m Mode) String() string {
	if n, ok := modeNames[m]; ok {
		return n
	}
	return "MODE(" + strconv.Itoa(int(m)) + ")"
}

// Known reports whether m is a defined mode value.
func (m Mode) Known() bool {
	_, ok := modeNames[m]
	return ok
}

// AcceptsSync reports whether a record in mode m may receive a join/state-sync merge
// without first being healed.
func (m Mode) AcceptsSync() bool {
	switch m {
	case ModeJoinAccepted, ModeInvitationJoinAccepted, ModeGeoJoin, ModeJoinSynced, ModeNotConfirmed:
		return true
	}
	return false
}

// IsInvitation reports whether m is one of the pending-invitation modes.
func (m Mode) IsInvitation() bool { return m == ModeInvitation || m == ModeGeoInvite }
