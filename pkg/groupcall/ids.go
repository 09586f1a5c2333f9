package groupcall

import (
	"maunium.net/go/mautrix/id"
)

// Identifiers re-exported from mautrix so that callers never need to import
// both packages just to construct a Member or a Slot.
type (
	UserID    = id.UserID
	DeviceID  = id.DeviceID
	RoomID    = id.RoomID
	SessionID = id.SessionID
)

// GroupCallID identifies a single group call within a room. It is the state
// key of the group call's own state event (m.call, state key == GroupCallID)
// and the m.call_id carried by every m.call.member device entry that belongs
// to this call.
type GroupCallID string

// Member identifies a room member participating in (or invited to) a group
// call. It is not a DeviceID: a member may advertise several devices.
type Member struct {
	UserID UserID
}

func (m Member) String() string {
	return string(m.UserID)
}

// Slot identifies a position in the call graph: one device belonging to one
// member. This is the key the reconciler, the handler table and the retry
// counters all share.
type Slot struct {
	Member   Member
	DeviceID DeviceID
}

func (s Slot) String() string {
	return string(s.Member.UserID) + "/" + string(s.DeviceID)
}

// ParticipantState is what the participant view knows about a single device
// of a single member: the session currently advertised for it, and whether
// that device is sharing its screen.
type ParticipantState struct {
	SessionID     SessionID
	Screensharing bool
}
