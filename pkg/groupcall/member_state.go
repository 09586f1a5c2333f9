package groupcall

import "time"

// EventTypeCallMember is the reserved room-state event type member devices
// are advertised under (§6). Declared as a plain string rather than a
// mautrix event.Type constant since the schema below is specific to this
// coordinator and not (yet) part of upstream mautrix's event package.
const EventTypeCallMember = "m.call.member"

// DeviceAdvertisement is one device entry inside a MemberCallEntry (§3, §6).
// Field names are wire-visible and must round-trip verbatim.
type DeviceAdvertisement struct {
	DeviceID  string            `json:"device_id"`
	SessionID string            `json:"session_id"`
	ExpiresTs int64             `json:"expires_ts"`
	Feeds     []DeviceFeedEntry `json:"feeds"`
}

type DeviceFeedEntry struct {
	Purpose Purpose `json:"purpose"`
}

// TerminationReason is the value carried by a terminated call's
// m.terminated key (§6).
type TerminationReason string

const TerminationReasonCallEnded TerminationReason = "call_ended"

// MemberCallEntry is one entry of a member-state event's m.calls array: the
// devices one member has advertised for one specific group call.
type MemberCallEntry struct {
	CallID     string                `json:"m.call_id"`
	Foci       []string              `json:"m.foci,omitempty"`
	Devices    []DeviceAdvertisement `json:"m.devices"`
	Terminated TerminationReason     `json:"m.terminated,omitempty"`
}

// MemberCallStateContent is the full content of an m.call.member state
// event, state-keyed by the member's UserID.
type MemberCallStateContent struct {
	Calls []MemberCallEntry `json:"m.calls"`
}

// validDevice reports whether a device advertisement is structurally sound
// and not yet expired (§4.B, §4.E use the identical predicate).
func validDevice(d DeviceAdvertisement, now time.Time) bool {
	if d.DeviceID == "" || d.SessionID == "" {
		return false
	}

	if d.ExpiresTs <= now.UnixMilli() {
		return false
	}

	// Feeds is allowed to be empty (a device with no published purpose yet)
	// but must be a present (non-nil) sequence per the schema.
	if d.Feeds == nil {
		return false
	}

	return true
}

// entryForCall finds the MemberCallEntry belonging to groupCallID within a
// member-state event's content, i.e. "select the entry whose m.call_id
// matches" (§4.B, §4.E).
func entryForCall(content MemberCallStateContent, groupCallID GroupCallID) (MemberCallEntry, bool) {
	for _, entry := range content.Calls {
		if entry.CallID == string(groupCallID) {
			return entry, true
		}
	}

	return MemberCallEntry{}, false
}

// filterValidDevices keeps only structurally valid, unexpired devices,
// preserving order. Used by both the participant view (§4.B) and the
// membership publisher's read-modify-write cycle (§4.E) so that "apply the
// filter to an already-valid list is the identity" (§8) holds for both.
func filterValidDevices(devices []DeviceAdvertisement, now time.Time) []DeviceAdvertisement {
	out := make([]DeviceAdvertisement, 0, len(devices))

	for _, d := range devices {
		if validDevice(d, now) {
			out = append(out, d)
		}
	}

	return out
}

// minExpiresTs returns the earliest ExpiresTs among devices, and false if
// devices is empty. Used to arm the participant-expiration timer (§4.B).
func minExpiresTs(devices []DeviceAdvertisement) (int64, bool) {
	var (
		min   int64
		found bool
	)

	for _, d := range devices {
		if !found || d.ExpiresTs < min {
			min = d.ExpiresTs
			found = true
		}
	}

	return min, found
}

func feedsFromPurposes(purposes []Purpose) []DeviceFeedEntry {
	feeds := make([]DeviceFeedEntry, len(purposes))
	for i, p := range purposes {
		feeds[i] = DeviceFeedEntry{Purpose: p}
	}

	return feeds
}
