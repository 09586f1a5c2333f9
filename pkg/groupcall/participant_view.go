package groupcall

import (
	"time"

	"github.com/matrix-org/groupcall-coordinator/pkg/telemetry"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
)

// ParticipantView is the ordered mapping Member -> DeviceID ->
// ParticipantState (§3). Members() returns members in the order update()
// inserted them; update() rebuilds the view by ranging over the room's
// member-state map, so that order is not stable from one update to the next.
type ParticipantView struct {
	order   []Member
	devices map[Member]map[DeviceID]ParticipantState
}

func newParticipantView() ParticipantView {
	return ParticipantView{devices: make(map[Member]map[DeviceID]ParticipantState)}
}

func (v ParticipantView) Members() []Member {
	out := make([]Member, len(v.order))
	copy(out, v.order)

	return out
}

func (v ParticipantView) Devices(m Member) map[DeviceID]ParticipantState {
	return v.devices[m]
}

func (v ParticipantView) Get(slot Slot) (ParticipantState, bool) {
	devices, ok := v.devices[slot.Member]
	if !ok {
		return ParticipantState{}, false
	}

	state, ok := devices[slot.DeviceID]

	return state, ok
}

func (v *ParticipantView) set(m Member, d DeviceID, s ParticipantState) {
	if _, ok := v.devices[m]; !ok {
		v.devices[m] = make(map[DeviceID]ParticipantState)
		v.order = append(v.order, m)
	}

	v.devices[m][d] = s
}

// equal does a structural comparison of the two views, used to decide
// whether ParticipantsChanged should fire (§4.B, §8 invariant 8).
func (v ParticipantView) equal(other ParticipantView) bool {
	if len(v.devices) != len(other.devices) {
		return false
	}

	for m, devices := range v.devices {
		otherDevices, ok := other.devices[m]
		if !ok || len(devices) != len(otherDevices) {
			return false
		}

		for d, state := range devices {
			otherState, ok := otherDevices[d]
			if !ok || otherState != state {
				return false
			}
		}
	}

	return true
}

// ParticipantViewInputs bundles everything updateParticipants needs to
// recompute the view (§4.B "Inputs").
type ParticipantViewInputs struct {
	Room             Room
	LocalUserID      UserID
	LocalDeviceID    DeviceID
	LocalSessionID   SessionID
	GroupCallID      GroupCallID
	LifecycleState   LifecycleState
	EnteredElsewhere bool
	LocalFeeds       *FeedRegistry
	Now              time.Time
}

// participantViewEngine owns the computed view plus the single expiration
// timer that re-triggers recomputation when the earliest advertisement
// would lapse (§4.B).
type participantViewEngine struct {
	logger *logrus.Entry
	events *emitter

	// telemetryRoot, when set, returns the GroupCall's current root span so
	// update() can open a child span around the recomputation - mirroring
	// the teacher's c.telemetry field threaded through Conference.
	telemetryRoot func() *telemetry.Telemetry

	current     ParticipantView
	expiryTimer *oneShot
	expiry      <-chan time.Time
}

func newParticipantViewEngine(logger *logrus.Entry, events *emitter) *participantViewEngine {
	return &participantViewEngine{logger: logger, events: events, current: newParticipantView()}
}

func (p *participantViewEngine) Participants() ParticipantView {
	return p.current
}

// update recomputes the view per §4.B's algorithm and returns the channel to
// wait on for the next expiration, if one was armed. update cancels any
// previously armed timer itself; the caller (state machine) is responsible
// for selecting on the returned channel afterwards.
func (p *participantViewEngine) update(in ParticipantViewInputs) <-chan time.Time {
	if p.telemetryRoot != nil {
		if root := p.telemetryRoot(); root != nil {
			span := root.CreateChild("updateParticipants")
			defer span.End()
		}
	}

	next := newParticipantView()

	entered := in.LifecycleState == LifecycleEntered || in.EnteredElsewhere

	var earliestExpiry int64

	haveEarliest := false

	memberEvents := in.Room.MemberStateEvents(EventTypeCallMember)

	for userID, content := range memberEvents {
		entry, ok := entryForCall(content, in.GroupCallID)
		if !ok {
			continue
		}

		valid := filterValidDevices(entry.Devices, in.Now)

		if userID == in.LocalUserID && !entered {
			// Local-echo suppression: drop our own device id from our own
			// advertisement unless we're considered entered (§4.B).
			filtered := valid[:0:0]

			for _, d := range valid {
				if DeviceID(d.DeviceID) != in.LocalDeviceID {
					filtered = append(filtered, d)
				}
			}

			valid = filtered
		}

		if len(valid) == 0 {
			continue
		}

		if in.Room.Membership(userID) != event.MembershipJoin {
			continue
		}

		member := Member{UserID: userID}

		for _, d := range valid {
			next.set(member, DeviceID(d.DeviceID), ParticipantState{
				SessionID:     SessionID(d.SessionID),
				Screensharing: hasPurpose(d.Feeds, PurposeScreenshare),
			})
		}

		if min, ok := minExpiresTs(valid); ok && (!haveEarliest || min < earliestExpiry) {
			earliestExpiry = min
			haveEarliest = true
		}
	}

	if entered {
		localMember := Member{UserID: in.LocalUserID}
		screensharing := false

		if in.LocalFeeds != nil {
			_, screensharing = in.LocalFeeds.GetScreenshareFeed(in.LocalUserID, in.LocalDeviceID)
		}

		next.set(localMember, in.LocalDeviceID, ParticipantState{
			SessionID:     in.LocalSessionID,
			Screensharing: screensharing,
		})
	}

	changed := !p.current.equal(next)
	p.current = next

	if changed {
		p.events.emit(ParticipantsChanged{Participants: next})
	}

	// Cancel any previously armed timer, then arm a fresh one at the new
	// earliest expiry, mirroring "cancel any prior expiration timer first"
	// (§4.B).
	if p.expiryTimer != nil {
		p.expiryTimer.Stop()
		p.expiryTimer = nil
		p.expiry = nil
	}

	if !haveEarliest {
		return nil
	}

	delay := time.Duration(earliestExpiry-in.Now.UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	t, c := newOneShot(delay)
	p.expiryTimer = t
	p.expiry = c

	return c
}

// expiryChan returns the channel the run loop should currently be selecting
// on for the participant-expiration timeout, or nil if none is armed.
func (p *participantViewEngine) expiryChan() <-chan time.Time {
	return p.expiry
}

func (p *participantViewEngine) stop() {
	if p.expiryTimer != nil {
		p.expiryTimer.Stop()
		p.expiryTimer = nil
		p.expiry = nil
	}
}

func hasPurpose(feeds []DeviceFeedEntry, purpose Purpose) bool {
	for _, f := range feeds {
		if f.Purpose == purpose {
			return true
		}
	}

	return false
}
