package groupcall

import (
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
)

func newAdvertisement(deviceID, sessionID string, expiresTs int64) DeviceAdvertisement {
	return DeviceAdvertisement{
		DeviceID:  deviceID,
		SessionID: sessionID,
		ExpiresTs: expiresTs,
		Feeds:     []DeviceFeedEntry{{Purpose: PurposeUsermedia}},
	}
}

// S5 — local echo suppressed until Entered, present afterwards.
func TestParticipantView_LocalEchoSuppressedUntilEntered(t *testing.T) {
	room := newFakeRoom("!room:h")
	room.setJoined("@a:h", newAdvertisement("DA", "local-session", 4_000_000_000))

	engine := newParticipantViewEngine(testLogger(), &emitter{})

	engine.update(ParticipantViewInputs{
		Room:           room,
		LocalUserID:    "@a:h",
		LocalDeviceID:  "DA",
		LocalSessionID: "local-session",
		GroupCallID:    "G",
		LifecycleState: LifecycleInitialized,
		Now:            ms(0),
	})

	if _, ok := engine.Participants().Get(Slot{Member: Member{UserID: "@a:h"}, DeviceID: "DA"}); ok {
		t.Fatal("local device should be suppressed while not entered")
	}

	engine.update(ParticipantViewInputs{
		Room:           room,
		LocalUserID:    "@a:h",
		LocalDeviceID:  "DA",
		LocalSessionID: "local-session",
		GroupCallID:    "G",
		LifecycleState: LifecycleEntered,
		Now:            ms(0),
	})

	state, ok := engine.Participants().Get(Slot{Member: Member{UserID: "@a:h"}, DeviceID: "DA"})
	if !ok {
		t.Fatal("local device should be present once entered")
	}

	if state.SessionID != "local-session" {
		t.Fatalf("session = %q, want local-session", state.SessionID)
	}
}

// Devices past expiry never appear, and members not joined are excluded.
func TestParticipantView_FiltersExpiredAndNonJoined(t *testing.T) {
	room := newFakeRoom("!room:h")
	room.setJoined("@b:h", newAdvertisement("DB", "s1", 500))
	room.members["@c:h"] = event.MembershipLeave
	room.content["@c:h"] = MemberCallStateContent{Calls: []MemberCallEntry{{CallID: "G", Devices: []DeviceAdvertisement{newAdvertisement("DC", "s2", 4_000_000_000)}}}}

	engine := newParticipantViewEngine(testLogger(), &emitter{})

	engine.update(ParticipantViewInputs{
		Room:           room,
		LocalUserID:    "@a:h",
		LocalDeviceID:  "DA",
		LocalSessionID: "local-session",
		GroupCallID:    "G",
		LifecycleState: LifecycleEntered,
		Now:            ms(1000),
	})

	if _, ok := engine.Participants().Get(Slot{Member: Member{UserID: "@b:h"}, DeviceID: "DB"}); ok {
		t.Fatal("expired device should not appear in the view")
	}

	if _, ok := engine.Participants().Get(Slot{Member: Member{UserID: "@c:h"}, DeviceID: "DC"}); ok {
		t.Fatal("non-joined member should not appear in the view")
	}
}

// ParticipantsChanged fires iff the structural value changed (§8 invariant 8).
func TestParticipantView_EmitsOnlyOnRealChange(t *testing.T) {
	room := newFakeRoom("!room:h")
	room.setJoined("@b:h", newAdvertisement("DB", "s1", 4_000_000_000))

	events := &emitter{}

	var changes int
	events.On(func(ev Event) {
		if _, ok := ev.(ParticipantsChanged); ok {
			changes++
		}
	})

	engine := newParticipantViewEngine(testLogger(), events)

	in := ParticipantViewInputs{
		Room:           room,
		LocalUserID:    "@a:h",
		LocalDeviceID:  "DA",
		LocalSessionID: "local-session",
		GroupCallID:    "G",
		LifecycleState: LifecycleEntered,
		Now:            ms(0),
	}

	engine.update(in)
	engine.update(in)

	if changes != 1 {
		t.Fatalf("ParticipantsChanged fired %d times across two identical updates, want 1", changes)
	}

	room.setJoined("@b:h", newAdvertisement("DB", "s2", 4_000_000_000))
	engine.update(in)

	if changes != 2 {
		t.Fatalf("ParticipantsChanged fired %d times after a real change, want 2", changes)
	}
}

// The expiration timer arms at the earliest expires_ts seen (§4.B, §8
// invariant 4).
func TestParticipantView_ArmsExpiryAtEarliest(t *testing.T) {
	room := newFakeRoom("!room:h")
	room.setJoined("@b:h", newAdvertisement("DB", "s1", 10_000))
	room.content["@c:h"] = MemberCallStateContent{Calls: []MemberCallEntry{{CallID: "G", Devices: []DeviceAdvertisement{newAdvertisement("DC", "s2", 50)}}}}
	room.members["@c:h"] = event.MembershipJoin

	engine := newParticipantViewEngine(testLogger(), &emitter{})

	c := engine.update(ParticipantViewInputs{
		Room:           room,
		LocalUserID:    "@a:h",
		LocalDeviceID:  "DA",
		LocalSessionID: "local-session",
		GroupCallID:    "G",
		LifecycleState: LifecycleEntered,
		Now:            ms(0),
	})

	if c == nil {
		t.Fatal("expected an expiry channel to be armed")
	}

	select {
	case <-c:
		t.Fatal("expiry should not have fired yet")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case <-c:
	case <-time.After(time.Second):
		t.Fatal("expiry should fire at the earliest expires_ts (50ms), not the later one (10s)")
	}
}
