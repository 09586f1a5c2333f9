package groupcall

import (
	"context"
	"testing"
)

func newTestGroupCall(t *testing.T) (*GroupCall, *fakeClient, *fakeRoom, *fakeFactory, *fakeMediaHandler) {
	t.Helper()

	client := newFakeClient("@a:h", "DA", "local-session")
	room := newFakeRoom("!room:h")
	factory := newFakeFactory()
	media := &fakeMediaHandler{userMediaStream: &fakeStream{audio: true}, hasAudio: true}

	gc := NewGroupCall(testLogger(), "G", Config{Type: CallTypeVoice}, client, room, factory, media, ms(0))

	return gc, client, room, factory, media
}

// Double leave() is a no-op after the first (§8 round-trip).
func TestGroupCall_DoubleLeaveIsNoOp(t *testing.T) {
	gc, _, _, _, _ := newTestGroupCall(t)

	if err := gc.InitLocalCallFeed(context.Background()); err != nil {
		t.Fatalf("InitLocalCallFeed: %v", err)
	}

	if err := gc.Enter(context.Background(), ms(0)); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	gc.Leave(context.Background(), ms(0))

	if gc.State() != LifecycleUninitialized {
		t.Fatalf("state after first leave = %v, want Uninitialized", gc.State())
	}

	gc.Leave(context.Background(), ms(0))

	if gc.State() != LifecycleUninitialized {
		t.Fatalf("state after second leave = %v, want Uninitialized (no-op)", gc.State())
	}
}

// §4.G "leave() ... stops all local streams" / §5 "every screen share
// acquisition is paired with exactly one release": a screenshare active at
// leave() time must be stopped and dropped from the feed registry too, not
// just the user-media feed.
func TestGroupCall_LeaveStopsActiveScreenshare(t *testing.T) {
	gc, _, _, _, media := newTestGroupCall(t)

	if err := gc.InitLocalCallFeed(context.Background()); err != nil {
		t.Fatalf("InitLocalCallFeed: %v", err)
	}

	if err := gc.Enter(context.Background(), ms(0)); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	media.screenshareStream = &fakeStream{}

	if _, err := gc.media.SetScreensharingEnabled(context.Background(), true, ScreenshareOptions{SourceID: "screen-1"}); err != nil {
		t.Fatalf("SetScreensharingEnabled(true): %v", err)
	}

	if _, ok := gc.feeds.GetScreenshareFeed("@a:h", "DA"); !ok {
		t.Fatal("screenshare feed should be registered before leave")
	}

	gc.Leave(context.Background(), ms(0))

	if len(media.stoppedScreenshare) != 1 {
		t.Fatalf("expected the screen stream to be stopped once on leave, got %d stops", len(media.stoppedScreenshare))
	}

	if _, ok := gc.feeds.GetScreenshareFeed("@a:h", "DA"); ok {
		t.Fatal("screenshare feed should be removed from the registry on leave")
	}
}

// S6 — termination preserves sibling m.calls entries and marks only ours.
func TestGroupCall_TerminatePreservesOtherCalls(t *testing.T) {
	gc, client, room, _, _ := newTestGroupCall(t)

	room.content["@a:h"] = MemberCallStateContent{Calls: []MemberCallEntry{
		{CallID: "G", Devices: []DeviceAdvertisement{newAdvertisement("DA", "local-session", 4_000_000_000)}},
		{CallID: "H", Devices: []DeviceAdvertisement{newAdvertisement("DA", "s9", 4_000_000_000)}},
	}}

	if err := gc.Terminate(context.Background(), ms(0), true); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	if gc.State() != LifecycleEnded {
		t.Fatalf("state = %v, want Ended", gc.State())
	}

	var memberEvent *sentEvent
	var groupCallEvent *sentEvent

	for i := range client.sentEvents {
		ev := &client.sentEvents[i]
		switch ev.eventType {
		case EventTypeCallMember:
			memberEvent = ev
		case EventTypeGroupCall:
			groupCallEvent = ev
		}
	}

	if groupCallEvent == nil {
		t.Fatal("expected a group-call state event to be published")
	}

	gcContent := groupCallEvent.content.(GroupCallStateContent)
	if gcContent.Terminated != TerminationReasonCallEnded {
		t.Fatalf("group call terminated = %q, want call_ended", gcContent.Terminated)
	}

	if memberEvent == nil {
		t.Fatal("expected a member-state event to be published")
	}

	memberContent := memberEvent.content.(MemberCallStateContent)
	if len(memberContent.Calls) != 2 {
		t.Fatalf("expected both call entries preserved, got %+v", memberContent.Calls)
	}

	for _, entry := range memberContent.Calls {
		switch entry.CallID {
		case "G":
			if entry.Terminated != TerminationReasonCallEnded {
				t.Fatalf("G entry terminated = %q, want call_ended", entry.Terminated)
			}
		case "H":
			if entry.Terminated != "" {
				t.Fatalf("H entry should be untouched, got terminated=%q", entry.Terminated)
			}
		}
	}
}

// terminate() is itself idempotent: a second call is a no-op.
func TestGroupCall_DoubleTerminateIsNoOp(t *testing.T) {
	gc, client, _, _, _ := newTestGroupCall(t)

	if err := gc.Terminate(context.Background(), ms(0), true); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	sentAfterFirst := len(client.sentEvents)

	if err := gc.Terminate(context.Background(), ms(0), true); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}

	if len(client.sentEvents) != sentAfterFirst {
		t.Fatal("second terminate should not publish anything further")
	}
}
