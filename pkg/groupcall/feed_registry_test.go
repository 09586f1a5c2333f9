package groupcall

import "testing"

func newTestFeedRegistry() (*FeedRegistry, *emitter) {
	events := &emitter{}

	return newFeedRegistry(testLogger(), events), events
}

func TestFeedRegistry_AddRemoveUserMediaFeed(t *testing.T) {
	r, events := newTestFeedRegistry()

	var changes int
	events.On(func(ev Event) {
		if _, ok := ev.(UserMediaFeedsChanged); ok {
			changes++
		}
	})

	feed := NewCallFeed("@a:h", "DA", PurposeUsermedia, nil)
	r.AddUserMediaFeed(feed)

	got, ok := r.GetUserMediaFeed("@a:h", "DA")
	if !ok || got.Key() != feed.Key() {
		t.Fatal("expected feed to be retrievable after add")
	}

	if err := r.RemoveUserMediaFeed(feed.Key()); err != nil {
		t.Fatalf("RemoveUserMediaFeed: %v", err)
	}

	if _, ok := r.GetUserMediaFeed("@a:h", "DA"); ok {
		t.Fatal("feed should be gone after remove")
	}

	if changes != 2 {
		t.Fatalf("UserMediaFeedsChanged fired %d times, want 2", changes)
	}
}

func TestFeedRegistry_RemoveUnknownFeed(t *testing.T) {
	r, _ := newTestFeedRegistry()

	if err := r.RemoveUserMediaFeed(FeedKey{UserID: "@a:h", DeviceID: "DA"}); err != ErrFeedNotFound {
		t.Fatalf("err = %v, want ErrFeedNotFound", err)
	}

	other := NewCallFeed("@a:h", "DA", PurposeUsermedia, nil)
	if err := r.ReplaceUserMediaFeed(other, other); err != ErrFeedNotFound {
		t.Fatalf("err = %v, want ErrFeedNotFound", err)
	}
}

func TestFeedRegistry_RemoveActiveSpeakerPromotesNext(t *testing.T) {
	r, events := newTestFeedRegistry()

	var activeSpeakerEvents []ActiveSpeakerChanged
	events.On(func(ev Event) {
		if e, ok := ev.(ActiveSpeakerChanged); ok {
			activeSpeakerEvents = append(activeSpeakerEvents, e)
		}
	})

	feed1 := NewCallFeed("@a:h", "DA", PurposeUsermedia, nil)
	feed2 := NewCallFeed("@b:h", "DB", PurposeUsermedia, nil)
	r.AddUserMediaFeed(feed1)
	r.AddUserMediaFeed(feed2)

	key := feed1.Key()
	r.activeSpeaker = &key

	if err := r.RemoveUserMediaFeed(feed1.Key()); err != nil {
		t.Fatalf("RemoveUserMediaFeed: %v", err)
	}

	speaker, ok := r.ActiveSpeaker()
	if !ok || speaker.Key() != feed2.Key() {
		t.Fatal("expected feed2 to be promoted to active speaker")
	}

	if len(activeSpeakerEvents) != 1 {
		t.Fatalf("ActiveSpeakerChanged fired %d times, want 1", len(activeSpeakerEvents))
	}
}

func TestFeedRegistry_RemoveLastFeedClearsActiveSpeaker(t *testing.T) {
	r, _ := newTestFeedRegistry()

	feed := NewCallFeed("@a:h", "DA", PurposeUsermedia, nil)
	r.AddUserMediaFeed(feed)
	key := feed.Key()
	r.activeSpeaker = &key

	if err := r.RemoveUserMediaFeed(feed.Key()); err != nil {
		t.Fatalf("RemoveUserMediaFeed: %v", err)
	}

	if _, ok := r.ActiveSpeaker(); ok {
		t.Fatal("active speaker should be cleared when no feeds remain")
	}
}

// §9 open question: a feed with no samples is skipped by the active-speaker
// reduce rather than crashing or winning by default.
func TestTickActiveSpeaker_SkipsFeedsWithNoSamples(t *testing.T) {
	r, events := newTestFeedRegistry()

	var changes int
	events.On(func(ev Event) {
		if _, ok := ev.(ActiveSpeakerChanged); ok {
			changes++
		}
	})

	silent := NewCallFeed("@a:h", "DA", PurposeUsermedia, nil)
	speaking := NewCallFeed("@b:h", "DB", PurposeUsermedia, nil)
	r.AddUserMediaFeed(silent)
	r.AddUserMediaFeed(speaking)
	r.setLocalFeedKey(FeedKey{UserID: "@z:h", DeviceID: "DZ"})

	speaking.PushVolumeSample(SpeakingThreshold * 10)

	r.tickActiveSpeaker()

	got, ok := r.ActiveSpeaker()
	if !ok || got.Key() != speaking.Key() {
		t.Fatal("expected the only feed with samples above threshold to become active speaker")
	}

	if changes != 1 {
		t.Fatalf("ActiveSpeakerChanged fired %d times, want 1", changes)
	}
}

func TestTickActiveSpeaker_NoFeedQualifiesLeavesUnchanged(t *testing.T) {
	r, events := newTestFeedRegistry()

	var changes int
	events.On(func(ev Event) {
		if _, ok := ev.(ActiveSpeakerChanged); ok {
			changes++
		}
	})

	feed := NewCallFeed("@a:h", "DA", PurposeUsermedia, nil)
	r.AddUserMediaFeed(feed)
	feed.PushVolumeSample(SpeakingThreshold / 2)

	r.tickActiveSpeaker()

	if changes != 0 {
		t.Fatalf("ActiveSpeakerChanged fired %d times, want 0 (below threshold)", changes)
	}
}
