package groupcall

import (
	"time"

	"github.com/sirupsen/logrus"
)

// FeedRegistry tracks the two feed sequences (user-media, screenshare) and
// computes the active speaker (§4.A). It owns no call state; the reconciler
// writes remote feeds and the LocalMediaController writes the local ones,
// everyone else reads through the narrow accessors.
type FeedRegistry struct {
	logger *logrus.Entry
	events *emitter

	userMediaFeeds   []CallFeed
	screenshareFeeds []CallFeed
	activeSpeaker    *FeedKey
	localFeedKey     *FeedKey

	activeSpeakerTicker *ticker
}

func newFeedRegistry(logger *logrus.Entry, events *emitter) *FeedRegistry {
	return &FeedRegistry{logger: logger, events: events}
}

// setLocalFeedKey records which (userId, deviceId) is ours, so the
// active-speaker tick can implement "including the local feed only when it
// is the only one" (§4.A).
func (r *FeedRegistry) setLocalFeedKey(key FeedKey) {
	r.localFeedKey = &key
}

// AddUserMediaFeed records feed and emits UserMediaFeedsChanged. §4.A also
// calls for "enable volume sampling on the feed" on add; that sampling is
// driven by whichever collaborator owns the underlying MediaStream/Call
// (it pushes samples via CallFeed.PushVolumeSample), not by the registry
// itself, so there is nothing further to do here.
func (r *FeedRegistry) AddUserMediaFeed(feed CallFeed) {
	r.userMediaFeeds = append(r.userMediaFeeds, feed)
	r.events.emit(UserMediaFeedsChanged{Feeds: r.UserMediaFeeds()})
}

func (r *FeedRegistry) ReplaceUserMediaFeed(old, new CallFeed) error {
	idx := indexOfFeed(r.userMediaFeeds, old.Key())
	if idx == -1 {
		return ErrFeedNotFound
	}

	r.userMediaFeeds[idx] = new
	if r.activeSpeaker != nil && *r.activeSpeaker == old.Key() {
		key := new.Key()
		r.activeSpeaker = &key
	}

	r.events.emit(UserMediaFeedsChanged{Feeds: r.UserMediaFeeds()})

	return nil
}

// RemoveUserMediaFeed drops the feed at key, promoting a new active speaker
// if needed, and emits UserMediaFeedsChanged. §4.A's "dispose the feed" is
// the caller's job: disposing the underlying stream (stopping tracks,
// releasing capture devices) belongs to whichever collaborator owns that
// stream (LocalMediaController, the reconciler's per-call teardown), since
// the registry itself only ever holds CallFeed handles, never the stream
// lifecycle.
func (r *FeedRegistry) RemoveUserMediaFeed(key FeedKey) error {
	idx := indexOfFeed(r.userMediaFeeds, key)
	if idx == -1 {
		return ErrFeedNotFound
	}

	wasActiveSpeaker := r.activeSpeaker != nil && *r.activeSpeaker == key
	r.userMediaFeeds = append(r.userMediaFeeds[:idx], r.userMediaFeeds[idx+1:]...)

	if wasActiveSpeaker {
		r.promoteActiveSpeaker()
	}

	r.events.emit(UserMediaFeedsChanged{Feeds: r.UserMediaFeeds()})

	return nil
}

func (r *FeedRegistry) AddScreenshareFeed(feed CallFeed) {
	r.screenshareFeeds = append(r.screenshareFeeds, feed)
	r.events.emit(ScreenshareFeedsChanged{Feeds: r.ScreenshareFeeds()})
}

func (r *FeedRegistry) ReplaceScreenshareFeed(old, new CallFeed) error {
	idx := indexOfFeed(r.screenshareFeeds, old.Key())
	if idx == -1 {
		return ErrFeedNotFound
	}

	r.screenshareFeeds[idx] = new
	r.events.emit(ScreenshareFeedsChanged{Feeds: r.ScreenshareFeeds()})

	return nil
}

func (r *FeedRegistry) RemoveScreenshareFeed(key FeedKey) error {
	idx := indexOfFeed(r.screenshareFeeds, key)
	if idx == -1 {
		return ErrFeedNotFound
	}

	r.screenshareFeeds = append(r.screenshareFeeds[:idx], r.screenshareFeeds[idx+1:]...)
	r.events.emit(ScreenshareFeedsChanged{Feeds: r.ScreenshareFeeds()})

	return nil
}

func (r *FeedRegistry) GetUserMediaFeed(user UserID, device DeviceID) (CallFeed, bool) {
	return feedByKey(r.userMediaFeeds, FeedKey{UserID: user, DeviceID: device})
}

func (r *FeedRegistry) GetScreenshareFeed(user UserID, device DeviceID) (CallFeed, bool) {
	return feedByKey(r.screenshareFeeds, FeedKey{UserID: user, DeviceID: device})
}

func (r *FeedRegistry) UserMediaFeeds() []CallFeed {
	out := make([]CallFeed, len(r.userMediaFeeds))
	copy(out, r.userMediaFeeds)

	return out
}

func (r *FeedRegistry) ScreenshareFeeds() []CallFeed {
	out := make([]CallFeed, len(r.screenshareFeeds))
	copy(out, r.screenshareFeeds)

	return out
}

func (r *FeedRegistry) ActiveSpeaker() (CallFeed, bool) {
	if r.activeSpeaker == nil {
		return CallFeed{}, false
	}

	return feedByKey(r.userMediaFeeds, *r.activeSpeaker)
}

// promoteActiveSpeaker picks the first remaining user-media feed as the
// active speaker, or clears it if none remain (§4.A "on remove").
func (r *FeedRegistry) promoteActiveSpeaker() {
	if len(r.userMediaFeeds) == 0 {
		r.activeSpeaker = nil
	} else {
		key := r.userMediaFeeds[0].Key()
		r.activeSpeaker = &key
	}

	r.events.emit(ActiveSpeakerChanged{Feed: firstOrZero(r.userMediaFeeds)})
}

// startActiveSpeakerLoop arms the periodic tick described in §4.A and
// returns the channel the state machine's run loop selects on; the tick
// itself is only ever processed by that loop via tickActiveSpeaker, so the
// mutation it causes never races the rest of the coordinator.
func (r *FeedRegistry) startActiveSpeakerLoop() <-chan time.Time {
	t, c := newTicker(ActiveSpeakerInterval)
	r.activeSpeakerTicker = t

	return c
}

func (r *FeedRegistry) stopLoop() {
	if r.activeSpeakerTicker != nil {
		r.activeSpeakerTicker.Stop()
	}
}

// tickActiveSpeaker is the body of the periodic tick (§4.A); must only be
// called from the run loop.
func (r *FeedRegistry) tickActiveSpeaker() {
	type candidate struct {
		key  FeedKey
		mean float64
	}

	var best *candidate

	localOnly := len(r.userMediaFeeds) == 1

	for _, feed := range r.userMediaFeeds {
		key := feed.Key()
		if !localOnly && r.localFeedKey != nil && key == *r.localFeedKey {
			continue
		}

		mean, ok := feed.meanVolume()
		if !ok {
			continue
		}

		if mean < SpeakingThreshold {
			mean = SpeakingThreshold
		}

		if best == nil || mean > best.mean {
			best = &candidate{key: key, mean: mean}
		}
	}

	if best == nil {
		return
	}

	isCurrent := r.activeSpeaker != nil && *r.activeSpeaker == best.key
	if !isCurrent && best.mean > SpeakingThreshold {
		key := best.key
		r.activeSpeaker = &key
		r.events.emit(ActiveSpeakerChanged{Feed: firstOrZero(filterFeed(r.userMediaFeeds, key))})
	}
}

func indexOfFeed(feeds []CallFeed, key FeedKey) int {
	for i, f := range feeds {
		if f.Key() == key {
			return i
		}
	}

	return -1
}

func feedByKey(feeds []CallFeed, key FeedKey) (CallFeed, bool) {
	idx := indexOfFeed(feeds, key)
	if idx == -1 {
		return CallFeed{}, false
	}

	return feeds[idx], true
}

func filterFeed(feeds []CallFeed, key FeedKey) []CallFeed {
	if f, ok := feedByKey(feeds, key); ok {
		return []CallFeed{f}
	}

	return nil
}

func firstOrZero(feeds []CallFeed) CallFeed {
	if len(feeds) == 0 {
		return CallFeed{}
	}

	return feeds[0]
}
