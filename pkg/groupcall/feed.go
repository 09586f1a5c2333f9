package groupcall

import "sync"

// FeedKey identifies a feed: one (userId, deviceId) pair owns at most one
// feed per sequence (user-media, screenshare) (§3).
type FeedKey struct {
	UserID   UserID
	DeviceID DeviceID
}

type feedState struct {
	mutex   sync.Mutex
	samples []float64
}

// CallFeed wraps a captured or remote media stream together with the
// volume samples the active-speaker loop consumes (§4.A). Cloning a CallFeed
// (passing it by value to Call.PlaceWithCallFeeds etc.) yields a second
// handle to the same underlying stream and sample history, mirroring "clones
// of all local feeds" in §4.D/§4.F - the clone is shallow by design.
type CallFeed struct {
	key     FeedKey
	Purpose Purpose
	Stream  MediaStream
	state   *feedState
}

func NewCallFeed(user UserID, device DeviceID, purpose Purpose, stream MediaStream) CallFeed {
	return CallFeed{
		key:     FeedKey{UserID: user, DeviceID: device},
		Purpose: purpose,
		Stream:  stream,
		state:   &feedState{},
	}
}

func (f CallFeed) Key() FeedKey { return f.key }

func (f CallFeed) IsZero() bool { return f.state == nil }

// PushVolumeSample records one speaking-volume sample, called by whatever
// collaborator is sampling the feed's audio level. Bounded to a short
// rolling window so the active-speaker loop's mean stays responsive.
func (f CallFeed) PushVolumeSample(v float64) {
	if f.state == nil {
		return
	}

	const maxSamples = 50

	f.state.mutex.Lock()
	defer f.state.mutex.Unlock()

	f.state.samples = append(f.state.samples, v)
	if len(f.state.samples) > maxSamples {
		f.state.samples = f.state.samples[len(f.state.samples)-maxSamples:]
	}
}

// meanVolume returns the arithmetic mean of the recorded samples and false
// if there are none, per the open question in §9 ("reduce without an
// initial value... define it: skip such feeds").
func (f CallFeed) meanVolume() (float64, bool) {
	if f.state == nil {
		return 0, false
	}

	f.state.mutex.Lock()
	defer f.state.mutex.Unlock()

	if len(f.state.samples) == 0 {
		return 0, false
	}

	var sum float64
	for _, s := range f.state.samples {
		sum += s
	}

	return sum / float64(len(f.state.samples)), true
}

func sameFeed(a, b CallFeed) bool {
	return a.key == b.key && a.Stream == b.Stream
}
