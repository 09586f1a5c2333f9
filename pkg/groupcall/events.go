package groupcall

import "sync"

// Event is the closed set of domain events a GroupCall emits (§9 "Event
// fan-out"). Delivery is synchronous on the coordinator's single logical
// thread (§5), so there is no queueing and no ordering ambiguity between a
// mutation and its notification.
type Event interface {
	isGroupCallEvent()
}

type (
	GroupCallStateChanged struct {
		New, Old LifecycleState
	}

	ParticipantsChanged struct {
		Participants ParticipantView
	}

	CallsChanged struct {
		Graph CallGraph
	}

	UserMediaFeedsChanged struct {
		Feeds []CallFeed
	}

	ScreenshareFeedsChanged struct {
		Feeds []CallFeed
	}

	ActiveSpeakerChanged struct {
		Feed CallFeed // nil (zero Feed) when the active speaker was cleared
	}

	LocalMuteStateChanged struct {
		AudioMuted, VideoMuted bool
	}

	LocalScreenshareStateChanged struct {
		Enabled  bool
		Feed     CallFeed
		SourceID string
	}

	ErrorEvent struct {
		Err *GroupCallError
	}
)

func (GroupCallStateChanged) isGroupCallEvent() {}
func (ParticipantsChanged) isGroupCallEvent()   {}
func (CallsChanged) isGroupCallEvent()          {}
func (UserMediaFeedsChanged) isGroupCallEvent() {}
func (ScreenshareFeedsChanged) isGroupCallEvent() {}
func (ActiveSpeakerChanged) isGroupCallEvent() {}
func (LocalMuteStateChanged) isGroupCallEvent() {}
func (LocalScreenshareStateChanged) isGroupCallEvent() {}
func (ErrorEvent) isGroupCallEvent() {}

// emitter is a minimal synchronous publish/subscribe bus. It intentionally
// does not use a channel the way pkg/common's Worker/Watchdog do: those
// exist to hop work onto another goroutine, whereas every Emit here must be
// observed inline, between awaits, per §5.
type emitter struct {
	mutex     sync.Mutex
	listeners []func(Event)
}

// On subscribes fn to every event emitted from this point on and returns an
// unsubscribe function, mirroring the Call.On contract in §6.
func (e *emitter) On(fn func(Event)) (unsubscribe func()) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.listeners = append(e.listeners, fn)
	idx := len(e.listeners) - 1

	return func() {
		e.mutex.Lock()
		defer e.mutex.Unlock()

		if idx < len(e.listeners) {
			e.listeners[idx] = nil
		}
	}
}

func (e *emitter) emit(ev Event) {
	e.mutex.Lock()
	listeners := make([]func(Event), len(e.listeners))
	copy(listeners, e.listeners)
	e.mutex.Unlock()

	for _, fn := range listeners {
		if fn != nil {
			fn(ev)
		}
	}
}
