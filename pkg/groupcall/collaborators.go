package groupcall

import (
	"context"

	"maunium.net/go/mautrix/event"
)

// Call is the opaque handle the single-call layer hands back for one
// peer-to-peer session. The coordinator never negotiates SDP/ICE itself;
// it only drives this interface (§6, §1 non-goals).
type Call interface {
	ID() string
	RoomID() RoomID
	OpponentMember() (Member, bool)
	OpponentDeviceID() DeviceID
	OpponentSessionID() SessionID

	RemoteUserMediaFeed() CallFeed
	RemoteScreenshareFeed() CallFeed
	LocalUserMediaFeed() CallFeed

	IsMicrophoneMuted() bool
	IsLocalVideoMuted() bool

	PlaceWithCallFeeds(ctx context.Context, feeds []CallFeed, remoteScreensharing bool) error
	AnswerWithCallFeeds(ctx context.Context, feeds []CallFeed) error
	Reject() error
	Hangup(reason HangupReason, suppressEvent bool) error

	SetMicrophoneMuted(muted bool) error
	SetLocalVideoMuted(muted bool) error
	SendMetadataUpdate() error
	PushLocalFeed(feed CallFeed) error
	RemoveLocalFeed(feed CallFeed) error
	CreateDataChannel(label string, opts DataChannelOptions) error

	// On subscribes a callback for one of the four per-call events this
	// coordinator cares about: FeedsChanged, StateChanged, Hangup, Replaced.
	// It returns an unsubscribe function, mirroring the single-call layer's
	// event emitter contract in §6.
	On(event CallEventType, fn func(CallEvent)) (unsubscribe func())
}

type CallEventType string

const (
	CallEventFeedsChanged CallEventType = "FeedsChanged"
	CallEventStateChanged CallEventType = "State"
	CallEventHangup       CallEventType = "Hangup"
	CallEventReplaced     CallEventType = "Replaced"
)

// CallEvent is the payload delivered to a CallEventType subscriber. Only the
// fields relevant to the event type are populated.
type CallEvent struct {
	NewState     CallState
	OldState     CallState
	HangupReason HangupReason
	ReplacedBy   Call
}

type CallState string

const (
	CallStateRinging    CallState = "ringing"
	CallStateConnecting CallState = "connecting"
	CallStateConnected  CallState = "connected"
	CallStateEnded      CallState = "ended"
)

type HangupReason string

const (
	HangupUserHangup       HangupReason = "user_hangup"
	HangupNewSession       HangupReason = "new_session"
	HangupReplaced         HangupReason = "replaced"
	HangupSignallingFailed HangupReason = "signalling_failed"
	HangupKeepAliveTimeout HangupReason = "keep_alive_timeout"
)

// IncomingCall is delivered by the transport when a remote party rings us.
type IncomingCall struct {
	Call        Call
	RoomID      RoomID
	GroupCallID GroupCallID
	State       CallState
}

// CallFactory is the single-call layer's entry point for placing an
// outbound call (§6 "Single-call factory").
type CallFactory interface {
	NewOutboundCall(ctx context.Context, roomID RoomID, invitee Member, opponentDeviceID DeviceID, opponentSessionID SessionID, groupCallID GroupCallID) (Call, error)
}

// Room is the narrow slice of room state this coordinator reads: the
// member-state events under the group-call member type, and room
// membership, mirroring the teacher's narrow `Room`/`Member` interfaces
// (pkg/signaling) rather than pulling in the whole mautrix Room type.
type Room interface {
	ID() RoomID
	// MemberStateEvents returns the raw m.call.member content for every
	// member currently known to the room (one entry per state key/UserID).
	MemberStateEvents(eventType string) map[UserID]MemberCallStateContent
	// Membership returns the given user's membership ("join", "leave", ...)
	// or the empty Membership if the user is unknown to the room.
	Membership(user UserID) event.Membership
}

// Client is the narrow slice of the Matrix client this coordinator depends
// on (§6 "Client").
type Client interface {
	UserID() UserID
	DeviceID() DeviceID
	SessionID() SessionID

	// SendStateEvent writes (or keep-alive-writes) a state event scoped to
	// stateKey. keepAlive marks the request as one that must survive a
	// page/process teardown (used for the leave-time removal write).
	SendStateEvent(ctx context.Context, roomID RoomID, eventType string, stateKey string, content interface{}, keepAlive bool) error

	// OnIncomingCall subscribes to the transport's delivery of ringing
	// calls and returns an unsubscribe function.
	OnIncomingCall(fn func(IncomingCall)) (unsubscribe func())
}

// DeviceLister is the identity service collaborator cleanMemberState (§4.E)
// consults to discover which device ids of the local user are still known.
type DeviceLister interface {
	KnownDeviceIDs(ctx context.Context, user UserID) ([]DeviceID, error)
}

// MediaHandler is the local media-capture collaborator (§6 "Media handler").
type MediaHandler interface {
	GetUserMediaStream(ctx context.Context, audio, video bool) (MediaStream, error)
	GetScreensharingStream(ctx context.Context, opts ScreenshareOptions) (MediaStream, error)
	HasAudioDevice(ctx context.Context) bool
	HasVideoDevice(ctx context.Context) bool
	StopUserMediaStream(stream MediaStream)
	StopScreensharingStream(stream MediaStream)
	StopAllStreams()
}

type ScreenshareOptions struct {
	SourceID string
}

// MediaStream is the minimal surface the coordinator needs of a captured
// stream: whether it carries audio/video, and its tracks' enabled bit.
type MediaStream interface {
	HasAudio() bool
	HasVideo() bool
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	// OnEnded fires when every track of the stream has ended (e.g. the user
	// stopped screen-sharing from the browser's own UI), used by
	// setScreensharingEnabled(true) per §4.F.
	OnEnded(fn func())
}
