package groupcall

import (
	"context"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
)

// fakeCall is a hand-rolled double for Call, playing the role the teacher's
// tests fill with in-package fakes rather than a mocking framework (e.g.
// pkg/conference/participant/track_test.go's bare struct doubles).
type fakeCall struct {
	id                 string
	roomID             RoomID
	opponent           Member
	hasOpponent        bool
	opponentDeviceID   DeviceID
	opponentSessionID  SessionID

	mutex     sync.Mutex
	listeners map[CallEventType][]func(CallEvent)

	placed      []CallFeed
	answered    []CallFeed
	hungup      []HangupReason
	rejected    bool
	micMuted    bool
	videoMuted  bool
	metadataSends int
	pushedFeeds []CallFeed
	removedFeeds []CallFeed
	dataChannel bool

	placeErr  error
	answerErr error

	remoteUserMedia   CallFeed
	remoteScreenshare CallFeed
}

func newFakeCall(id string, opponent Member, deviceID DeviceID, sessionID SessionID) *fakeCall {
	return &fakeCall{
		id:                id,
		roomID:            "!room:h",
		opponent:          opponent,
		hasOpponent:       true,
		opponentDeviceID:  deviceID,
		opponentSessionID: sessionID,
		listeners:         make(map[CallEventType][]func(CallEvent)),
	}
}

func (c *fakeCall) ID() string                            { return c.id }
func (c *fakeCall) RoomID() RoomID                        { return c.roomID }
func (c *fakeCall) OpponentMember() (Member, bool)        { return c.opponent, c.hasOpponent }
func (c *fakeCall) OpponentDeviceID() DeviceID            { return c.opponentDeviceID }
func (c *fakeCall) OpponentSessionID() SessionID          { return c.opponentSessionID }
func (c *fakeCall) RemoteUserMediaFeed() CallFeed         { return c.remoteUserMedia }
func (c *fakeCall) RemoteScreenshareFeed() CallFeed       { return c.remoteScreenshare }
func (c *fakeCall) LocalUserMediaFeed() CallFeed          { return CallFeed{} }
func (c *fakeCall) IsMicrophoneMuted() bool               { return c.micMuted }
func (c *fakeCall) IsLocalVideoMuted() bool               { return c.videoMuted }

func (c *fakeCall) PlaceWithCallFeeds(ctx context.Context, feeds []CallFeed, remoteScreensharing bool) error {
	if c.placeErr != nil {
		return c.placeErr
	}

	c.placed = feeds

	return nil
}

func (c *fakeCall) AnswerWithCallFeeds(ctx context.Context, feeds []CallFeed) error {
	if c.answerErr != nil {
		return c.answerErr
	}

	c.answered = feeds

	return nil
}

func (c *fakeCall) Reject() error { c.rejected = true; return nil }

func (c *fakeCall) Hangup(reason HangupReason, suppressEvent bool) error {
	c.hungup = append(c.hungup, reason)

	return nil
}

func (c *fakeCall) SetMicrophoneMuted(muted bool) error { c.micMuted = muted; return nil }
func (c *fakeCall) SetLocalVideoMuted(muted bool) error { c.videoMuted = muted; return nil }
func (c *fakeCall) SendMetadataUpdate() error           { c.metadataSends++; return nil }
func (c *fakeCall) PushLocalFeed(feed CallFeed) error    { c.pushedFeeds = append(c.pushedFeeds, feed); return nil }
func (c *fakeCall) RemoveLocalFeed(feed CallFeed) error  { c.removedFeeds = append(c.removedFeeds, feed); return nil }

func (c *fakeCall) CreateDataChannel(label string, opts DataChannelOptions) error {
	c.dataChannel = true

	return nil
}

func (c *fakeCall) On(ev CallEventType, fn func(CallEvent)) (unsubscribe func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.listeners[ev] = append(c.listeners[ev], fn)
	idx := len(c.listeners[ev]) - 1

	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()

		c.listeners[ev][idx] = nil
	}
}

func (c *fakeCall) fire(ev CallEventType, payload CallEvent) {
	c.mutex.Lock()
	fns := make([]func(CallEvent), len(c.listeners[ev]))
	copy(fns, c.listeners[ev])
	c.mutex.Unlock()

	for _, fn := range fns {
		if fn != nil {
			fn(payload)
		}
	}
}

// fakeFactory hands back pre-seeded calls keyed by opponent device, or an
// error/nil when configured to simulate a placement failure.
type fakeFactory struct {
	mutex   sync.Mutex
	calls   map[DeviceID]*fakeCall
	errs    map[DeviceID]error
	placed  []DeviceID
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{calls: make(map[DeviceID]*fakeCall), errs: make(map[DeviceID]error)}
}

func (f *fakeFactory) NewOutboundCall(ctx context.Context, roomID RoomID, invitee Member, opponentDeviceID DeviceID, opponentSessionID SessionID, groupCallID GroupCallID) (Call, error) {
	f.mutex.Lock()
	f.placed = append(f.placed, opponentDeviceID)
	f.mutex.Unlock()

	if err, ok := f.errs[opponentDeviceID]; ok {
		return nil, err
	}

	if call, ok := f.calls[opponentDeviceID]; ok {
		call.opponentSessionID = opponentSessionID

		return call, nil
	}

	call := newFakeCall(string(opponentDeviceID)+"-call", invitee, opponentDeviceID, opponentSessionID)
	f.calls[opponentDeviceID] = call

	return call, nil
}

// fakeRoom implements Room over plain in-memory maps.
type fakeRoom struct {
	roomID  RoomID
	content map[UserID]MemberCallStateContent
	members map[UserID]event.Membership
}

func newFakeRoom(roomID RoomID) *fakeRoom {
	return &fakeRoom{
		roomID:  roomID,
		content: make(map[UserID]MemberCallStateContent),
		members: make(map[UserID]event.Membership),
	}
}

func (r *fakeRoom) ID() RoomID { return r.roomID }

func (r *fakeRoom) MemberStateEvents(eventType string) map[UserID]MemberCallStateContent {
	out := make(map[UserID]MemberCallStateContent, len(r.content))
	for u, c := range r.content {
		out[u] = c
	}

	return out
}

func (r *fakeRoom) Membership(user UserID) event.Membership { return r.members[user] }

func (r *fakeRoom) setJoined(user UserID, devices ...DeviceAdvertisement) {
	r.members[user] = event.MembershipJoin
	r.content[user] = MemberCallStateContent{Calls: []MemberCallEntry{{CallID: "G", Devices: devices}}}
}

// fakeClient implements Client.
type fakeClient struct {
	userID    UserID
	deviceID  DeviceID
	sessionID SessionID

	mutex      sync.Mutex
	incoming   map[int]func(IncomingCall)
	nextID     int
	sentEvents []sentEvent
	sendErr    error
}

type sentEvent struct {
	roomID    RoomID
	eventType string
	stateKey  string
	content   interface{}
	keepAlive bool
}

func newFakeClient(user UserID, device DeviceID, session SessionID) *fakeClient {
	return &fakeClient{userID: user, deviceID: device, sessionID: session, incoming: make(map[int]func(IncomingCall))}
}

func (c *fakeClient) UserID() UserID     { return c.userID }
func (c *fakeClient) DeviceID() DeviceID { return c.deviceID }
func (c *fakeClient) SessionID() SessionID { return c.sessionID }

func (c *fakeClient) SendStateEvent(ctx context.Context, roomID RoomID, eventType string, stateKey string, content interface{}, keepAlive bool) error {
	if c.sendErr != nil {
		return c.sendErr
	}

	c.sentEvents = append(c.sentEvents, sentEvent{roomID, eventType, stateKey, content, keepAlive})

	return nil
}

func (c *fakeClient) OnIncomingCall(fn func(IncomingCall)) (unsubscribe func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	id := c.nextID
	c.nextID++
	c.incoming[id] = fn

	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()

		delete(c.incoming, id)
	}
}

// fakeDeviceLister implements DeviceLister.
type fakeDeviceLister struct {
	known []DeviceID
	err   error
}

func (l *fakeDeviceLister) KnownDeviceIDs(ctx context.Context, user UserID) ([]DeviceID, error) {
	return l.known, l.err
}

// fakeStream implements MediaStream.
type fakeStream struct {
	audio, video bool
	audioEnabled, videoEnabled bool
	endedFns []func()
}

func (s *fakeStream) HasAudio() bool { return s.audio }
func (s *fakeStream) HasVideo() bool { return s.video }
func (s *fakeStream) SetAudioEnabled(enabled bool) { s.audioEnabled = enabled }
func (s *fakeStream) SetVideoEnabled(enabled bool) { s.videoEnabled = enabled }
func (s *fakeStream) OnEnded(fn func())            { s.endedFns = append(s.endedFns, fn) }

// fakeMediaHandler implements MediaHandler.
type fakeMediaHandler struct {
	userMediaStream   *fakeStream
	userMediaErr      error
	screenshareStream *fakeStream
	screenshareErr    error
	hasAudio          bool
	hasVideo          bool

	stoppedUserMedia   []MediaStream
	stoppedScreenshare []MediaStream

	// duringCapture, if set, runs right before GetUserMediaStream returns,
	// letting a test simulate a concurrent leave() firing while capture is
	// in flight (§5.1).
	duringCapture func()
}

func (m *fakeMediaHandler) GetUserMediaStream(ctx context.Context, audio, video bool) (MediaStream, error) {
	if m.duringCapture != nil {
		m.duringCapture()
	}

	if m.userMediaErr != nil {
		return nil, m.userMediaErr
	}

	return m.userMediaStream, nil
}

func (m *fakeMediaHandler) GetScreensharingStream(ctx context.Context, opts ScreenshareOptions) (MediaStream, error) {
	if m.screenshareErr != nil {
		return nil, m.screenshareErr
	}

	return m.screenshareStream, nil
}

func (m *fakeMediaHandler) HasAudioDevice(ctx context.Context) bool { return m.hasAudio }
func (m *fakeMediaHandler) HasVideoDevice(ctx context.Context) bool { return m.hasVideo }
func (m *fakeMediaHandler) StopUserMediaStream(stream MediaStream) {
	m.stoppedUserMedia = append(m.stoppedUserMedia, stream)
}
func (m *fakeMediaHandler) StopScreensharingStream(stream MediaStream) {
	m.stoppedScreenshare = append(m.stoppedScreenshare, stream)
}
func (m *fakeMediaHandler) StopAllStreams() {
	if m.userMediaStream != nil {
		m.stoppedUserMedia = append(m.stoppedUserMedia, m.userMediaStream)
	}

	if m.screenshareStream != nil {
		m.stoppedScreenshare = append(m.stoppedScreenshare, m.screenshareStream)
	}
}

func ms(t int64) time.Time { return time.UnixMilli(t) }
