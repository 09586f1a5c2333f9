package groupcall

import (
	"context"
	"time"

	"github.com/matrix-org/groupcall-coordinator/pkg/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// LifecycleState is the five-state lifecycle a GroupCall moves through
// (§3 "Lifecycle", §4.G).
type LifecycleState string

const (
	LifecycleUninitialized LifecycleState = "uninitialized"
	LifecycleInitializing  LifecycleState = "initializing"
	LifecycleInitialized   LifecycleState = "initialized"
	LifecycleEntered       LifecycleState = "entered"
	LifecycleEnded         LifecycleState = "ended"
)

// GroupCall is the top-level façade (§2 Component G / §3 "GroupCall"): one
// per room x group-call-id, owning every component below it and driving the
// five-state lifecycle. There is never more than one in-flight mutation on
// a given instance (§5) - every exported method here, and every tick
// delivered to run(), executes on the same logical thread.
type GroupCall struct {
	logger *logrus.Entry
	events *emitter

	ID     GroupCallID
	config Config

	client  Client
	room    Room
	factory CallFactory

	state                    LifecycleState
	creationTs               time.Time
	enteredViaAnotherSession bool

	participants *participantViewEngine
	feeds        *FeedRegistry
	reconciler   *Reconciler
	media        *LocalMediaController
	membership   *MembershipPublisher

	unsubscribeIncoming func()

	// telemetry is the root span for one Entered session (§4.G), torn down
	// on Leave/Terminate and recreated on the next Enter. Reconciler and
	// participantViewEngine read it back through telemetryRoot closures the
	// same way localMuteState is threaded into the reconciler.
	telemetry *telemetry.Telemetry

	localSessionID SessionID

	retryChan             <-chan time.Time
	activeSpeakerChan     <-chan time.Time
	membershipRefreshChan <-chan time.Time
}

// NewGroupCall constructs a GroupCall in LocalCallFeedUninitialized, wiring
// every collaborator together (§4.G, §9 "single owner of the graph").
func NewGroupCall(logger *logrus.Entry, id GroupCallID, config Config, client Client, room Room, factory CallFactory, media MediaHandler, now time.Time) *GroupCall {
	events := &emitter{}

	gc := &GroupCall{
		logger:         logger,
		events:         events,
		ID:             id,
		config:         config,
		client:         client,
		room:           room,
		factory:        factory,
		state:          LifecycleUninitialized,
		creationTs:     now,
		localSessionID: client.SessionID(),
	}

	gc.feeds = newFeedRegistry(logger.WithField("component", "feeds"), events)
	gc.participants = newParticipantViewEngine(logger.WithField("component", "participants"), events)
	gc.reconciler = newReconciler(logger.WithField("component", "reconciler"), events, client, room, factory, config, id, gc.feeds)
	gc.reconciler.localMuteState = func() (bool, bool) {
		return gc.media.AudioMuted(), gc.media.VideoMuted()
	}
	gc.media = newLocalMediaController(logger.WithField("component", "media"), events, media, gc.feeds, config, client.UserID(), client.DeviceID(), gc.forEachCall)
	gc.membership = newMembershipPublisher(logger.WithField("component", "membership"), client, room, id)

	gc.reconciler.telemetryRoot = func() *telemetry.Telemetry { return gc.telemetry }
	gc.participants.telemetryRoot = func() *telemetry.Telemetry { return gc.telemetry }

	return gc
}

func (gc *GroupCall) On(fn func(Event)) (unsubscribe func()) { return gc.events.On(fn) }

func (gc *GroupCall) State() LifecycleState { return gc.state }

func (gc *GroupCall) Participants() ParticipantView { return gc.participants.Participants() }

func (gc *GroupCall) Graph() CallGraph { return gc.reconciler.Graph() }

func (gc *GroupCall) forEachCall(fn func(Call)) {
	for _, member := range gc.reconciler.Graph().Members() {
		for _, call := range gc.reconciler.Graph().Devices(member) {
			fn(call)
		}
	}
}

func (gc *GroupCall) setState(new LifecycleState) {
	if new == gc.state {
		return
	}

	old := gc.state
	gc.state = new
	gc.events.emit(GroupCallStateChanged{New: new, Old: old})
}

// InitLocalCallFeed delegates to the media controller and mirrors its
// lifecycle state onto the group call's own state (§3, §4.F).
func (gc *GroupCall) InitLocalCallFeed(ctx context.Context) error {
	if gc.state != LifecycleUninitialized {
		return ErrWrongLifecycleState
	}

	gc.setState(LifecycleInitializing)

	if err := gc.media.InitLocalCallFeed(ctx); err != nil {
		gc.setState(LifecycleUninitialized)

		return err
	}

	gc.setState(LifecycleInitialized)

	return nil
}

// Enter transitions Initialized -> Entered (§3). Subscribes to incoming
// calls, publishes the local advertisement, and runs one reconciliation
// pass immediately.
func (gc *GroupCall) Enter(ctx context.Context, now time.Time) error {
	if gc.state != LifecycleInitialized {
		return ErrWrongLifecycleState
	}

	gc.setState(LifecycleEntered)

	gc.telemetry = telemetry.NewTelemetry(ctx, "GroupCall", attribute.String("groupCallID", string(gc.ID)))

	gc.unsubscribeIncoming = gc.client.OnIncomingCall(func(in IncomingCall) {
		gc.reconciler.ReconcileIncoming(ctx, in, gc.localFeedClones())
	})

	if err := gc.membership.publish(ctx, now, gc.client.DeviceID(), gc.localSessionID, gc.currentPurposes()); err != nil {
		gc.logger.WithError(err).Warn("Enter: failed to publish local advertisement")
	}

	gc.ArmTimers()
	gc.refreshParticipants(now)
	gc.reconcileOutgoing(ctx)

	return nil
}

func (gc *GroupCall) localFeedClones() []CallFeed {
	var feeds []CallFeed

	if f, ok := gc.media.LocalFeed(); ok {
		feeds = append(feeds, f)
	}

	return feeds
}

func (gc *GroupCall) reconcileOutgoing(ctx context.Context) {
	gc.reconciler.ReconcileOutgoing(ctx, gc.participants.Participants(), gc.client.UserID(), gc.client.DeviceID(), gc.localFeedClones())
}

func (gc *GroupCall) refreshParticipants(now time.Time) {
	gc.participants.update(ParticipantViewInputs{
		Room:             gc.room,
		LocalUserID:      gc.client.UserID(),
		LocalDeviceID:    gc.client.DeviceID(),
		LocalSessionID:   gc.localSessionID,
		GroupCallID:      gc.ID,
		LifecycleState:   gc.state,
		EnteredElsewhere: gc.enteredViaAnotherSession,
		LocalFeeds:       gc.feeds,
		Now:              now,
	})
}

// OnRoomStateChanged must be called by the transport whenever the room's
// m.call.member state changes; it recomputes the participant view and, if
// Entered, reconciles outgoing calls (§4.G "wires §4.B to room-state
// updates, §4.D to participant changes while Entered").
func (gc *GroupCall) OnRoomStateChanged(ctx context.Context, now time.Time) {
	gc.refreshParticipants(now)

	if gc.state == LifecycleEntered {
		gc.reconcileOutgoing(ctx)
	}
}

// TickRetry must be invoked by the run loop on every retry-ticker fire.
func (gc *GroupCall) TickRetry(ctx context.Context) {
	if gc.state != LifecycleEntered {
		return
	}

	gc.reconciler.tickRetry(ctx, gc.participants.Participants(), gc.client.UserID(), gc.client.DeviceID(), gc.localFeedClones())
}

// TickActiveSpeaker must be invoked by the run loop on every
// active-speaker-ticker fire.
func (gc *GroupCall) TickActiveSpeaker() {
	gc.feeds.tickActiveSpeaker()
}

// TickMembershipRefresh must be invoked by the run loop on every
// membership-refresh-ticker fire (§4.E "Scheduled refresh").
func (gc *GroupCall) TickMembershipRefresh(ctx context.Context, now time.Time) {
	if gc.state != LifecycleEntered {
		return
	}

	if err := gc.membership.publish(ctx, now, gc.client.DeviceID(), gc.localSessionID, gc.currentPurposes()); err != nil {
		gc.logger.WithError(err).Warn("TickMembershipRefresh: publish failed")
	}
}

func (gc *GroupCall) currentPurposes() []Purpose {
	purposes := []Purpose{PurposeUsermedia}
	if _, ok := gc.feeds.GetScreenshareFeed(gc.client.UserID(), gc.client.DeviceID()); ok {
		purposes = append(purposes, PurposeScreenshare)
	}

	return purposes
}

// ArmTimers starts every periodic timer relevant to Entered state. Enter
// calls it itself; the run loop then reads their channels back out via
// CurrentTimers. This is the concrete instantiation of §5's
// "timers held by the core".
func (gc *GroupCall) ArmTimers() {
	gc.retryChan = gc.reconciler.startRetryLoop()
	gc.activeSpeakerChan = gc.feeds.startActiveSpeakerLoop()
	gc.membershipRefreshChan = gc.membership.startRefreshLoop()
}

// cancelAllTimers implements §5 "every lifecycle transition out of Entered
// ... must cancel all of them; double-cancel must be safe".
func (gc *GroupCall) cancelAllTimers() {
	gc.reconciler.stopRetryLoop()
	gc.feeds.stopLoop()
	gc.membership.stopRefreshLoop()
	gc.participants.stop()
	gc.media.cancelPTT()

	gc.retryChan = nil
	gc.activeSpeakerChan = nil
	gc.membershipRefreshChan = nil

	if gc.telemetry != nil {
		gc.telemetry.End()
		gc.telemetry = nil
	}
}

// Leave implements §4.G "leave()": tears down every call with
// UserHangup, stops all local streams, cancels all timers, and transitions
// to Uninitialized. A second call is a no-op (§8 "Double leave() is a
// no-op").
func (gc *GroupCall) Leave(ctx context.Context, now time.Time) {
	if gc.state == LifecycleUninitialized || gc.state == LifecycleEnded {
		return
	}

	wasEntered := gc.state == LifecycleEntered

	gc.reconciler.disposeAll(HangupUserHangup)
	gc.media.disposeLocalFeed()
	gc.cancelAllTimers()

	if gc.unsubscribeIncoming != nil {
		gc.unsubscribeIncoming()
		gc.unsubscribeIncoming = nil
	}

	if wasEntered {
		if err := gc.membership.removeDevice(ctx, now, gc.client.DeviceID()); err != nil {
			gc.logger.WithError(err).Warn("Leave: failed to publish device removal")
		}
	}

	gc.setState(LifecycleUninitialized)
}

// Terminate implements §4.G "terminate(emitStateEvent)": disposes,
// unhooks room listeners, transitions to Ended (terminal - no further
// transitions are possible), and optionally marks the room-state event
// terminated while preserving every other entry.
func (gc *GroupCall) Terminate(ctx context.Context, now time.Time, emitStateEvent bool) error {
	if gc.state == LifecycleEnded {
		return nil
	}

	gc.reconciler.disposeAll(HangupUserHangup)
	gc.media.disposeLocalFeed()
	gc.cancelAllTimers()

	if gc.unsubscribeIncoming != nil {
		gc.unsubscribeIncoming()
		gc.unsubscribeIncoming = nil
	}

	gc.setState(LifecycleEnded)

	if !emitStateEvent {
		return nil
	}

	return gc.publishTermination(ctx, now)
}

// publishTermination implements §6 "Termination sets m.terminated:
// call_ended and leaves other keys untouched". It marks both places the
// spec names: the call's own group-call state event (the authoritative one,
// §6) and, per §8/S6's literal scenario, this coordinator's own m.calls
// entry inside its member-state event - sibling entries in both events
// survive unmodified.
func (gc *GroupCall) publishTermination(ctx context.Context, now time.Time) error {
	groupCallContent := GroupCallStateContent{
		Intent:              gc.config.Intent,
		Type:                gc.config.Type,
		IsPTT:               gc.config.IsPTT,
		DataChannelsEnabled: gc.config.DataChannelsEnabled,
		DataChannelOptions:  gc.config.DataChannelOptions,
		Terminated:          TerminationReasonCallEnded,
	}

	if err := gc.client.SendStateEvent(ctx, gc.room.ID(), EventTypeGroupCall, string(gc.ID), groupCallContent, false); err != nil {
		return err
	}

	localUser := gc.client.UserID()
	events := gc.room.MemberStateEvents(EventTypeCallMember)
	content := events[localUser]

	out := make([]MemberCallEntry, len(content.Calls))
	copy(out, content.Calls)

	found := false

	for i, entry := range out {
		if entry.CallID == string(gc.ID) {
			out[i].Terminated = TerminationReasonCallEnded
			found = true
		}
	}

	if !found {
		out = append(out, MemberCallEntry{CallID: string(gc.ID), Terminated: TerminationReasonCallEnded})
	}

	return gc.client.SendStateEvent(ctx, gc.room.ID(), EventTypeCallMember, string(localUser), MemberCallStateContent{Calls: out}, false)
}

// RunState is the full set of channels the embedder's run loop should be
// selecting across at any given moment. Retry/ActiveSpeaker/
// MembershipRefresh are fixed once ArmTimers has run; PTT and Expiry come
// and go as the corresponding one-shots are armed and fire, so the run loop
// must re-fetch RunState after handling each case (mirroring the teacher's
// processMessages loop in pkg/conference/processing.go, extended here with
// timer-tick cases alongside the message-source cases).
type RunState struct {
	Retry             <-chan time.Time
	ActiveSpeaker     <-chan time.Time
	MembershipRefresh <-chan time.Time
	PTT               <-chan time.Time
	Expiry            <-chan time.Time
}

func (gc *GroupCall) CurrentTimers() RunState {
	return RunState{
		Retry:             gc.retryChan,
		ActiveSpeaker:     gc.activeSpeakerChan,
		MembershipRefresh: gc.membershipRefreshChan,
		PTT:               gc.media.PTTChannel(),
		Expiry:            gc.participants.expiryChan(),
	}
}

// nowFunc is swappable in tests; production always uses wall-clock time.
var nowFunc = time.Now

// Run is the coordinator's single run loop (§5 "cooperative async... a
// single in-flight mutex or an explicit run-loop queue both satisfy this").
// It blocks until ctx is cancelled or the call transitions to Ended,
// consuming every timer this package owns from one place - generalizing
// the teacher's processMessages select over message channels
// (pkg/conference/processing.go) to also include timer-tick channels.
// Nothing outside this loop may call TickRetry/TickActiveSpeaker/
// TickMembershipRefresh/OnPTTTimeout/refreshParticipants directly while the
// loop is running.
func (gc *GroupCall) Run(ctx context.Context) {
	for {
		rs := gc.CurrentTimers()

		select {
		case <-ctx.Done():
			return

		case <-rs.Retry:
			gc.TickRetry(ctx)

		case <-rs.ActiveSpeaker:
			gc.TickActiveSpeaker()

		case <-rs.MembershipRefresh:
			gc.TickMembershipRefresh(ctx, nowFunc())

		case <-rs.PTT:
			gc.media.OnPTTTimeout(ctx)

		case <-rs.Expiry:
			gc.refreshParticipants(nowFunc())
		}

		if gc.state == LifecycleEnded {
			return
		}
	}
}
