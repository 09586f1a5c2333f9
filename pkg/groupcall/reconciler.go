package groupcall

import (
	"context"
	"time"

	"github.com/matrix-org/groupcall-coordinator/pkg/telemetry"
	"github.com/sirupsen/logrus"
)

// Reconciler is the call-graph reconciliation engine (§4.D): the single
// owner of CallGraph. It decides, for every (member, device) participant,
// whether to place, keep, replace, or drop the outbound call, merges
// inbound calls, and retries failed placements.
type Reconciler struct {
	logger *logrus.Entry
	events *emitter

	client  Client
	room    Room
	factory CallFactory
	config  Config

	groupCallID GroupCallID

	graph    CallGraph
	handlers *CallHandlerTable
	feeds    *FeedRegistry

	retryCounts map[Slot]int
	retryTicker *ticker

	// localMuteState reports the current local mute bits; consulted on every
	// per-call state change to enforce §4.D "Mute enforcement".
	localMuteState func() (audioMuted, videoMuted bool)

	// telemetryRoot, when set, returns the GroupCall's current root span so
	// reconciliation passes can open child spans, mirroring the teacher's
	// c.telemetry field threaded through Conference.
	telemetryRoot func() *telemetry.Telemetry
}

func newReconciler(logger *logrus.Entry, events *emitter, client Client, room Room, factory CallFactory, config Config, groupCallID GroupCallID, feeds *FeedRegistry) *Reconciler {
	return &Reconciler{
		logger:      logger,
		events:      events,
		client:      client,
		room:        room,
		factory:     factory,
		config:      config,
		groupCallID: groupCallID,
		graph:       newCallGraph(),
		handlers:    newCallHandlerTable(),
		feeds:       feeds,
		retryCounts: make(map[Slot]int),
	}
}

func (r *Reconciler) Graph() CallGraph { return r.graph }

// startSpan opens a child span off the current root telemetry span, or
// returns nil if no root is set (tests run with telemetryRoot unset).
func (r *Reconciler) startSpan(name string) *telemetry.Telemetry {
	if r.telemetryRoot == nil {
		return nil
	}

	root := r.telemetryRoot()
	if root == nil {
		return nil
	}

	return root.CreateChild(name)
}

func endSpan(span *telemetry.Telemetry) {
	if span != nil {
		span.End()
	}
}

// ReconcileOutgoing walks the participant view and places, replaces, or
// drops outbound calls per the directionality rule (§4.D "Outgoing
// placement"). localFeeds are cloned onto every newly placed call.
func (r *Reconciler) ReconcileOutgoing(ctx context.Context, participants ParticipantView, localUser UserID, localDevice DeviceID, localFeeds []CallFeed) {
	span := r.startSpan("placeOutgoingCalls")
	defer endSpan(span)

	changed := false

	for _, member := range participants.Members() {
		devices := participants.Devices(member)

		for deviceID, state := range devices {
			slot := Slot{Member: member, DeviceID: deviceID}

			if !wantsOutgoingCall(localUser, localDevice, member.UserID, deviceID) {
				continue
			}

			existing, hasExisting := r.graph.Get(slot)
			if hasExisting && existing.OpponentSessionID() == state.SessionID {
				continue
			}

			if hasExisting {
				r.disposeSlot(slot, existing, HangupNewSession)
			}

			if r.placeOutbound(ctx, slot, state, localFeeds) {
				changed = true
			} else {
				changed = changed || hasExisting
			}
		}
	}

	if changed {
		r.events.emit(CallsChanged{Graph: r.graph})
	}
}

// placeOutbound implements steps 2-4 of "Outgoing placement" (§4.D) for a
// single slot. Returns true iff the graph ended up changed (call placed, or
// a prior occupant removed).
func (r *Reconciler) placeOutbound(ctx context.Context, slot Slot, state ParticipantState, localFeeds []CallFeed) bool {
	_, hadOccupant := r.graph.Get(slot)

	call, err := r.factory.NewOutboundCall(ctx, r.room.ID(), slot.Member, slot.DeviceID, state.SessionID, r.groupCallID)
	if err != nil || call == nil {
		r.logger.WithError(err).WithField("slot", slot).Warn("placeOutbound: construction failed")
		r.graph.delete(slot)

		return hadOccupant
	}

	r.handlers.Register(slot, call, r.callbacksFor(slot))
	r.graph.set(slot, call)

	if err := call.PlaceWithCallFeeds(ctx, cloneFeeds(localFeeds), state.Screensharing); err != nil {
		r.surfacePlacementFailure(err)
		r.disposeIfOccupant(slot, call, HangupSignallingFailed)

		_, occupied := r.graph.Get(slot)

		return hadOccupant || occupied
	}

	if r.config.DataChannelsEnabled {
		if err := call.CreateDataChannel("groupcall", r.config.DataChannelOptions); err != nil {
			r.logger.WithError(err).WithField("slot", slot).Warn("placeOutbound: data channel creation failed")
		}
	}

	return true
}

// surfacePlacementFailure implements the error-surfacing branch of step 4
// (§4.D): UnknownDevice propagates verbatim, everything else becomes a
// generic PlaceCallFailed.
func (r *Reconciler) surfacePlacementFailure(err error) {
	if gcErr, ok := err.(*GroupCallError); ok && gcErr.Code == ErrorUnknownDevice {
		r.events.emit(ErrorEvent{Err: gcErr})

		return
	}

	r.events.emit(ErrorEvent{Err: newError(ErrorPlaceCallFailed, "failed to place call", err)})
}

// ReconcileIncoming admits one incoming call per §4.D "Incoming admission".
func (r *Reconciler) ReconcileIncoming(ctx context.Context, in IncomingCall, localFeeds []CallFeed) {
	span := r.startSpan("admitIncomingCall")
	defer endSpan(span)

	if in.RoomID != r.room.ID() || in.State != CallStateRinging {
		return
	}

	if in.GroupCallID != r.groupCallID {
		_ = in.Call.Reject()

		return
	}

	opponent, ok := in.Call.OpponentMember()
	if !ok {
		return
	}

	slot := Slot{Member: opponent, DeviceID: in.Call.OpponentDeviceID()}

	if existing, hasExisting := r.graph.Get(slot); hasExisting {
		if existing.ID() == in.Call.ID() {
			return
		}

		r.disposeSlot(slot, existing, HangupReplaced)
	}

	r.handlers.Register(slot, in.Call, r.callbacksFor(slot))
	r.graph.set(slot, in.Call)

	if err := in.Call.AnswerWithCallFeeds(ctx, cloneFeeds(localFeeds)); err != nil {
		r.surfacePlacementFailure(err)
		r.disposeIfOccupant(slot, in.Call, HangupSignallingFailed)

		r.events.emit(CallsChanged{Graph: r.graph})

		return
	}

	r.events.emit(CallsChanged{Graph: r.graph})
}

// onHangup implements "Hangup handling" (§4.D). hangupReason == Replaced is
// handled entirely by the Replaced callback, per the interleaving hazard in
// §5.2.
func (r *Reconciler) onHangup(call Call, ev CallEvent) {
	if ev.HangupReason == HangupReplaced {
		return
	}

	slot, ok := r.slotOf(call)
	if !ok {
		return
	}

	if occupant, hasOccupant := r.graph.Get(slot); !hasOccupant || occupant.ID() != call.ID() {
		return
	}

	r.teardown(slot, call, ev.HangupReason)
	r.graph.delete(slot)
	r.events.emit(CallsChanged{Graph: r.graph})
}

// onReplaced implements "Replace handling" (§4.D): the slot is keyed by the
// previous call's opponent device id, regardless of what the new call
// reports.
func (r *Reconciler) onReplaced(call Call, ev CallEvent) {
	slot, ok := r.slotOf(call)
	if !ok {
		return
	}

	r.teardown(slot, call, HangupReplaced)

	newCall := ev.ReplacedBy
	if newCall == nil {
		r.graph.delete(slot)
		r.events.emit(CallsChanged{Graph: r.graph})

		return
	}

	r.handlers.Register(slot, newCall, r.callbacksFor(slot))
	r.graph.set(slot, newCall)
	r.events.emit(CallsChanged{Graph: r.graph})
}

// onFeedsChanged implements "Feed reconciliation on per-call feed change"
// (§4.D), diffing a call's remote feeds against the registry.
func (r *Reconciler) onFeedsChanged(call Call) {
	opponent, ok := call.OpponentMember()
	if !ok {
		return
	}

	device := call.OpponentDeviceID()

	reconcileOne(r.feeds.GetUserMediaFeed, r.feeds.AddUserMediaFeed, r.feeds.ReplaceUserMediaFeed, r.feeds.RemoveUserMediaFeed,
		opponent.UserID, device, call.RemoteUserMediaFeed())
	reconcileOne(r.feeds.GetScreenshareFeed, r.feeds.AddScreenshareFeed, r.feeds.ReplaceScreenshareFeed, r.feeds.RemoveScreenshareFeed,
		opponent.UserID, device, call.RemoteScreenshareFeed())
}

func reconcileOne(
	get func(UserID, DeviceID) (CallFeed, bool),
	add func(CallFeed),
	replace func(CallFeed, CallFeed) error,
	remove func(FeedKey) error,
	user UserID, device DeviceID, incoming CallFeed,
) {
	existing, hasExisting := get(user, device)

	switch {
	case !hasExisting && !incoming.IsZero():
		add(incoming)
	case hasExisting && !incoming.IsZero():
		if !sameFeed(existing, incoming) {
			_ = replace(existing, incoming)
		}
	case hasExisting && incoming.IsZero():
		_ = remove(existing.Key())
	}
}

// onStateChanged implements "Mute enforcement on state transition" (§4.D).
func (r *Reconciler) onStateChanged(call Call, ev CallEvent) {
	if r.localMuteState != nil {
		audioMuted, videoMuted := r.localMuteState()

		if call.IsMicrophoneMuted() != audioMuted {
			_ = call.SetMicrophoneMuted(audioMuted)
		}

		if call.IsLocalVideoMuted() != videoMuted {
			_ = call.SetLocalVideoMuted(videoMuted)
		}
	}

	if ev.NewState == CallStateConnected {
		if slot, ok := r.slotOf(call); ok {
			delete(r.retryCounts, slot)
		}
	}
}

// startRetryLoop arms the periodic retry tick (§4.D "Retry loop").
func (r *Reconciler) startRetryLoop() <-chan time.Time {
	t, c := newTicker(RetryInterval)
	r.retryTicker = t

	return c
}

func (r *Reconciler) stopRetryLoop() {
	if r.retryTicker != nil {
		r.retryTicker.Stop()
		r.retryTicker = nil
	}
}

// tickRetry implements one firing of the retry loop (§4.D): for slots where
// we would place a call and the retry count is still below MaxRetries,
// bump the counter and re-run outgoing placement for that slot alone.
func (r *Reconciler) tickRetry(ctx context.Context, participants ParticipantView, localUser UserID, localDevice DeviceID, localFeeds []CallFeed) {
	changed := false

	for _, member := range participants.Members() {
		for deviceID, state := range participants.Devices(member) {
			if !wantsOutgoingCall(localUser, localDevice, member.UserID, deviceID) {
				continue
			}

			slot := Slot{Member: member, DeviceID: deviceID}

			if existing, ok := r.graph.Get(slot); ok && existing.OpponentSessionID() == state.SessionID {
				continue
			}

			if r.retryCounts[slot] >= MaxRetries {
				continue
			}

			r.retryCounts[slot]++

			if r.placeOutbound(ctx, slot, state, localFeeds) {
				changed = true
			}
		}
	}

	if changed {
		r.events.emit(CallsChanged{Graph: r.graph})
	}
}

func (r *Reconciler) callbacksFor(slot Slot) CallHandlerCallbacks {
	return CallHandlerCallbacks{
		OnFeedsChanged: func(call Call) { r.onFeedsChanged(call) },
		OnStateChanged: func(call Call, ev CallEvent) { r.onStateChanged(call, ev) },
		OnHangup:       func(call Call, ev CallEvent) { r.onHangup(call, ev) },
		OnReplaced:     func(call Call, ev CallEvent) { r.onReplaced(call, ev) },
	}
}

func (r *Reconciler) slotOf(call Call) (Slot, bool) {
	opponent, ok := call.OpponentMember()
	if !ok {
		return Slot{}, false
	}

	return Slot{Member: opponent, DeviceID: call.OpponentDeviceID()}, true
}

// disposeSlot hangs up the occupant of a slot unconditionally (used when we
// already know it must go: new session, or replaced by an incoming call).
func (r *Reconciler) disposeSlot(slot Slot, call Call, reason HangupReason) {
	r.teardown(slot, call, reason)
	r.graph.delete(slot)
}

// disposeIfOccupant hangs up call only if it still occupies slot, per the
// interleaving hazard in §5.3 ("only delete the slot if it still holds the
// failed call").
func (r *Reconciler) disposeIfOccupant(slot Slot, call Call, reason HangupReason) {
	if occupant, ok := r.graph.Get(slot); !ok || occupant.ID() != call.ID() {
		return
	}

	r.teardown(slot, call, reason)
	r.graph.delete(slot)
}

func (r *Reconciler) teardown(slot Slot, call Call, reason HangupReason) {
	if r.handlers.has(slot) {
		if err := r.handlers.Unregister(slot); err != nil {
			r.logger.WithError(err).WithField("slot", slot).Error("teardown: handler unregister failed")
		}
	}

	_ = call.Hangup(reason, true)
}

// disposeAll tears down every call in the graph, used by leave()/terminate()
// (§4.G).
func (r *Reconciler) disposeAll(reason HangupReason) {
	for _, member := range r.graph.Members() {
		for deviceID, call := range r.graph.Devices(member) {
			slot := Slot{Member: member, DeviceID: deviceID}

			if r.handlers.has(slot) {
				_ = r.handlers.Unregister(slot)
			}

			_ = call.Hangup(reason, true)
		}
	}

	r.graph = newCallGraph()
	r.retryCounts = make(map[Slot]int)
}

func cloneFeeds(feeds []CallFeed) []CallFeed {
	out := make([]CallFeed, len(feeds))
	copy(out, feeds)

	return out
}
