/*
Copyright 2022 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/groupcall-coordinator/pkg/groupcall"
)

// stateEventType wraps a raw reserved event type name (e.g. "m.call.member")
// the same way the teacher constructs its own ad-hoc to-device types that
// aren't among mautrix's predefined event.Type constants (matrix.go's
// CallInvite/CallCandidates/... composite literals), but scoped to state
// events instead of to-device ones.
func stateEventType(name string) event.Type {
	return event.Type{Type: name, Class: event.StateEventType}
}

// Client adapts a *mautrix.Client into groupcall.Client, carrying the
// process-lifetime SessionID the teacher's signaling layer hardcodes as
// LocalSessionID for its SFU identity (pkg/signaling.LocalSessionID) - here
// it is generated once per process, per §3 "SessionID is generated once per
// process run by the outer client".
type Client struct {
	logger    *logrus.Entry
	client    *mautrix.Client
	sessionID id.SessionID

	mutex              sync.Mutex
	incomingCallFns    map[int]func(groupcall.IncomingCall)
	nextIncomingCallID int
}

// NewClient authenticates against the homeserver the same way the teacher's
// signaling.NewMatrixClient does: construct, Whoami, verify the user id the
// access token belongs to matches the configured one, adopt the returned
// DeviceID.
func NewClient(logger *logrus.Entry, config Config) (*Client, error) {
	client, err := mautrix.NewClient(config.HomeserverURL, config.UserID, config.AccessToken)
	if err != nil {
		return nil, err
	}

	whoami, err := client.Whoami()
	if err != nil {
		return nil, err
	}

	if config.UserID != whoami.UserID {
		return nil, groupcall.ErrWrongLifecycleState
	}

	client.DeviceID = whoami.DeviceID

	return &Client{
		logger:          logger,
		client:          client,
		sessionID:       id.SessionID(uuid.NewString()),
		incomingCallFns: make(map[int]func(groupcall.IncomingCall)),
	}, nil
}

func (c *Client) UserID() groupcall.UserID     { return c.client.UserID }
func (c *Client) DeviceID() groupcall.DeviceID { return c.client.DeviceID }
func (c *Client) SessionID() groupcall.SessionID { return c.sessionID }

// SendStateEvent writes a state event scoped to stateKey. keepAlive is
// recorded in the log line only: mautrix-go's HTTP client has no built-in
// notion of a request surviving process teardown, so a caller that needs a
// true keep-alive (e.g. leave-time device removal, §4.E) must fire this
// from a context whose cancellation it controls independently of any
// forthcoming process exit.
func (c *Client) SendStateEvent(ctx context.Context, roomID groupcall.RoomID, eventType string, stateKey string, content interface{}, keepAlive bool) error {
	_, err := c.client.SendStateEvent(roomID, stateEventType(eventType), stateKey, content)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"room_id":    roomID,
			"event_type": eventType,
			"keep_alive": keepAlive,
		}).Warn("SendStateEvent failed")
	}

	return err
}

// OnIncomingCall registers a listener invoked whenever DispatchIncomingCall
// hands over a call to offer to the reconciler. The concrete single-call
// layer that turns a ringing m.call invite into a groupcall.Call is an
// external collaborator (§1 non-goals); this transport only owns the
// subscription bookkeeping and the dispatch point. RunSyncing does not
// dispatch incoming calls.
func (c *Client) OnIncomingCall(fn func(groupcall.IncomingCall)) (unsubscribe func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	handle := c.nextIncomingCallID
	c.nextIncomingCallID++
	c.incomingCallFns[handle] = fn

	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()

		delete(c.incomingCallFns, handle)
	}
}

// DispatchIncomingCall is the entry point the single-call layer (the
// external collaborator that actually negotiates SDP/ICE, per §1 non-goals)
// calls once it has a ringing groupcall.Call ready to hand to the
// reconciler.
func (c *Client) DispatchIncomingCall(in groupcall.IncomingCall) {
	c.mutex.Lock()
	fns := make([]func(groupcall.IncomingCall), 0, len(c.incomingCallFns))
	for _, fn := range c.incomingCallFns {
		fns = append(fns, fn)
	}
	c.mutex.Unlock()

	for _, fn := range fns {
		fn(in)
	}
}

// RunSyncing starts the homeserver sync loop, mirroring
// pkg/signaling.MatrixClient.RunSyncing but dispatching three kinds of
// room-state update instead of parsing to-device call signalling (that
// per-call negotiation belongs to the single-call layer, an external
// collaborator per §1): device advertisements (onMemberState), group-call
// creation/configuration/termination (onGroupCallState), and room
// membership changes (onMembership).
func (c *Client) RunSyncing(
	onMemberState func(roomID groupcall.RoomID, userID groupcall.UserID, content groupcall.MemberCallStateContent),
	onGroupCallState func(roomID groupcall.RoomID, groupCallID groupcall.GroupCallID, content groupcall.GroupCallStateContent),
	onMembership func(roomID groupcall.RoomID, userID groupcall.UserID, membership event.Membership),
) error {
	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return groupcall.ErrWrongLifecycleState
	}

	syncer.ParseEventContent = true
	syncer.OnEventType(stateEventType(groupcall.EventTypeCallMember), func(_ mautrix.EventSource, evt *event.Event) {
		var content groupcall.MemberCallStateContent
		if err := decodeContent(evt, &content); err != nil {
			c.logger.WithError(err).Warn("failed to decode m.call.member event")
			return
		}

		var stateKey string
		if evt.StateKey != nil {
			stateKey = *evt.StateKey
		}

		onMemberState(evt.RoomID, groupcall.UserID(stateKey), content)
	})
	syncer.OnEventType(stateEventType(groupcall.EventTypeGroupCall), func(_ mautrix.EventSource, evt *event.Event) {
		var content groupcall.GroupCallStateContent
		if err := decodeContent(evt, &content); err != nil {
			c.logger.WithError(err).Warn("failed to decode m.call event")
			return
		}

		var stateKey string
		if evt.StateKey != nil {
			stateKey = *evt.StateKey
		}

		onGroupCallState(evt.RoomID, groupcall.GroupCallID(stateKey), content)
	})
	syncer.OnEventType(event.StateMember, func(_ mautrix.EventSource, evt *event.Event) {
		content, ok := evt.Content.Parsed.(*event.MemberEventContent)
		if !ok || evt.StateKey == nil {
			return
		}

		onMembership(evt.RoomID, groupcall.UserID(*evt.StateKey), content.Membership)
	})

	return c.client.Sync()
}

// decodeContent re-marshals an event's raw content back to JSON and
// unmarshals it into dst.
func decodeContent(evt *event.Event, dst interface{}) error {
	raw, err := json.Marshal(evt.Content.Raw)
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, dst)
}

// KnownDeviceIDs implements groupcall.DeviceLister by querying the
// identity service's device list, used by the membership publisher's
// cleanMemberState (§4.E). It lists the devices of the account this client
// is logged in as; the user argument is not used.
func (c *Client) KnownDeviceIDs(ctx context.Context, user groupcall.UserID) ([]groupcall.DeviceID, error) {
	resp, err := c.client.Devices()
	if err != nil {
		return nil, err
	}

	ids := make([]groupcall.DeviceID, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		ids = append(ids, d.DeviceID)
	}

	return ids, nil
}
