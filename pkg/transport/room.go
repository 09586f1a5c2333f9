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
	"maunium.net/go/mautrix/event"

	"github.com/matrix-org/groupcall-coordinator/pkg/groupcall"
)

// Room adapts a mautrix room's locally-cached state into groupcall.Room,
// scoped to a single room id. It holds no network handle of its own: state
// is supplied by whatever keeps the local room-state cache current (the
// client's sync loop), mirroring the narrow Room/Member collaborators in
// §6 rather than exposing the whole mautrix state store.
type Room struct {
	roomID     groupcall.RoomID
	content    map[groupcall.UserID]groupcall.MemberCallStateContent
	members    map[groupcall.UserID]event.Membership
	groupCalls map[groupcall.GroupCallID]groupcall.GroupCallStateContent
}

func NewRoom(roomID groupcall.RoomID) *Room {
	return &Room{
		roomID:     roomID,
		content:    make(map[groupcall.UserID]groupcall.MemberCallStateContent),
		members:    make(map[groupcall.UserID]event.Membership),
		groupCalls: make(map[groupcall.GroupCallID]groupcall.GroupCallStateContent),
	}
}

func (r *Room) ID() groupcall.RoomID { return r.roomID }

// ApplyCallMemberEvent updates the cached m.call.member content for a user,
// called by the sync loop whenever a matching state event arrives (§6
// "preserve field names").
func (r *Room) ApplyCallMemberEvent(user groupcall.UserID, content groupcall.MemberCallStateContent) {
	r.content[user] = content
}

// ApplyMembership updates the cached room membership for a user, called by
// the sync loop on every m.room.member event.
func (r *Room) ApplyMembership(user groupcall.UserID, membership event.Membership) {
	r.members[user] = membership
}

func (r *Room) MemberStateEvents(eventType string) map[groupcall.UserID]groupcall.MemberCallStateContent {
	out := make(map[groupcall.UserID]groupcall.MemberCallStateContent, len(r.content))
	for user, content := range r.content {
		out[user] = content
	}

	return out
}

func (r *Room) Membership(user groupcall.UserID) event.Membership {
	return r.members[user]
}

// ApplyGroupCallStateEvent caches a room's m.call state event, called by the
// sync loop whenever one arrives. The cache is read back through
// GroupCallStates.
func (r *Room) ApplyGroupCallStateEvent(groupCallID groupcall.GroupCallID, content groupcall.GroupCallStateContent) {
	r.groupCalls[groupCallID] = content
}

// GroupCallStates returns a defensive copy of every m.call state event known
// in the room, keyed by GroupCallID.
func (r *Room) GroupCallStates() map[groupcall.GroupCallID]groupcall.GroupCallStateContent {
	out := make(map[groupcall.GroupCallID]groupcall.GroupCallStateContent, len(r.groupCalls))
	for id, content := range r.groupCalls {
		out[id] = content
	}

	return out
}
