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

package main

import (
	"context"
	"errors"

	"github.com/matrix-org/groupcall-coordinator/pkg/groupcall"
)

// ErrNoSingleCallLayer is returned by the placeholder CallFactory/MediaHandler
// below. Placing calls and capturing media is the single-call layer's job
// (§1 non-goals) - a real deployment of this daemon links in that layer's
// own implementation of these two interfaces instead of unimplementedMedia.
var ErrNoSingleCallLayer = errors.New("groupcalld: no single-call layer wired in")

// unimplementedMedia satisfies groupcall.MediaHandler and groupcall.CallFactory
// so that cmd/groupcalld links and runs without a real WebRTC stack attached.
// Every method reports that no device/call is available rather than
// panicking. Because GetUserMediaStream always fails, the daemon's
// InitLocalCallFeed fails for every group call it sees, so it watches room
// state but never enters a call, places calls or publishes membership.
type unimplementedMedia struct{}

func (unimplementedMedia) NewOutboundCall(ctx context.Context, roomID groupcall.RoomID, invitee groupcall.Member, opponentDeviceID groupcall.DeviceID, opponentSessionID groupcall.SessionID, groupCallID groupcall.GroupCallID) (groupcall.Call, error) {
	return nil, ErrNoSingleCallLayer
}

func (unimplementedMedia) GetUserMediaStream(ctx context.Context, audio, video bool) (groupcall.MediaStream, error) {
	return nil, ErrNoSingleCallLayer
}

func (unimplementedMedia) GetScreensharingStream(ctx context.Context, opts groupcall.ScreenshareOptions) (groupcall.MediaStream, error) {
	return nil, ErrNoSingleCallLayer
}

func (unimplementedMedia) HasAudioDevice(ctx context.Context) bool { return false }
func (unimplementedMedia) HasVideoDevice(ctx context.Context) bool { return false }
func (unimplementedMedia) StopUserMediaStream(stream groupcall.MediaStream)      {}
func (unimplementedMedia) StopScreensharingStream(stream groupcall.MediaStream)  {}
func (unimplementedMedia) StopAllStreams()                                      {}
