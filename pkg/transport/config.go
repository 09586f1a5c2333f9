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

import "maunium.net/go/mautrix/id"

// Config is the connection configuration for the Matrix client this
// coordinator authenticates as, adapted from the teacher's
// pkg/signaling.Config for a coordinator rather than an SFU identity.
type Config struct {
	// UserID is the MXID this coordinator's device runs as.
	UserID id.UserID `yaml:"userId"`
	// HomeserverURL is the homeserver this coordinator talks to.
	HomeserverURL string `yaml:"homeserverUrl"`
	// AccessToken authenticates the above UserID.
	AccessToken string `yaml:"accessToken"`
}
