package groupcall

import "time"

// GroupCallType mirrors the m.type field of the group call state event.
type GroupCallType string

const (
	CallTypeVoice GroupCallType = "m.voice"
	CallTypeVideo GroupCallType = "m.video"
)

// GroupCallIntent mirrors the m.intent field of the group call state event.
type GroupCallIntent string

const (
	IntentRing   GroupCallIntent = "m.ring"
	IntentPrompt GroupCallIntent = "m.prompt"
	IntentRoom   GroupCallIntent = "m.room"
)

// Purpose identifies what a feed carries, mirroring the "purpose" field of a
// device advertisement's feeds array.
type Purpose string

const (
	PurposeUsermedia   Purpose = "m.usermedia"
	PurposeScreenshare Purpose = "m.screenshare"
)

// DataChannelOptions mirrors "dataChannelOptions" on the group call state
// event; it is opaque to the reconciler and passed straight to the
// single-call layer's CreateDataChannel.
type DataChannelOptions struct {
	Ordered        bool
	MaxPacketLife  *uint16
	MaxRetransmits *uint16
}

// Config is the immutable configuration of a single GroupCall, read once
// from the m.call state event that created it.
type Config struct {
	Type   GroupCallType
	Intent GroupCallIntent
	IsPTT  bool

	DataChannelsEnabled bool
	DataChannelOptions  DataChannelOptions
}

// Tunables that the spec fixes as defaults. Kept as vars (not const) only so
// tests can shrink them; production code must not mutate them.
var (
	// DeviceTimeout is how long a published device advertisement remains
	// valid after it is written (§3).
	DeviceTimeout = time.Hour
	// MembershipRefreshInterval is how often the local advertisement is
	// rewritten while Entered, to keep expires_ts comfortably ahead of now.
	MembershipRefreshInterval = DeviceTimeout * 3 / 4
	// ActiveSpeakerInterval is the tick period of the active-speaker loop.
	ActiveSpeakerInterval = time.Second
	// RetryInterval is the tick period of the outbound-placement retry loop.
	RetryInterval = 5 * time.Second
	// MaxRetries caps the per-slot retry counter.
	MaxRetries = 3
	// PTTMaxTransmitTime is how long an unmuted PTT microphone stays live
	// before it is automatically re-muted.
	PTTMaxTransmitTime = 20 * time.Second
	// SpeakingThreshold is the floor an averaged volume sample must clear to
	// be considered "speaking" by the active-speaker loop.
	SpeakingThreshold = 0.01
)
