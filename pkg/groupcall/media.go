package groupcall

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// LocalFeedLifecycle is the three-state lifecycle of the local call feed
// (§3 "Lifecycle"). It is distinct from the group call's own lifecycle
// state, though the two are driven together by the state machine (§4.G).
type LocalFeedLifecycle string

const (
	LocalFeedUninitialized LocalFeedLifecycle = "uninitialized"
	LocalFeedInitializing  LocalFeedLifecycle = "initializing"
	LocalFeedInitialized   LocalFeedLifecycle = "initialized"
)

// LocalMediaController owns the local user-media and screen-share feeds: it
// captures them, enforces mute semantics, drives the PTT transmit timer, and
// propagates mute/metadata changes to every live call (§4.F).
type LocalMediaController struct {
	logger *logrus.Entry
	events *emitter
	media  MediaHandler
	feeds  *FeedRegistry
	config Config

	localUser   UserID
	localDevice DeviceID

	forEachCall func(fn func(Call))

	state LocalFeedLifecycle

	localFeed       CallFeed
	screenshareFeed CallFeed

	audioMuted bool
	videoMuted bool

	// Deferred mute intent, applied once a local feed exists (§4.F "Capture").
	initWithAudioMuted bool
	initWithVideoMuted bool

	pttTimer *oneShot
	pttChan  <-chan time.Time

	disposed bool
}

func newLocalMediaController(logger *logrus.Entry, events *emitter, media MediaHandler, feeds *FeedRegistry, config Config, localUser UserID, localDevice DeviceID, forEachCall func(func(Call))) *LocalMediaController {
	return &LocalMediaController{
		logger:      logger,
		events:      events,
		media:       media,
		feeds:       feeds,
		config:      config,
		localUser:   localUser,
		localDevice: localDevice,
		forEachCall: forEachCall,
		state:       LocalFeedUninitialized,
	}
}

func (c *LocalMediaController) State() LocalFeedLifecycle { return c.state }

func (c *LocalMediaController) LocalFeed() (CallFeed, bool) {
	return c.localFeed, !c.localFeed.IsZero()
}

// InitLocalCallFeed implements §4.F "Capture". Must only be called from
// LocalFeedUninitialized.
func (c *LocalMediaController) InitLocalCallFeed(ctx context.Context) error {
	if c.state != LocalFeedUninitialized {
		return ErrWrongLifecycleState
	}

	c.state = LocalFeedInitializing
	c.disposed = false

	wantVideo := c.config.Type == CallTypeVideo

	stream, err := c.media.GetUserMediaStream(ctx, true, wantVideo)
	if err != nil {
		c.state = LocalFeedUninitialized

		return err
	}

	// An interleaved leave() may have flipped us back to Uninitialized while
	// we awaited capture above (§5.1); abort rather than register the feed.
	if c.disposed || c.state != LocalFeedInitializing {
		c.media.StopUserMediaStream(stream)

		return ErrDisposed
	}

	audioMuted := c.initWithAudioMuted || !stream.HasAudio() || c.config.IsPTT
	videoMuted := c.initWithVideoMuted || !stream.HasVideo()

	stream.SetAudioEnabled(!audioMuted)
	stream.SetVideoEnabled(!videoMuted)

	c.audioMuted = audioMuted
	c.videoMuted = videoMuted

	feed := NewCallFeed(c.localUser, c.localDevice, PurposeUsermedia, stream)
	c.localFeed = feed
	c.feeds.setLocalFeedKey(feed.Key())
	c.feeds.AddUserMediaFeed(feed)

	c.state = LocalFeedInitialized

	return nil
}

// disposeLocalFeed releases the local user-media stream and, if active, the
// screenshare stream too (§4.G "leave() ... stops all local streams", §5
// "every screen share acquisition is paired with exactly one release").
// Used by leave()/terminate() and the concurrent-dispose guard in
// InitLocalCallFeed.
func (c *LocalMediaController) disposeLocalFeed() {
	c.disposed = true

	c.cancelPTT()

	hadUserMedia := !c.localFeed.IsZero()
	hadScreenshare := !c.screenshareFeed.IsZero()

	if !hadUserMedia && !hadScreenshare {
		c.state = LocalFeedUninitialized

		return
	}

	// StopAllStreams releases both streams in one call rather than pairing a
	// StopUserMediaStream/StopScreensharingStream call with each; see
	// collaborators.go's MediaHandler.StopAllStreams.
	c.media.StopAllStreams()

	if hadUserMedia {
		_ = c.feeds.RemoveUserMediaFeed(c.localFeed.Key())
		c.localFeed = CallFeed{}
	}

	if hadScreenshare {
		_ = c.feeds.RemoveScreenshareFeed(c.screenshareFeed.Key())
		c.screenshareFeed = CallFeed{}
	}

	c.state = LocalFeedUninitialized
}

// SetMicrophoneMuted implements §4.F "Mute semantics" for audio. Unmute
// requests fail closed (return false) if there is no input device, so a
// stuck permission prompt can never wedge the call; mute requests always
// succeed.
func (c *LocalMediaController) SetMicrophoneMuted(ctx context.Context, muted bool) bool {
	if !muted && !c.media.HasAudioDevice(ctx) {
		return false
	}

	wasMuted := c.audioMuted

	if c.config.IsPTT && wasMuted && !muted {
		c.sendMetadataToAllCalls()
	}

	c.applyAudioMute(muted)

	if c.config.IsPTT {
		if !muted {
			c.armPTT()
		} else {
			c.cancelPTT()
		}
	}

	if !(c.config.IsPTT && wasMuted && !muted) {
		c.sendMetadataToAllCalls()
	}

	c.events.emit(LocalMuteStateChanged{AudioMuted: c.audioMuted, VideoMuted: c.videoMuted})

	return true
}

func (c *LocalMediaController) applyAudioMute(muted bool) {
	c.audioMuted = muted

	if !c.localFeed.IsZero() {
		c.initWithAudioMuted = muted

		if c.localFeed.Stream != nil {
			c.localFeed.Stream.SetAudioEnabled(!muted)
		}
	} else {
		c.initWithAudioMuted = muted
	}

	c.forEachCall(func(call Call) {
		if err := call.SetMicrophoneMuted(muted); err != nil {
			c.logger.WithError(err).Debug("SetMicrophoneMuted: per-call update failed")
		}
	})
}

// SetLocalVideoMuted implements §4.F "Mute semantics" for video.
func (c *LocalMediaController) SetLocalVideoMuted(ctx context.Context, muted bool) bool {
	if !muted && !c.media.HasVideoDevice(ctx) {
		return false
	}

	c.videoMuted = muted
	c.initWithVideoMuted = muted

	if !c.localFeed.IsZero() && c.localFeed.Stream != nil {
		c.localFeed.Stream.SetVideoEnabled(!muted)
	}

	c.forEachCall(func(call Call) {
		if err := call.SetLocalVideoMuted(muted); err != nil {
			c.logger.WithError(err).Debug("SetLocalVideoMuted: per-call update failed")
		}
	})

	c.events.emit(LocalMuteStateChanged{AudioMuted: c.audioMuted, VideoMuted: c.videoMuted})

	return true
}

func (c *LocalMediaController) sendMetadataToAllCalls() {
	c.forEachCall(func(call Call) {
		if err := call.SendMetadataUpdate(); err != nil {
			c.logger.WithError(err).Debug("sendMetadataToAllCalls: metadata update failed")
		}
	})
}

// armPTT schedules the push-to-talk auto-re-mute timer (§4.F "Push-to-talk
// transmit timer"). The caller's run loop must select on the returned
// channel, alongside every other timer channel, and call OnPTTTimeout when
// it fires - the tick is never consumed anywhere else (§5).
func (c *LocalMediaController) armPTT() <-chan time.Time {
	c.cancelPTT()

	t, ch := newOneShot(PTTMaxTransmitTime)
	c.pttTimer = t
	c.pttChan = ch

	return ch
}

func (c *LocalMediaController) cancelPTT() {
	if c.pttTimer != nil {
		c.pttTimer.Stop()
		c.pttTimer = nil
	}

	c.pttChan = nil
}

// PTTChannel returns the channel the run loop should currently be selecting
// on for the PTT auto-re-mute timeout, or nil if none is armed.
func (c *LocalMediaController) PTTChannel() <-chan time.Time {
	return c.pttChan
}

// OnPTTTimeout is invoked by the run loop when the PTT transmit timer fires.
func (c *LocalMediaController) OnPTTTimeout(ctx context.Context) {
	c.SetMicrophoneMuted(ctx, true)
}

// SetScreensharingEnabled implements §4.F "Screen share".
func (c *LocalMediaController) SetScreensharingEnabled(ctx context.Context, enabled bool, opts ScreenshareOptions) (bool, error) {
	alreadyEnabled := !c.screenshareFeed.IsZero()
	if enabled == alreadyEnabled {
		return enabled, nil
	}

	if !enabled {
		c.forEachCall(func(call Call) {
			_ = call.RemoveLocalFeed(c.screenshareFeed)
		})

		if c.screenshareFeed.Stream != nil {
			c.media.StopScreensharingStream(c.screenshareFeed.Stream)
		}

		_ = c.feeds.RemoveScreenshareFeed(c.screenshareFeed.Key())
		c.screenshareFeed = CallFeed{}

		c.events.emit(LocalScreenshareStateChanged{Enabled: false})

		return false, nil
	}

	stream, err := c.media.GetScreensharingStream(ctx, opts)
	if err != nil {
		c.events.emit(ErrorEvent{Err: newError(ErrorNoUserMedia, "failed to acquire screen capture", err)})

		return false, err
	}

	stream.OnEnded(func() {
		_, _ = c.SetScreensharingEnabled(context.Background(), false, ScreenshareOptions{})
	})

	feed := NewCallFeed(c.localUser, c.localDevice, PurposeScreenshare, stream)
	c.screenshareFeed = feed
	c.feeds.AddScreenshareFeed(feed)

	c.forEachCall(func(call Call) {
		_ = call.PushLocalFeed(feed)
	})

	c.events.emit(LocalScreenshareStateChanged{Enabled: true, Feed: feed, SourceID: opts.SourceID})

	return true, nil
}

func (c *LocalMediaController) AudioMuted() bool { return c.audioMuted }
func (c *LocalMediaController) VideoMuted() bool { return c.videoMuted }
