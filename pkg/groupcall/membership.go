package groupcall

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thoas/go-funk"
)

// MembershipPublisher owns the local device's entry in the room's
// m.call.member state document: writing it, refreshing it on a schedule
// while Entered, and cleaning stale entries out of it (§4.E).
type MembershipPublisher struct {
	logger *logrus.Entry
	client Client
	room   Room

	groupCallID GroupCallID

	refreshTicker *ticker
}

func newMembershipPublisher(logger *logrus.Entry, client Client, room Room, groupCallID GroupCallID) *MembershipPublisher {
	return &MembershipPublisher{logger: logger, client: client, room: room, groupCallID: groupCallID}
}

// mutateDevices transforms the current (already filtered) device list for
// our call entry; returning nil aborts the write (§4.E "read-modify-write").
type mutateDevices func(devices []DeviceAdvertisement) []DeviceAdvertisement

// updateMemberState implements the read-modify-write cycle (§4.E).
func (m *MembershipPublisher) updateMemberState(ctx context.Context, now time.Time, keepAlive bool, mutate mutateDevices) error {
	localUser := m.client.UserID()
	events := m.room.MemberStateEvents(EventTypeCallMember)

	content := events[localUser]

	ourEntry, _ := entryForCall(content, m.groupCallID)

	otherEntries := make([]MemberCallEntry, 0, len(content.Calls))

	for _, entry := range content.Calls {
		if entry.CallID != string(m.groupCallID) {
			otherEntries = append(otherEntries, entry)
		}
	}

	current := filterValidDevices(ourEntry.Devices, now)

	next := mutate(current)
	if next == nil {
		return nil
	}

	newContent := MemberCallStateContent{Calls: otherEntries}

	if len(next) > 0 {
		newContent.Calls = append(newContent.Calls, MemberCallEntry{
			CallID:  string(m.groupCallID),
			Foci:    ourEntry.Foci,
			Devices: withFreshExpiry(next, now),
		})
	}

	return m.client.SendStateEvent(ctx, m.room.ID(), EventTypeCallMember, string(localUser), newContent, keepAlive)
}

func withFreshExpiry(devices []DeviceAdvertisement, now time.Time) []DeviceAdvertisement {
	out := make([]DeviceAdvertisement, len(devices))
	expiresTs := now.Add(DeviceTimeout).UnixMilli()

	for i, d := range devices {
		d.ExpiresTs = expiresTs
		out[i] = d
	}

	return out
}

// publish implements "Publish local device" (§4.E): replace any prior entry
// for our device id with a fresh one describing our current feeds.
func (m *MembershipPublisher) publish(ctx context.Context, now time.Time, device DeviceID, session SessionID, purposes []Purpose) error {
	return m.updateMemberState(ctx, now, false, func(devices []DeviceAdvertisement) []DeviceAdvertisement {
		out := make([]DeviceAdvertisement, 0, len(devices)+1)

		for _, d := range devices {
			if DeviceID(d.DeviceID) != device {
				out = append(out, d)
			}
		}

		out = append(out, DeviceAdvertisement{
			DeviceID:  string(device),
			SessionID: string(session),
			ExpiresTs: now.Add(DeviceTimeout).UnixMilli(),
			Feeds:     feedsFromPurposes(purposes),
		})

		return out
	})
}

// removeDevice publishes a removal of our own device entry, marked
// keep-alive so it survives a page/process teardown (§4.E "On transition out
// of Entered").
func (m *MembershipPublisher) removeDevice(ctx context.Context, now time.Time, device DeviceID) error {
	return m.updateMemberState(ctx, now, true, func(devices []DeviceAdvertisement) []DeviceAdvertisement {
		out := make([]DeviceAdvertisement, 0, len(devices))

		for _, d := range devices {
			if DeviceID(d.DeviceID) != device {
				out = append(out, d)
			}
		}

		return out
	})
}

// cleanMemberState additionally drops entries whose device id is unknown to
// the identity service, plus our own entry if we are neither entered nor
// entered-via-another-session (§4.E "Cleanup").
func (m *MembershipPublisher) cleanMemberState(ctx context.Context, now time.Time, lister DeviceLister, localDevice DeviceID, weAreEntered bool) error {
	known, err := lister.KnownDeviceIDs(ctx, m.client.UserID())
	if err != nil {
		return err
	}

	skippedWrite := true

	err = m.updateMemberState(ctx, now, false, func(devices []DeviceAdvertisement) []DeviceAdvertisement {
		out := make([]DeviceAdvertisement, 0, len(devices))

		for _, d := range devices {
			if DeviceID(d.DeviceID) == localDevice && !weAreEntered {
				continue
			}

			if !funk.Contains(known, DeviceID(d.DeviceID)) {
				continue
			}

			out = append(out, d)
		}

		if len(out) == len(devices) {
			skippedWrite = true

			return nil
		}

		skippedWrite = false

		return out
	})

	if err != nil {
		return err
	}

	if skippedWrite {
		m.logger.Debug("cleanMemberState: filtered device list unchanged, skipping write")
	}

	return nil
}

// startRefreshLoop arms the scheduled-refresh ticker (§4.E); the caller's
// run loop must invoke publish() on every tick it receives here.
func (m *MembershipPublisher) startRefreshLoop() <-chan time.Time {
	t, c := newTicker(MembershipRefreshInterval)
	m.refreshTicker = t

	return c
}

func (m *MembershipPublisher) stopRefreshLoop() {
	if m.refreshTicker != nil {
		m.refreshTicker.Stop()
		m.refreshTicker = nil
	}
}
