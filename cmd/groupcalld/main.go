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
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/matrix-org/groupcall-coordinator/pkg/common"
	"github.com/matrix-org/groupcall-coordinator/pkg/config"
	"github.com/matrix-org/groupcall-coordinator/pkg/groupcall"
	"github.com/matrix-org/groupcall-coordinator/pkg/profiling"
	"github.com/matrix-org/groupcall-coordinator/pkg/telemetry"
	"github.com/matrix-org/groupcall-coordinator/pkg/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"maunium.net/go/mautrix/event"
)

// syncStallTimeout bounds how long the daemon waits between sync-delivered
// room events before declaring the connection stuck (mirrors the teacher's
// "no incoming RTP packets for N seconds" stall detection in
// pkg/conference/track/publisher.go, applied here to the sync loop instead
// of an RTP stream).
const syncStallTimeout = 2 * time.Minute

func main() {
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	deferredFunctions := []func(){}
	if *cpuProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitCPUProfiling(cpuProfile))
	}
	if *memProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitMemoryProfiling(memProfile))
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()

		for _, fn := range deferredFunctions {
			fn()
		}
	}()

	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	if cfg.Telemetry.Package != "" && cfg.Telemetry.ID != "" {
		tp, err := telemetry.SetupTelemetry(cfg.Telemetry)
		if err != nil {
			logrus.WithError(err).Warn("telemetry disabled: setup failed")
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()

				if err := tp.Shutdown(shutdownCtx); err != nil {
					logrus.WithError(err).Warn("telemetry shutdown failed")
				}
			}()
		}
	}

	logger := logrus.NewEntry(logrus.StandardLogger())

	client, err := transport.NewClient(logger.WithField("component", "transport"), cfg.Matrix)
	if err != nil {
		logrus.WithError(err).Fatal("could not create matrix client")
		return
	}

	d := newDaemon(ctx, logger, client)

	watchdogCfg := common.WatchdogConfig{
		Timeout: syncStallTimeout,
		OnTimeout: func() {
			logger.Error("no room-state events observed for too long, treating the sync connection as stalled")
			cancel()
		},
	}
	wd := watchdogCfg.Start()
	defer wd.Close()

	d.watchdog = wd

	go func() {
		if err := client.RunSyncing(d.onMemberState, d.onGroupCallState, d.onMembership); err != nil {
			logger.WithError(err).Error("sync loop terminated")
			cancel()
		}
	}()

	<-ctx.Done()

	d.shutdown(context.Background())
}

// daemon supervises the set of GroupCalls derived from the rooms this
// coordinator's identity has seen m.call state events in, one GroupCall per
// (room, group call id) pair, each driven by its own Run loop goroutine
// (§4.G, §5 - each GroupCall is single-threaded internally, but a daemon
// hosts many of them concurrently, same as the teacher's map of concurrent
// Conferences in pkg/conference_manager).
type daemon struct {
	ctx    context.Context //nolint:containedctx
	logger *logrus.Entry
	client *transport.Client

	watchdog *common.WatchdogChannel

	mutex sync.Mutex
	rooms map[groupcall.RoomID]*transport.Room
	calls map[groupcall.RoomID]map[groupcall.GroupCallID]*groupcall.GroupCall
}

func newDaemon(ctx context.Context, logger *logrus.Entry, client *transport.Client) *daemon {
	return &daemon{
		ctx:    ctx,
		logger: logger,
		client: client,
		rooms:  make(map[groupcall.RoomID]*transport.Room),
		calls:  make(map[groupcall.RoomID]map[groupcall.GroupCallID]*groupcall.GroupCall),
	}
}

func (d *daemon) notify() {
	if d.watchdog != nil {
		d.watchdog.Notify()
	}
}

func (d *daemon) roomFor(roomID groupcall.RoomID) *transport.Room {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	room, ok := d.rooms[roomID]
	if !ok {
		room = transport.NewRoom(roomID)
		d.rooms[roomID] = room
	}

	return room
}

func (d *daemon) activeCalls(roomID groupcall.RoomID) []*groupcall.GroupCall {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return maps.Values(d.calls[roomID])
}

func (d *daemon) onMemberState(roomID groupcall.RoomID, userID groupcall.UserID, content groupcall.MemberCallStateContent) {
	d.notify()

	d.roomFor(roomID).ApplyCallMemberEvent(userID, content)

	now := time.Now()
	for _, gc := range d.activeCalls(roomID) {
		gc.OnRoomStateChanged(context.Background(), now)
	}
}

func (d *daemon) onMembership(roomID groupcall.RoomID, userID groupcall.UserID, membership event.Membership) {
	d.notify()

	d.roomFor(roomID).ApplyMembership(userID, membership)

	now := time.Now()
	for _, gc := range d.activeCalls(roomID) {
		gc.OnRoomStateChanged(context.Background(), now)
	}
}

// onGroupCallState instantiates a GroupCall the first time a non-terminated
// m.call state event is observed for a given (room, id), and tears it down
// once the event reports m.terminated (§3 "Lifecycle", §6).
func (d *daemon) onGroupCallState(roomID groupcall.RoomID, groupCallID groupcall.GroupCallID, content groupcall.GroupCallStateContent) {
	d.notify()

	room := d.roomFor(roomID)
	room.ApplyGroupCallStateEvent(groupCallID, content)

	d.mutex.Lock()
	existing, hasExisting := d.calls[roomID][groupCallID]
	d.mutex.Unlock()

	if content.Terminated != "" {
		if hasExisting {
			existing.Leave(d.ctx, time.Now())
			d.removeCall(roomID, groupCallID)
		}

		return
	}

	if hasExisting {
		return
	}

	logger := d.logger.WithFields(logrus.Fields{"room_id": roomID, "group_call_id": groupCallID})

	gc := groupcall.NewGroupCall(
		logger,
		groupCallID,
		groupcall.ConfigFromGroupCallState(content),
		d.client,
		room,
		unimplementedMedia{},
		unimplementedMedia{},
		time.Now(),
	)

	if err := gc.InitLocalCallFeed(d.ctx); err != nil {
		logger.WithError(err).Warn("failed to initialize local call feed, not joining")
		return
	}

	if err := gc.Enter(d.ctx, time.Now()); err != nil {
		logger.WithError(err).Warn("failed to enter group call")
		return
	}

	d.mutex.Lock()
	if d.calls[roomID] == nil {
		d.calls[roomID] = make(map[groupcall.GroupCallID]*groupcall.GroupCall)
	}
	d.calls[roomID][groupCallID] = gc
	d.mutex.Unlock()

	go func() {
		gc.Run(d.ctx)
		d.removeCall(roomID, groupCallID)
	}()
}

func (d *daemon) removeCall(roomID groupcall.RoomID, groupCallID groupcall.GroupCallID) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	delete(d.calls[roomID], groupCallID)
	if len(d.calls[roomID]) == 0 {
		delete(d.calls, roomID)
	}
}

// shutdown leaves every call this daemon currently owns, giving each its own
// budget to publish the leave-time device removal (§4.E).
func (d *daemon) shutdown(ctx context.Context) {
	d.mutex.Lock()
	all := make([]*groupcall.GroupCall, 0)
	for _, byID := range d.calls {
		all = append(all, maps.Values(byID)...)
	}
	d.mutex.Unlock()

	var wg sync.WaitGroup
	for _, gc := range all {
		wg.Add(1)

		go func(gc *groupcall.GroupCall) {
			defer wg.Done()
			gc.Leave(ctx, time.Now())
		}(gc)
	}

	wg.Wait()
}
