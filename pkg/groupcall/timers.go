package groupcall

import (
	"sync"
	"time"
)

// ticker wraps time.Ticker with a mutex-guarded closed flag so Stop is safe
// to call more than once (§5 "double-cancel must be safe"), the same shape
// as the teacher's WatchdogChannel/Worker (pkg/common/watchdog.go,
// pkg/common/worker.go). Every periodic timer the coordinator holds - active
// speaker, retry, membership refresh - is one of these; the tick is only
// ever consumed by the state machine's single run-loop select, so the
// mutation it triggers is never racing another entry point.
type ticker struct {
	mutex   sync.Mutex
	t       *time.Ticker
	stopped bool
}

func newTicker(period time.Duration) (*ticker, <-chan time.Time) {
	t := time.NewTicker(period)
	return &ticker{t: t}, t.C
}

func (t *ticker) Stop() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.stopped {
		t.t.Stop()
		t.stopped = true
	}
}

// oneShot wraps time.Timer with the same double-stop safety, used for the
// PTT transmit timer and the participant-expiration timer (§5).
type oneShot struct {
	mutex   sync.Mutex
	t       *time.Timer
	stopped bool
}

func newOneShot(d time.Duration) (*oneShot, <-chan time.Time) {
	t := time.NewTimer(d)
	return &oneShot{t: t}, t.C
}

func (t *oneShot) Stop() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.stopped {
		t.t.Stop()
		t.stopped = true
	}
}
