package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdog_RegularNotifyPreventsTimeout(t *testing.T) {
	fired := make(chan struct{}, 1)
	wd := (&WatchdogConfig{Timeout: 30 * time.Millisecond, OnTimeout: func() { fired <- struct{}{} }}).Start()
	defer wd.Close()

	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)

		if !wd.Notify() {
			t.Fatal("Notify should succeed before Close")
		}
	}

	select {
	case <-fired:
		t.Fatal("OnTimeout fired despite regular notifications")
	default:
	}
}

func TestWatchdog_FiresWithoutNotify(t *testing.T) {
	fired := make(chan struct{}, 1)
	wd := (&WatchdogConfig{Timeout: 10 * time.Millisecond, OnTimeout: func() { fired <- struct{}{} }}).Start()
	defer wd.Close()

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("OnTimeout never fired")
	}
}

func TestWatchdog_NotifyAfterCloseReportsFalse(t *testing.T) {
	wd := (&WatchdogConfig{Timeout: time.Second, OnTimeout: func() {}}).Start()
	wd.Close()

	assert.False(t, wd.Notify(), "Notify after Close should report false")
}

func TestWatchdog_DoubleCloseIsSafe(t *testing.T) {
	wd := (&WatchdogConfig{Timeout: time.Second, OnTimeout: func() {}}).Start()
	wd.Close()
	wd.Close()
}
