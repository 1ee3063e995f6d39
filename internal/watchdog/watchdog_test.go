// File: internal/watchdog/watchdog_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package watchdog

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchdogFiresOnce(t *testing.T) {
	w := New(5 * time.Millisecond)
	defer w.Close()

	var crashed int32
	var calls int32
	w.Register(func() bool {
		atomic.AddInt32(&calls, 1)
		return true
	}, func() {
		atomic.AddInt32(&crashed, 1)
	})

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&crashed) == 0 {
		select {
		case <-deadline:
			t.Fatal("onCrash never fired")
		case <-time.After(time.Millisecond):
		}
	}

	// Give a few more ticks a chance to run; onCrash must not fire twice
	// since Unregister happens inside runOne before any other tick can
	// observe the probe again.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&crashed); got != 1 {
		t.Fatalf("onCrash fired %d times, want 1", got)
	}
}

func TestWatchdogUnregisterStopsPolling(t *testing.T) {
	w := New(5 * time.Millisecond)
	defer w.Close()

	var calls int32
	id := w.Register(func() bool {
		atomic.AddInt32(&calls, 1)
		return false
	}, func() {
		t.Fatal("onCrash should never fire for a live probe")
	})

	time.Sleep(30 * time.Millisecond)
	w.Unregister(id)
	after := atomic.LoadInt32(&calls)
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got > after+1 {
		t.Fatalf("probe kept running after Unregister: before=%d after=%d", after, got)
	}
}
