// File: vchan/endpoint.go
// Package vchan
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Endpoint is the per-process control record of spec.md §3.2: an owned
// value with no process-wide state (spec.md §9), holding the mapped
// control page, the two ring descriptors, the bound notifier, and the
// directory used during setup. Role-specific behavior (which side reads
// which liveness byte, which ring is the write ring) is resolved once at
// construction time in setup.go and never branched on again in the I/O
// path, the same shape ServerInit/ClientInit give the reference
// implementation's ctrl->read/ctrl->write split.

package vchan

import (
	"fmt"

	"github.com/momentics/vchan/internal/backend"
	"github.com/momentics/vchan/internal/directory"
	"github.com/momentics/vchan/internal/layout"
	"github.com/momentics/vchan/internal/ringbuf"
	"github.com/momentics/vchan/internal/watchdog"
)

type role int

const (
	roleServer role = iota
	roleClient
)

// Endpoint is one side of a vchan connection.
type Endpoint struct {
	role     role
	peer     int
	devno    int
	persist  bool
	blocking bool

	page    []byte
	pageMap backend.Mapping

	writeRing     *ringbuf.Ring
	readRing      *ringbuf.Ring
	writeStorage  layout.RingStorage
	readStorage   layout.RingStorage
	ownLivenessOf int // byte offset this side writes on close
	peerLiveness  int // byte offset this side reads to judge peer status

	notifier backend.Notifier
	dir      directory.Directory

	// wd/wdID are set only when the active backend implements
	// backend.LivenessProber (spec.md §9's documented fallback); nil
	// otherwise, in which case the backend's own unmap-notify hook (or, on
	// loopback, a test calling SimulateCrash) is the only liveness signal.
	wd   *watchdog.Watchdog
	wdID int

	closed bool
}

// IsOpen reports whether the channel is usable, per spec.md §4.5: for the
// server, persist || cli_live != 0; for the client, srv_live != 0.
func (e *Endpoint) IsOpen() bool {
	if e.role == roleServer {
		return e.persist || layout.LoadLiveness(e.page, layout.OffCliLive) != layout.LiveClosed
	}
	return layout.LoadLiveness(e.page, layout.OffSrvLive) != layout.LiveClosed
}

// DataReady returns the number of bytes immediately poppable from the read
// ring.
func (e *Endpoint) DataReady() int {
	return int(e.readRing.Occupancy())
}

// BufferSpace returns the number of bytes immediately pushable into the
// write ring.
func (e *Endpoint) BufferSpace() int {
	return int(e.writeRing.Space())
}

// Wait blocks until a wake-up is observed on the bound event channel.
// Spurious wake-ups are acceptable to callers, per spec.md §4.2.
func (e *Endpoint) Wait() error {
	if err := e.notifier.Wait(); err != nil {
		return fmt.Errorf("vchan: wait: %w", err)
	}
	return nil
}

// FDForSelect returns the notifier's raw selectable fd, or -1 if the active
// backend has none to offer (spec.md §4.2, §6.3).
func (e *Endpoint) FDForSelect() int {
	return e.notifier.FDForSelect()
}

// Close is idempotent and tolerates a partially constructed endpoint
// (spec.md §3.3/§4.6): flip own liveness to 0, fire one final
// notification, unmap the control page and any separately mapped ring
// storage, close the event fd.
func (e *Endpoint) Close() error {
	if e == nil || e.closed {
		return nil
	}
	e.closed = true

	if e.wd != nil {
		e.wd.Unregister(e.wdID)
		e.wd.Close()
	}

	if e.page != nil {
		layout.StoreLiveness(e.page, e.ownLivenessOf, layout.LiveClosed)
	}
	if e.notifier != nil {
		_ = e.notifier.Notify()
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(e.writeStorage.Unmap())
	record(e.readStorage.Unmap())
	if e.pageMap != nil {
		record(e.pageMap.Unmap())
	}
	if e.notifier != nil {
		record(e.notifier.Close())
	}

	if firstErr != nil {
		return fmt.Errorf("vchan: close: %w", firstErr)
	}
	return nil
}
