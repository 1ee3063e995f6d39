// File: internal/backend/backend.go
// Package backend
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thin, OS-agnostic abstraction over the "grant" (shared-memory mapping)
// and "event channel" (notifier) driver surfaces described in spec.md §6.3.
// Concrete implementations live in internal/backend/loopback (in-process,
// used by tests and the bundled demo) and internal/backend/memfd (real
// Linux shared memory + eventfd), mirroring the split between
// fake/transport.go and internal/transport/transport_linux.go in the
// teacher codebase.

package backend

// Mapping is a handle to a mapped shared-memory region: either the one-page
// control block or a run of dedicated ring pages.
type Mapping interface {
	// Bytes returns the mapped region.
	Bytes() []byte
	// Ref returns the grant reference identifying this mapping to a peer,
	// as published through the directory service.
	Ref() uint32
	// Unmap releases the mapping. Idempotent.
	Unmap() error
}

// UnmapNotifyAction mirrors gntalloc/gntdev's UNMAP_NOTIFY_CLEAR_BYTE |
// UNMAP_NOTIFY_SEND_EVENT action pair: on abnormal teardown, the byte at
// ByteOffset within the control page is cleared and one notification is
// fired on Port.
type UnmapNotifyAction struct {
	ByteOffset int
	Port       uint32
}

// GrantAllocator is the server-side half of the grant/mapping layer
// (spec.md §4.3 init_gnt_srv).
type GrantAllocator interface {
	// AllocControlPage allocates and maps the one-page shared control
	// region for peer, zeroed and writable.
	AllocControlPage(peer int) (Mapping, error)
	// AllocRingPages allocates count contiguous dedicated pages for a
	// large ring, returning their grant refs in page order alongside the
	// mapping covering all of them.
	AllocRingPages(peer int, count int) (refs []uint32, mapping Mapping, err error)
	// SetUnmapNotify installs the abnormal-teardown liveness hook.
	// Backends without a kernel-level equivalent may implement this as a
	// no-op; vchan then starts internal/watchdog for the endpoint if the
	// backend also implements LivenessProber. See DESIGN.md for the
	// documented fallback.
	SetUnmapNotify(page Mapping, action UnmapNotifyAction) error
}

// GrantImporter is the client-side half (spec.md §4.3 init_gnt_cli).
type GrantImporter interface {
	MapControlPage(peer int, ref uint32) (Mapping, error)
	MapRingPages(peer int, refs []uint32) (Mapping, error)
	SetUnmapNotify(page Mapping, action UnmapNotifyAction) error
}

// Notifier is the event-channel abstraction (spec.md §4.2/§6.3).
type Notifier interface {
	// BindServer allocates an unbound port for peer and primes it.
	BindServer(peer int) (port uint32, err error)
	// BindClient binds interdomain against the peer's remote port.
	BindClient(peer int, remotePort uint32) (localPort uint32, err error)
	// Notify fires the bound port.
	Notify() error
	// Wait blocks until a wake-up is observed. Spurious wake-ups are
	// acceptable to callers.
	Wait() error
	// FDForSelect returns a raw selectable fd, or -1 if this backend has
	// none to offer (e.g. loopback).
	FDForSelect() int
	// SelfWake unblocks a local Wait call without involving the peer.
	// Used only by the internal/watchdog unmap-notify fallback: when the
	// watchdog detects the peer is gone, it writes the peer's liveness
	// byte directly (the shared page allows it) and calls SelfWake so any
	// goroutine parked in this side's own Wait returns promptly, the same
	// effect the real unmap-notify ioctl's SEND_EVENT action has on its
	// own bound port.
	SelfWake() error
	// Close releases the notifier's resources.
	Close() error
}

// LivenessProber is implemented by backends that can detect abnormal peer
// teardown independently of the peer's own liveness-byte write (spec.md §9,
// "Unmap-notify hook" — the documented fallback for backends with no
// kernel-level equivalent). vchan.ServerInit/ClientInit type-assert for it
// after construction and, when present, hand it to internal/watchdog;
// when absent (loopback), no watchdog is started and an abnormal peer exit
// is only observable through a direct test-only liveness-byte flip.
type LivenessProber interface {
	// PeerAlive reports whether the backend still believes the peer
	// process is reachable.
	PeerAlive() bool
}

// Backend groups the three driver capabilities a single endpoint needs,
// letting vchan.ServerInit/ClientInit construct and wire one concrete
// implementation without a type switch at every call site.
type Backend interface {
	Allocator() GrantAllocator
	Importer() GrantImporter
	NewNotifier() Notifier
	// SupportsUnmapNotify reports whether SetUnmapNotify is backed by a
	// real kernel hook (true) or is a documented no-op (false). With a
	// no-op, the internal/watchdog fallback poller runs only if the
	// backend also implements LivenessProber.
	SupportsUnmapNotify() bool
}
