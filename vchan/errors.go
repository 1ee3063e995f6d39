// File: vchan/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package vchan

import "errors"

// Sentinel errors surfaced by Endpoint construction and I/O, per spec.md
// §7's error taxonomy. ServerInit/ClientInit wrap these sentinels with %w,
// so errors.Is resolves to them; the underlying internal/backend or
// internal/directory error is included in the message text only (%v), so
// errors.Is does not match it. Wait and the I/O primitives wrap notifier
// errors with %w.
var (
	// ErrClosed is returned by PacketSend/StreamWrite the moment the peer
	// is observed closed, independent of remaining buffer space (spec.md
	// §7 "Peer shutdown"). The receive-side primitives never return it:
	// per spec.md §6.4's return convention, a closed peer with
	// insufficient or no data queued is reported as (0, nil), the same as
	// "no progress yet" in non-blocking mode.
	ErrClosed = errors.New("vchan: channel closed")

	// ErrTooLarge is returned by packet-mode primitives when n exceeds the
	// ring's total capacity — a request that could never be satisfied.
	ErrTooLarge = errors.New("vchan: request exceeds ring size")

	// ErrBadOrder is returned by ClientInit when the attached header's
	// ring orders fail validation (out of [MinOrder,MaxOrder], or equal
	// and below order 12).
	ErrBadOrder = errors.New("vchan: invalid ring order")

	// ErrDirectoryMissing is returned by ClientInit when a required
	// directory entry is absent or parses to zero.
	ErrDirectoryMissing = errors.New("vchan: directory entry missing")

	// ErrRingTooLarge is returned by ServerInit when a requested minimum
	// size would need more grants than fit in one control page.
	ErrRingTooLarge = errors.New("vchan: requested ring exceeds maximum size")

	// ErrSetupFailed wraps a lower-level backend/directory error
	// encountered during ServerInit/ClientInit.
	ErrSetupFailed = errors.New("vchan: setup failed")
)
