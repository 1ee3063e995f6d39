// File: vchan/crash.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SimulateCrash reproduces the observable effects of the abnormal
// teardown scenario in spec.md §8 end-to-end scenario 4 ("forcibly
// unmapping the shared page") for backends with no real unmap-notify
// hook to trigger (the loopback backend, whose pages are ordinary Go
// slices with no OS-level mapping to tear down). It does not, and
// cannot, revoke memory access the way a real unmap would; it only
// flips the liveness byte and fires the same notification the grant
// device's CLEAR_BYTE|SEND_EVENT action would, which is what every
// caller-observable assertion in the test suite actually depends on.
package vchan

import "github.com/momentics/vchan/internal/layout"

// SimulateCrash marks e's own side as abnormally gone, as seen by its
// peer: it clears e's liveness byte and fires one notification, without
// running e's ordinary Close shutdown (no unmap, no peer-side Close
// call). Intended for tests exercising the peer-crash scenario against
// the loopback backend; memfd backends detect this condition for real
// via internal/watchdog and need no test helper.
func SimulateCrash(e *Endpoint) {
	if e == nil || e.closed {
		return
	}
	layout.StoreLiveness(e.page, e.ownLivenessOf, layout.LiveClosed)
	_ = e.notifier.Notify()
}
