// File: internal/directory/directory.go
// Package directory
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pluggable rendezvous KV store used only for the server to publish its
// grant reference and event port under a per-device path, and for the
// client to discover them (spec.md §4.4/§6.2). Generalized from
// control/config.go's RWMutex-guarded snapshot map, applied to a
// permissioned, path-keyed rendezvous instead of hot-reloadable config.

package directory

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned when a reader is neither the owner nor
// the designated peer of an entry.
var ErrPermissionDenied = errors.New("directory: permission denied")

// ErrNotFound is returned when an entry has not been published.
var ErrNotFound = errors.New("directory: entry not found")

// Permission records the owner (full access, the publishing server) and
// the single peer domain granted read access, matching spec.md §6.2:
// "owner=server-domain full, peer-domain read, all others none".
type Permission struct {
	OwnerID int
	PeerID  int
}

// allows reports whether readerID may read an entry with this permission.
func (p Permission) allows(readerID int) bool {
	return readerID == p.OwnerID || readerID == p.PeerID
}

// Keys published under each device subtree, per spec.md §6.2.
const (
	KeyRingRef      = "ring-ref"
	KeyEventChannel = "event-channel"
)

// Path returns the per-device subtree path, data/vchan/<devno>/, as
// spec.md §4.4/§6.2 specify.
func Path(devno int) string {
	return fmt.Sprintf("data/vchan/%d", devno)
}
