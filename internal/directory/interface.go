// File: internal/directory/interface.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package directory

// Directory is the rendezvous KV store contract of spec.md §4.4. Values
// are always decimal ASCII with no trailing newline, per spec.md §6.2.
type Directory interface {
	// Publish writes value under devno/key with the given permission,
	// overwriting any prior entry. Only the owner of an existing entry may
	// republish it.
	Publish(devno int, key string, value string, perm Permission) error
	// Read returns the value at devno/key if readerID is permitted to see
	// it. Returns ErrNotFound if missing, ErrPermissionDenied otherwise.
	Read(devno int, key string, readerID int) (string, error)
	// Remove deletes every entry under devno's subtree.
	Remove(devno int) error
}
