// File: internal/directory/filetree.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Filesystem-backed Directory for the memfd/Linux backend: a single host
// stands in for the "distinct domains" of the real hypervisor directory
// service, so permission enforcement here is approximated with plain file
// modes rather than per-domain ACLs (see SPEC_FULL.md §4.4 for the
// rationale). Values are written as decimal ASCII with no trailing
// newline, exactly as spec.md §6.2 specifies.

package directory

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// FileTree publishes entries as files under root/vchan/<devno>/<key>.
type FileTree struct {
	root string
}

// NewFileTree creates a FileTree rooted at root, which must already exist.
func NewFileTree(root string) *FileTree {
	return &FileTree{root: root}
}

func (f *FileTree) devPath(devno int) string {
	return filepath.Join(f.root, "vchan", strconv.Itoa(devno))
}

// Publish writes value to root/vchan/<devno>/<key>. The mode is 0600
// (owner-only) since this single-host stand-in has no concept of a
// distinct peer-domain uid to grant read access to beyond "anyone who can
// read this host's filesystem", which is why the directory handshake
// contract (spec.md §6.2) is only approximated, not fully enforced, by
// this backend — the loopback Memory backend enforces it exactly. perm is
// not recorded, and an existing entry is overwritten by any caller.
func (f *FileTree) Publish(devno int, key string, value string, perm Permission) error {
	dir := f.devPath(devno)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("directory: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, key)
	if err := os.WriteFile(path, []byte(value), 0600); err != nil {
		return fmt.Errorf("directory: write %s: %w", path, err)
	}
	return nil
}

// Read returns the value at root/vchan/<devno>/<key>, or ErrNotFound if
// the file is missing. readerID is not checked and ErrPermissionDenied is
// never returned; access is governed only by the file mode.
func (f *FileTree) Read(devno int, key string, readerID int) (string, error) {
	path := filepath.Join(f.devPath(devno), key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("directory: read %s: %w", path, err)
	}
	return string(data), nil
}

func (f *FileTree) Remove(devno int) error {
	dir := f.devPath(devno)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("directory: remove %s: %w", dir, err)
	}
	return nil
}
