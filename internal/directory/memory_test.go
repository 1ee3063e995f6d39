// File: internal/directory/memory_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package directory

import "testing"

func TestMemoryPublishRead(t *testing.T) {
	d := NewMemory()
	perm := Permission{OwnerID: 1, PeerID: 2}

	if err := d.Publish(7, KeyRingRef, "42", perm); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := d.Read(7, KeyRingRef, 2)
	if err != nil {
		t.Fatalf("Read as peer: %v", err)
	}
	if got != "42" {
		t.Fatalf("value = %q, want 42", got)
	}

	if _, err := d.Read(7, KeyRingRef, 99); err != ErrPermissionDenied {
		t.Fatalf("Read as stranger: got %v, want ErrPermissionDenied", err)
	}

	if _, err := d.Read(7, KeyEventChannel, 2); err != ErrNotFound {
		t.Fatalf("Read missing key: got %v, want ErrNotFound", err)
	}

	if err := d.Remove(7); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := d.Read(7, KeyRingRef, 1); err != ErrNotFound {
		t.Fatalf("Read after remove: got %v, want ErrNotFound", err)
	}
}

func TestMemoryOwnerOnlyRepublish(t *testing.T) {
	d := NewMemory()
	if err := d.Publish(1, KeyRingRef, "1", Permission{OwnerID: 10, PeerID: 20}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	err := d.Publish(1, KeyRingRef, "2", Permission{OwnerID: 99, PeerID: 20})
	if err != ErrPermissionDenied {
		t.Fatalf("republish by non-owner: got %v, want ErrPermissionDenied", err)
	}
}
