// File: internal/ringbuf/ring_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ringbuf

import (
	"bytes"
	"math/rand"
	"testing"
)

// counterPair wires a Ring's four counter accessors over plain local
// variables, standing in for the shared-page-backed counters used in
// production; tests only need the same load/store contract.
func counterPair() (Counters, *uint32, *uint32) {
	var prod, cons uint32
	return Counters{
		LoadProd:  func() uint32 { return prod },
		StoreProd: func(v uint32) { prod = v },
		LoadCons:  func() uint32 { return cons },
		StoreCons: func(v uint32) { cons = v },
	}, &prod, &cons
}

func TestPushPopRoundTrip(t *testing.T) {
	c, _, _ := counterPair()
	buf := make([]byte, 16)
	r := New(buf, 4, c)

	in := []byte("hello, world!!!!")
	r.Push(in)
	if r.Occupancy() != 16 {
		t.Fatalf("occupancy = %d, want 16", r.Occupancy())
	}
	out := make([]byte, 16)
	r.Pop(out)
	if !bytes.Equal(in, out) {
		t.Fatalf("round trip mismatch: got %q, want %q", out, in)
	}
	if r.Occupancy() != 0 {
		t.Fatalf("occupancy after pop = %d, want 0", r.Occupancy())
	}
}

// TestWrapIdempotence checks invariant 3: a push that straddles the end of
// the ring yields the same contents as two separate pushes split at the
// wrap point.
func TestWrapIdempotence(t *testing.T) {
	data := []byte("0123456789abcdef")

	// Variant A: single push straddling the wrap.
	cA, _, _ := counterPair()
	bufA := make([]byte, 16)
	rA := New(bufA, 4, cA)
	rA.Push(make([]byte, 12)) // advance prod to 12, occupying [0,12)
	out := make([]byte, 12)
	rA.Pop(out) // drain back to empty but prod/cons now both at 12 (idx 12)
	rA.Push(data[:16])
	gotA := make([]byte, 16)
	rA.Pop(gotA)

	// Variant B: same starting offset, pushed as two chunks straddling
	// the wrap at the same point (S-k then remainder).
	cB, _, _ := counterPair()
	bufB := make([]byte, 16)
	rB := New(bufB, 4, cB)
	rB.Push(make([]byte, 12))
	outB := make([]byte, 12)
	rB.Pop(outB)
	k := 12 % 16
	split := 16 - k
	rB.Push(data[:split])
	rB.Push(data[split:])
	gotB := make([]byte, 16)
	rB.Pop(gotB)

	if !bytes.Equal(gotA, gotB) {
		t.Fatalf("wrap idempotence violated: %q != %q", gotA, gotB)
	}
}

// TestOccupancyBoundRandomized is property 1 and 2 from spec.md §8: under
// randomized interleaved push/pop, occupancy stays within bounds and FIFO
// order is preserved.
func TestOccupancyBoundRandomized(t *testing.T) {
	const order = 6 // size 64
	c, _, _ := counterPair()
	buf := make([]byte, 1<<order)
	r := New(buf, order, c)

	var written, read []byte
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 20000; i++ {
		if rng.Intn(2) == 0 {
			n := uint32(rng.Intn(8) + 1)
			if n <= r.Space() {
				chunk := make([]byte, n)
				for j := range chunk {
					chunk[j] = byte(rng.Intn(256))
				}
				r.Push(chunk)
				written = append(written, chunk...)
			}
		} else {
			n := uint32(rng.Intn(8) + 1)
			if n <= r.Occupancy() {
				out := make([]byte, n)
				r.Pop(out)
				read = append(read, out...)
			}
		}
		if r.Occupancy() > r.Size() {
			t.Fatalf("occupancy %d exceeds size %d at step %d", r.Occupancy(), r.Size(), i)
		}
	}
	// drain remainder
	for r.Occupancy() > 0 {
		n := r.Occupancy()
		if n > 8 {
			n = 8
		}
		out := make([]byte, n)
		r.Pop(out)
		read = append(read, out...)
	}
	if !bytes.Equal(written, read) {
		t.Fatalf("FIFO order violated: lengths %d vs %d", len(written), len(read))
	}
}
