// File: internal/ringbuf/ring.go
// Package ringbuf
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lock-free SPSC ring engine operating directly over a shared-page buffer
// and externally-addressed producer/consumer counters. Adapted from the
// CAS-loop, false-sharing-aware style of core/concurrency/ring.go, but
// specialized to a byte ring whose occupancy is driven by two 32-bit
// counters living in a peer-shared control page rather than in this
// struct, matching the wire contract of a shared-memory vchan ring.

package ringbuf

// Ring is one direction of a vchan channel: one side is the sole producer
// (writes Prod), the other the sole consumer (writes Cons). Correctness
// depends on (1) Size being a power of two so masking is exact, (2) the
// release/acquire discipline in Push/Pop, and (3) Prod/Cons living at a
// naturally aligned offset in the shared page (guaranteed by internal/layout).
type Ring struct {
	buf  []byte // backing storage: in-page slice or a separately mapped region
	size uint32 // 1 << order
	mask uint32

	// loadProd/storeProd and loadCons/storeCons abstract over where the
	// counters physically live (offsets into the shared control page),
	// so Ring itself never touches internal/layout directly.
	loadProd  func() uint32
	storeProd func(uint32)
	loadCons  func() uint32
	storeCons func(uint32)
}

// Counters bundles the four accessors a Ring needs for its producer and
// consumer words. Exactly one of the store functions is used by a given
// Ring instance (the side that owns that counter); callers must not wire
// both StoreProd and StoreCons with intent to write both from one process.
type Counters struct {
	LoadProd  func() uint32
	StoreProd func(uint32)
	LoadCons  func() uint32
	StoreCons func(uint32)
}

// New builds a Ring over buf (length must equal 1<<order) using the given
// counter accessors.
func New(buf []byte, order uint16, c Counters) *Ring {
	size := uint32(1) << order
	if int(size) != len(buf) {
		panic("ringbuf: buffer length does not match 1<<order")
	}
	return &Ring{
		buf:       buf,
		size:      size,
		mask:      size - 1,
		loadProd:  c.LoadProd,
		storeProd: c.StoreProd,
		loadCons:  c.LoadCons,
		storeCons: c.StoreCons,
	}
}

// Size returns 1<<order, the fixed ring capacity in bytes.
func (r *Ring) Size() uint32 { return r.size }

// Occupancy returns prod-cons under unsigned 32-bit wrap, always in
// [0, Size()].
func (r *Ring) Occupancy() uint32 {
	return r.loadProd() - r.loadCons()
}

// Space returns the number of bytes that can be pushed without blocking.
func (r *Ring) Space() uint32 {
	return r.size - r.Occupancy()
}

// Push copies data into the ring at the current producer index and
// advances prod with a release store. Callers must ensure
// len(data) <= Space() and len(data) <= Size(); Push does not re-validate,
// mirroring the reference do_send, whose preconditions are enforced by the
// packet/stream primitives one layer up.
func (r *Ring) Push(data []byte) {
	prod := r.loadProd()
	idx := prod & r.mask
	n := uint32(len(data))

	availContig := r.size - idx
	if availContig > n {
		availContig = n
	}
	copy(r.buf[idx:idx+availContig], data[:availContig])
	if availContig < n {
		// wrapped across the end of the ring
		copy(r.buf[0:n-availContig], data[availContig:])
	}
	// release: the data must be visible before prod is published.
	r.storeProd(prod + n)
}

// Pop copies up to len(out) bytes (exactly len(out), by contract) from the
// ring at the current consumer index into out, then advances cons with a
// release store. Callers must ensure len(out) <= Occupancy().
func (r *Ring) Pop(out []byte) {
	// acquire: prod must be (re)read before the data it guards is copied.
	_ = r.loadProd()
	cons := r.loadCons()
	idx := cons & r.mask
	n := uint32(len(out))

	availContig := r.size - idx
	if availContig > n {
		availContig = n
	}
	copy(out[:availContig], r.buf[idx:idx+availContig])
	if availContig < n {
		copy(out[availContig:], r.buf[0:n-availContig])
	}
	r.storeCons(cons + n)
}
