// File: internal/backend/loopback/loopback.go
// Package loopback
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-process backend.Backend implementation: the "shared page" is an
// ordinary Go slice held in a small registry, and the "event channel" is a
// buffered Go channel. This is the backend exercised by the unit and
// property tests and by cmd/vchan-echo's default mode. Grounded on
// fake/transport.go's role in the teacher codebase: a predictable,
// OS-free stand-in behind the same interface the real backend implements.

package loopback

import (
	"fmt"
	"sync"

	"github.com/momentics/vchan/internal/backend"
	"github.com/momentics/vchan/internal/layout"
)

type group struct {
	baseRef uint32
	count   int
	data    []byte
}

type registry struct {
	mu           sync.Mutex
	nextRef      uint32
	controlPages map[uint32][]byte
	groups       map[uint32]*group
	nextPort     uint32
	ports        map[uint32]chan struct{}
}

func newRegistry() *registry {
	return &registry{
		controlPages: make(map[uint32][]byte),
		groups:       make(map[uint32]*group),
		ports:        make(map[uint32]chan struct{}),
	}
}

func (r *registry) allocControl() *mapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextRef++
	ref := r.nextRef
	data := make([]byte, layout.PageSize)
	r.controlPages[ref] = data
	return &mapping{data: data, ref: ref, release: func() {
		r.mu.Lock()
		delete(r.controlPages, ref)
		r.mu.Unlock()
	}}
}

func (r *registry) lookupControl(ref uint32) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.controlPages[ref]
	return data, ok
}

func (r *registry) allocGroup(count int) ([]uint32, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := r.nextRef + 1
	data := make([]byte, count*layout.PageSize)
	g := &group{baseRef: base, count: count, data: data}
	refs := make([]uint32, count)
	for i := 0; i < count; i++ {
		ref := base + uint32(i)
		refs[i] = ref
		r.groups[ref] = g
	}
	r.nextRef = base + uint32(count) - 1
	return refs, data
}

func (r *registry) lookupGroup(refs []uint32) ([]byte, bool) {
	if len(refs) == 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[refs[0]]
	if !ok || g.count != len(refs) {
		return nil, false
	}
	for i, ref := range refs {
		if ref != g.baseRef+uint32(i) {
			return nil, false
		}
	}
	return g.data, true
}

func (r *registry) releaseGroup(refs []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range refs {
		delete(r.groups, ref)
	}
}

// mapping implements backend.Mapping over a registry-held slice.
type mapping struct {
	data    []byte
	ref     uint32
	release func()
}

func (m *mapping) Bytes() []byte { return m.data }
func (m *mapping) Ref() uint32   { return m.ref }
func (m *mapping) Unmap() error {
	if m.release != nil {
		m.release()
		m.release = nil
	}
	return nil
}

type allocator struct{ reg *registry }

func (a *allocator) AllocControlPage(peer int) (backend.Mapping, error) {
	return a.reg.allocControl(), nil
}

func (a *allocator) AllocRingPages(peer int, count int) ([]uint32, backend.Mapping, error) {
	if count == 0 {
		return nil, &mapping{}, nil
	}
	refs, data := a.reg.allocGroup(count)
	m := &mapping{data: data, ref: refs[0], release: func() { a.reg.releaseGroup(refs) }}
	return refs, m, nil
}

func (a *allocator) SetUnmapNotify(page backend.Mapping, action backend.UnmapNotifyAction) error {
	// No kernel-level hook in a GC'd, single-process backend, and no
	// internal/watchdog either (loopback is not a LivenessProber); a
	// direct test-only SimulateCrash call stands in for it. See DESIGN.md.
	return nil
}

type importer struct{ reg *registry }

func (i *importer) MapControlPage(peer int, ref uint32) (backend.Mapping, error) {
	data, ok := i.reg.lookupControl(ref)
	if !ok {
		return nil, fmt.Errorf("loopback: control page ref %d not found", ref)
	}
	return &mapping{data: data, ref: ref}, nil
}

func (i *importer) MapRingPages(peer int, refs []uint32) (backend.Mapping, error) {
	if len(refs) == 0 {
		return &mapping{}, nil
	}
	data, ok := i.reg.lookupGroup(refs)
	if !ok {
		return nil, fmt.Errorf("loopback: ring pages %v not found", refs)
	}
	return &mapping{data: data, ref: refs[0]}, nil
}

func (i *importer) SetUnmapNotify(page backend.Mapping, action backend.UnmapNotifyAction) error {
	return nil
}

type notifier struct {
	reg  *registry
	port uint32
	ch   chan struct{}
}

func (n *notifier) BindServer(peer int) (uint32, error) {
	n.reg.mu.Lock()
	n.reg.nextPort++
	port := n.reg.nextPort
	ch := make(chan struct{}, 1)
	n.reg.ports[port] = ch
	n.reg.mu.Unlock()
	n.port, n.ch = port, ch
	return port, nil
}

func (n *notifier) BindClient(peer int, remotePort uint32) (uint32, error) {
	n.reg.mu.Lock()
	ch, ok := n.reg.ports[remotePort]
	n.reg.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("loopback: unknown event port %d", remotePort)
	}
	n.port, n.ch = remotePort, ch
	return remotePort, nil
}

func (n *notifier) Notify() error {
	select {
	case n.ch <- struct{}{}:
	default:
	}
	return nil
}

func (n *notifier) Wait() error {
	<-n.ch
	return nil
}

func (n *notifier) FDForSelect() int { return -1 }

// SelfWake writes into the same channel Wait reads: for loopback,
// BindServer and BindClient both leave n.ch pointed at the one channel
// backing this port, so this is exactly Notify with a name documenting
// the watchdog-only call site.
func (n *notifier) SelfWake() error { return n.Notify() }

func (n *notifier) Close() error { return nil }

// Backend is a backend.Backend implementation shared by both ends of an
// in-process vchan pair.
type Backend struct {
	reg       *registry
	allocator *allocator
	importer  *importer
}

// NewPair returns a Backend usable by both the server and client side of
// one in-process vchan; there is nothing role-specific in its state, so
// both values may share (or each hold their own reference to) the same
// instance.
func NewPair() *Backend {
	reg := newRegistry()
	return &Backend{reg: reg, allocator: &allocator{reg: reg}, importer: &importer{reg: reg}}
}

func (b *Backend) Allocator() backend.GrantAllocator { return b.allocator }
func (b *Backend) Importer() backend.GrantImporter   { return b.importer }
func (b *Backend) NewNotifier() backend.Notifier     { return &notifier{reg: b.reg} }
func (b *Backend) SupportsUnmapNotify() bool         { return false }

var _ backend.Backend = (*Backend)(nil)
