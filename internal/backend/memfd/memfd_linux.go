// File: internal/backend/memfd/memfd_linux.go
//go:build linux
// +build linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Segments are memfd_create(2) anonymous files, mmap'd MAP_SHARED. A
// segment's fd is handed to the peer process over an AF_UNIX rendezvous
// socket using SCM_RIGHTS (the only way to share a memfd across processes
// without a common ancestor). The event channel is backed by eventfd(2)
// with EFD_SEMAPHORE so repeated Notify calls are never coalesced into a
// single wake-up, the same no-lost-wakeup requirement spec.md §6.1 places
// on the ring's event channel.

package memfd

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/vchan/internal/backend"
)

const pageSize = 4096

type kind byte

const (
	kindControl kind = iota
	kindRingGroup
	kindEventfd
)

// wireHeader is sent alongside one passed fd: 1 byte kind, 3 bytes pad,
// then two little-endian uint32 fields whose meaning depends on kind
// (ref,_ for control/eventfd; baseRef,count for a ring-page group).
type wireHeader struct {
	kind kind
	a    uint32
	b    uint32
}

const wireHeaderSize = 12

func encodeHeader(h wireHeader) []byte {
	buf := make([]byte, wireHeaderSize)
	buf[0] = byte(h.kind)
	binary.LittleEndian.PutUint32(buf[4:], h.a)
	binary.LittleEndian.PutUint32(buf[8:], h.b)
	return buf
}

func decodeHeader(buf []byte) wireHeader {
	return wireHeader{
		kind: kind(buf[0]),
		a:    binary.LittleEndian.Uint32(buf[4:]),
		b:    binary.LittleEndian.Uint32(buf[8:]),
	}
}

type groupKey struct {
	base  uint32
	count uint32
}

// conn is the shared AF_UNIX fd-passing channel between a server and
// client backend. Exactly one side creates it by listening
// (newServerConn), the other by dialing (newClientConn); both drive the
// same receive loop and registries once the stream is up.
type conn struct {
	fd int

	mu       sync.Mutex
	cond     *sync.Cond
	control  map[uint32]rcvd
	groups   map[groupKey]rcvd
	evfds    map[uint32]rcvd
	nextRef  uint32
	nextPort uint32
	closed   bool
	recvErr  error
}

type rcvd struct {
	fd   int
	size int64
}

func newConn(streamFD int) *conn {
	c := &conn{
		fd:      streamFD,
		control: make(map[uint32]rcvd),
		groups:  make(map[groupKey]rcvd),
		evfds:   make(map[uint32]rcvd),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.recvLoop()
	return c
}

func (c *conn) recvLoop() {
	for {
		buf := make([]byte, wireHeaderSize)
		oob := make([]byte, unix.CmsgSpace(4))
		n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
		if err != nil || n == 0 {
			c.mu.Lock()
			c.closed = true
			if err != nil {
				c.recvErr = fmt.Errorf("memfd: recvmsg: %w", err)
			}
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil || len(scms) == 0 {
			continue
		}
		fds, err := unix.ParseUnixRights(&scms[0])
		if err != nil || len(fds) == 0 {
			continue
		}
		fd := fds[0]
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			unix.Close(fd)
			continue
		}
		h := decodeHeader(buf)
		c.mu.Lock()
		switch h.kind {
		case kindControl:
			c.control[h.a] = rcvd{fd: fd, size: st.Size}
		case kindRingGroup:
			c.groups[groupKey{base: h.a, count: h.b}] = rcvd{fd: fd, size: st.Size}
		case kindEventfd:
			c.evfds[h.a] = rcvd{fd: fd, size: st.Size}
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

func (c *conn) send(h wireHeader, fd int) error {
	oob := unix.UnixRights(fd)
	return unix.Sendmsg(c.fd, encodeHeader(h), oob, nil, 0)
}

func (c *conn) allocRef() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRef++
	return c.nextRef
}

func (c *conn) allocPort() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextPort++
	return c.nextPort
}

func (c *conn) waitControl(ref uint32) (rcvd, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if v, ok := c.control[ref]; ok {
			return v, nil
		}
		if c.closed {
			return rcvd{}, c.closedErr()
		}
		c.cond.Wait()
	}
}

func (c *conn) waitGroup(base uint32, count int) (rcvd, error) {
	key := groupKey{base: base, count: uint32(count)}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if v, ok := c.groups[key]; ok {
			return v, nil
		}
		if c.closed {
			return rcvd{}, c.closedErr()
		}
		c.cond.Wait()
	}
}

func (c *conn) waitEventfd(port uint32) (rcvd, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if v, ok := c.evfds[port]; ok {
			return v, nil
		}
		if c.closed {
			return rcvd{}, c.closedErr()
		}
		c.cond.Wait()
	}
}

func (c *conn) closedErr() error {
	if c.recvErr != nil {
		return c.recvErr
	}
	return fmt.Errorf("memfd: peer connection closed")
}

func (c *conn) Close() error {
	return unix.Close(c.fd)
}

// alive reports whether recvLoop has observed the peer's end of the
// rendezvous socket close. Backs memfdBackend.PeerAlive.
func (c *conn) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// mapping implements backend.Mapping over an mmap'd memfd segment.
type mapping struct {
	data []byte
	fd   int
	ref  uint32
}

func (m *mapping) Bytes() []byte { return m.data }
func (m *mapping) Ref() uint32   { return m.ref }
func (m *mapping) Unmap() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if cerr := unix.Close(m.fd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func createSegment(name string, size int) (fd int, data []byte, err error) {
	fd, err = unix.MemfdCreate(name, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("memfd: MemfdCreate: %w", err)
	}
	if err = unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("memfd: Ftruncate: %w", err)
	}
	data, err = unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("memfd: Mmap: %w", err)
	}
	return fd, data, nil
}

// allocator creates segments locally and hands their fds to the peer over
// conn; used by the backend constructed with NewServerBackend.
type allocator struct{ c *conn }

func (a *allocator) AllocControlPage(peer int) (backend.Mapping, error) {
	fd, data, err := createSegment("vchan-ctrl", pageSize)
	if err != nil {
		return nil, err
	}
	ref := a.c.allocRef()
	if err := a.c.send(wireHeader{kind: kindControl, a: ref}, fd); err != nil {
		return nil, fmt.Errorf("memfd: send control page: %w", err)
	}
	return &mapping{data: data, fd: fd, ref: ref}, nil
}

func (a *allocator) AllocRingPages(peer int, count int) ([]uint32, backend.Mapping, error) {
	if count == 0 {
		return nil, &mapping{}, nil
	}
	fd, data, err := createSegment("vchan-ring", count*pageSize)
	if err != nil {
		return nil, nil, err
	}
	base := a.c.allocRef()
	for i := 1; i < count; i++ {
		a.c.allocRef()
	}
	refs := make([]uint32, count)
	for i := range refs {
		refs[i] = base + uint32(i)
	}
	if err := a.c.send(wireHeader{kind: kindRingGroup, a: base, b: uint32(count)}, fd); err != nil {
		return nil, nil, fmt.Errorf("memfd: send ring pages: %w", err)
	}
	return refs, &mapping{data: data, fd: fd, ref: base}, nil
}

func (a *allocator) SetUnmapNotify(page backend.Mapping, action backend.UnmapNotifyAction) error {
	// memfd has no gntdev-style unmap-notify ioctl; the watchdog fallback
	// (internal/watchdog) covers abnormal peer teardown instead.
	return nil
}

// importer maps segments whose fds arrive from the peer over conn; used
// by the backend constructed with NewClientBackend.
type importer struct{ c *conn }

func (i *importer) MapControlPage(peer int, ref uint32) (backend.Mapping, error) {
	r, err := i.c.waitControl(ref)
	if err != nil {
		return nil, err
	}
	data, err := unix.Mmap(r.fd, 0, int(r.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memfd: Mmap control page: %w", err)
	}
	return &mapping{data: data, fd: r.fd, ref: ref}, nil
}

func (i *importer) MapRingPages(peer int, refs []uint32) (backend.Mapping, error) {
	if len(refs) == 0 {
		return &mapping{}, nil
	}
	r, err := i.c.waitGroup(refs[0], len(refs))
	if err != nil {
		return nil, err
	}
	data, err := unix.Mmap(r.fd, 0, int(r.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memfd: Mmap ring pages: %w", err)
	}
	return &mapping{data: data, fd: r.fd, ref: refs[0]}, nil
}

func (i *importer) SetUnmapNotify(page backend.Mapping, action backend.UnmapNotifyAction) error {
	return nil
}

// notifier is an eventfd-backed backend.Notifier. BindServer creates and
// owns the read side; BindClient waits to receive the write side created
// by the peer's BindServer call for the matching port.
type notifier struct {
	c        *conn
	waitFD   int
	notifyFD int
}

func (n *notifier) BindServer(peer int) (uint32, error) {
	fd, err := unix.Eventfd(0, unix.EFD_SEMAPHORE|unix.EFD_CLOEXEC)
	if err != nil {
		return 0, fmt.Errorf("memfd: Eventfd: %w", err)
	}
	port := n.c.allocPort()
	if err := n.c.send(wireHeader{kind: kindEventfd, a: port}, fd); err != nil {
		return 0, fmt.Errorf("memfd: send eventfd: %w", err)
	}
	n.waitFD = fd
	return port, nil
}

func (n *notifier) BindClient(peer int, remotePort uint32) (uint32, error) {
	r, err := n.c.waitEventfd(remotePort)
	if err != nil {
		return 0, err
	}
	n.notifyFD = r.fd
	return remotePort, nil
}

func (n *notifier) Notify() error {
	if n.notifyFD == 0 {
		return fmt.Errorf("memfd: notifier not bound")
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	_, err := unix.Write(n.notifyFD, buf)
	if err != nil {
		return fmt.Errorf("memfd: eventfd write: %w", err)
	}
	return nil
}

func (n *notifier) Wait() error {
	if n.waitFD == 0 {
		return fmt.Errorf("memfd: notifier not bound")
	}
	buf := make([]byte, 8)
	_, err := unix.Read(n.waitFD, buf)
	if err != nil {
		return fmt.Errorf("memfd: eventfd read: %w", err)
	}
	return nil
}

func (n *notifier) FDForSelect() int {
	if n.waitFD != 0 {
		return n.waitFD
	}
	return -1
}

// SelfWake writes to this side's own wait fd, the same effect a peer
// Notify would have. Used only by the watchdog fallback: waitFD is
// guaranteed set because only the side that calls Wait (and therefore
// owns waitFD) ever needs to self-wake.
func (n *notifier) SelfWake() error {
	if n.waitFD == 0 {
		return fmt.Errorf("memfd: notifier not bound")
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	if _, err := unix.Write(n.waitFD, buf); err != nil {
		return fmt.Errorf("memfd: eventfd self-wake: %w", err)
	}
	return nil
}

func (n *notifier) Close() error {
	var err error
	if n.waitFD != 0 {
		err = unix.Close(n.waitFD)
	}
	if n.notifyFD != 0 {
		if cerr := unix.Close(n.notifyFD); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// memfdBackend wires one conn to the allocator/importer/notifier roles.
type memfdBackend struct {
	c *conn
	a *allocator
	i *importer
}

func (b *memfdBackend) Allocator() backend.GrantAllocator { return b.a }
func (b *memfdBackend) Importer() backend.GrantImporter   { return b.i }
func (b *memfdBackend) NewNotifier() backend.Notifier     { return &notifier{c: b.c} }
func (b *memfdBackend) SupportsUnmapNotify() bool         { return false }

// PeerAlive implements backend.LivenessProber: the rendezvous socket's
// recvLoop observes the peer process exiting as a stream close, the
// userspace analogue of the kernel noticing a dead domain's grant table
// torn down.
func (b *memfdBackend) PeerAlive() bool { return b.c.alive() }

var _ backend.Backend = (*memfdBackend)(nil)
var _ backend.LivenessProber = (*memfdBackend)(nil)

func newServerBackend(cfg Config) (backend.Backend, error) {
	_ = unix.Unlink(cfg.SocketPath)
	lfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("memfd: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: cfg.SocketPath}
	if err := unix.Bind(lfd, addr); err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("memfd: bind %s: %w", cfg.SocketPath, err)
	}
	if err := unix.Listen(lfd, 1); err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("memfd: listen %s: %w", cfg.SocketPath, err)
	}
	sfd, _, err := unix.Accept(lfd)
	unix.Close(lfd)
	_ = unix.Unlink(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("memfd: accept %s: %w", cfg.SocketPath, err)
	}
	c := newConn(sfd)
	return &memfdBackend{c: c, a: &allocator{c: c}, i: &importer{c: c}}, nil
}

func newClientBackend(cfg Config) (backend.Backend, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("memfd: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: cfg.SocketPath}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memfd: connect %s: %w", cfg.SocketPath, err)
	}
	c := newConn(fd)
	return &memfdBackend{c: c, a: &allocator{c: c}, i: &importer{c: c}}, nil
}
