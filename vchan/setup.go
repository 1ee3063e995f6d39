// File: vchan/setup.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ServerInit/ClientInit, ported from original_source/init.c's
// init_gnt_srv/init_gnt_cli/init_evt_srv/init_evt_cli/libvchan_server_init/
// libvchan_client_init control flow (spec.md §4.3/§4.4), including the
// partial-failure unwind discipline spec.md §4.3 requires: any resource
// acquired before a later step fails is released before the error returns,
// so a failed construction never leaves a partially live endpoint.

package vchan

import (
	"fmt"
	"strconv"
	"time"

	"github.com/momentics/vchan/internal/backend"
	"github.com/momentics/vchan/internal/directory"
	"github.com/momentics/vchan/internal/layout"
	"github.com/momentics/vchan/internal/ringbuf"
	"github.com/momentics/vchan/internal/watchdog"
)

// watchdogInterval is the fallback liveness-poll period used for backends
// implementing backend.LivenessProber. Short enough to detect a crashed
// peer within a couple of wait wake-ups, long enough not to spin.
const watchdogInterval = 200 * time.Millisecond

// unwinder accumulates cleanup steps during a multi-resource construction
// and runs them in reverse order on abort, the same shape
// libvchan_server_init's goto-based error path gives the reference
// implementation.
type unwinder struct {
	steps []func()
}

func (u *unwinder) push(step func()) {
	u.steps = append(u.steps, step)
}

func (u *unwinder) unwind() {
	for i := len(u.steps) - 1; i >= 0; i-- {
		u.steps[i]()
	}
}

// ServerInit allocates and exports the shared page and ring storage for a
// new channel to peer under devno, binds an unbound event port, and
// publishes the ring-ref/event-channel directory entries (spec.md §4.3
// init_gnt_srv, §4.4). readMin/writeMin are the requested minimum sizes of
// the server's read (left) and write (right) rings.
func ServerInit(b backend.Backend, dir directory.Directory, peer, devno, readMin, writeMin int, opts ...Option) (*Endpoint, error) {
	cfg := newConfig(opts)

	leftOrder, rightOrder := layout.ComputeOrders(readMin, writeMin)
	if layout.GrantSlotsUsed(leftOrder, rightOrder) > layout.MaxGrantSlots() {
		return nil, ErrRingTooLarge
	}

	var u unwinder
	alloc := b.Allocator()

	ctrlMap, err := alloc.AllocControlPage(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: alloc control page: %v", ErrSetupFailed, err)
	}
	u.push(func() { _ = ctrlMap.Unmap() })

	page := ctrlMap.Bytes()
	layout.StoreOrder(page, layout.OffLeftOrder, leftOrder)
	layout.StoreOrder(page, layout.OffRightOrder, rightOrder)
	layout.StoreLiveness(page, layout.OffCliLive, layout.LiveWaiting)
	layout.StoreLiveness(page, layout.OffSrvLive, layout.LiveConnected)
	layout.StoreDebug(page, layout.DebugMagicServer)

	leftStorage, leftBuf, err := allocRingStorage(alloc, peer, page, leftOrder, 0)
	if err != nil {
		u.unwind()
		return nil, fmt.Errorf("%w: alloc left ring: %v", ErrSetupFailed, err)
	}
	u.push(func() { _ = leftStorage.Unmap() })

	rightStorage, rightBuf, err := allocRingStorage(alloc, peer, page, rightOrder, layout.PageCount(leftOrder))
	if err != nil {
		u.unwind()
		return nil, fmt.Errorf("%w: alloc right ring: %v", ErrSetupFailed, err)
	}
	u.push(func() { _ = rightStorage.Unmap() })

	notifier := b.NewNotifier()
	u.push(func() { _ = notifier.Close() })
	port, err := notifier.BindServer(peer)
	if err != nil {
		u.unwind()
		return nil, fmt.Errorf("%w: bind event port: %v", ErrSetupFailed, err)
	}

	if err := alloc.SetUnmapNotify(ctrlMap, backend.UnmapNotifyAction{ByteOffset: layout.OffSrvLive, Port: port}); err != nil {
		u.unwind()
		return nil, fmt.Errorf("%w: set unmap notify: %v", ErrSetupFailed, err)
	}

	perm := directory.Permission{OwnerID: cfg.selfID, PeerID: peer}
	if err := dir.Publish(devno, directory.KeyRingRef, strconv.FormatUint(uint64(ctrlMap.Ref()), 10), perm); err != nil {
		u.unwind()
		return nil, fmt.Errorf("%w: publish ring-ref: %v", ErrSetupFailed, err)
	}
	if err := dir.Publish(devno, directory.KeyEventChannel, strconv.FormatUint(uint64(port), 10), perm); err != nil {
		u.unwind()
		return nil, fmt.Errorf("%w: publish event-channel: %v", ErrSetupFailed, err)
	}

	writeRing := ringbuf.New(rightBuf, rightOrder, ringbuf.Counters{
		LoadProd:  func() uint32 { return layout.LoadCounter(page, layout.OffRightProd) },
		StoreProd: func(v uint32) { layout.StoreCounter(page, layout.OffRightProd, v) },
		LoadCons:  func() uint32 { return layout.LoadCounter(page, layout.OffRightCons) },
	})
	readRing := ringbuf.New(leftBuf, leftOrder, ringbuf.Counters{
		LoadProd: func() uint32 { return layout.LoadCounter(page, layout.OffLeftProd) },
		LoadCons: func() uint32 { return layout.LoadCounter(page, layout.OffLeftCons) },
		StoreCons: func(v uint32) { layout.StoreCounter(page, layout.OffLeftCons, v) },
	})

	ep := &Endpoint{
		role:          roleServer,
		peer:          peer,
		devno:         devno,
		persist:       cfg.persist,
		blocking:      cfg.blocking,
		page:          page,
		pageMap:       ctrlMap,
		writeRing:     writeRing,
		readRing:      readRing,
		writeStorage:  rightStorage,
		readStorage:   leftStorage,
		ownLivenessOf: layout.OffSrvLive,
		peerLiveness:  layout.OffCliLive,
		notifier:      notifier,
		dir:           dir,
	}
	wireWatchdog(ep, b)
	return ep, nil
}

// ClientInit reads the directory entries the peer's ServerInit published,
// maps the shared page and ring storage, and binds the interdomain event
// port (spec.md §4.3 init_gnt_cli, §4.4).
func ClientInit(b backend.Backend, dir directory.Directory, peer, devno int, opts ...Option) (*Endpoint, error) {
	cfg := newConfig(opts)

	refStr, err := dir.Read(devno, directory.KeyRingRef, cfg.selfID)
	if err != nil {
		return nil, fmt.Errorf("%w: ring-ref: %v", ErrDirectoryMissing, err)
	}
	ref, err := strconv.ParseUint(refStr, 10, 32)
	if err != nil || ref == 0 {
		return nil, fmt.Errorf("%w: ring-ref parses to zero or invalid", ErrDirectoryMissing)
	}

	portStr, err := dir.Read(devno, directory.KeyEventChannel, cfg.selfID)
	if err != nil {
		return nil, fmt.Errorf("%w: event-channel: %v", ErrDirectoryMissing, err)
	}
	remotePort, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil || remotePort == 0 {
		return nil, fmt.Errorf("%w: event-channel parses to zero or invalid", ErrDirectoryMissing)
	}

	var u unwinder
	importer := b.Importer()

	ctrlMap, err := importer.MapControlPage(peer, uint32(ref))
	if err != nil {
		return nil, fmt.Errorf("%w: map control page: %v", ErrSetupFailed, err)
	}
	u.push(func() { _ = ctrlMap.Unmap() })

	page := ctrlMap.Bytes()
	leftOrder := layout.LoadOrder(page, layout.OffLeftOrder)
	rightOrder := layout.LoadOrder(page, layout.OffRightOrder)
	if !layout.ValidOrder(leftOrder) || !layout.ValidOrder(rightOrder) {
		u.unwind()
		return nil, ErrBadOrder
	}
	if leftOrder == rightOrder && leftOrder < 12 {
		u.unwind()
		return nil, ErrBadOrder
	}

	leftStorage, leftBuf, err := mapRingStorage(importer, peer, page, leftOrder, 0)
	if err != nil {
		u.unwind()
		return nil, fmt.Errorf("%w: map left ring: %v", ErrSetupFailed, err)
	}
	u.push(func() { _ = leftStorage.Unmap() })

	rightStorage, rightBuf, err := mapRingStorage(importer, peer, page, rightOrder, layout.PageCount(leftOrder))
	if err != nil {
		u.unwind()
		return nil, fmt.Errorf("%w: map right ring: %v", ErrSetupFailed, err)
	}
	u.push(func() { _ = rightStorage.Unmap() })

	notifier := b.NewNotifier()
	u.push(func() { _ = notifier.Close() })
	localPort, err := notifier.BindClient(peer, uint32(remotePort))
	if err != nil {
		u.unwind()
		return nil, fmt.Errorf("%w: bind event port: %v", ErrSetupFailed, err)
	}

	if err := importer.SetUnmapNotify(ctrlMap, backend.UnmapNotifyAction{ByteOffset: layout.OffCliLive, Port: localPort}); err != nil {
		u.unwind()
		return nil, fmt.Errorf("%w: set unmap notify: %v", ErrSetupFailed, err)
	}

	layout.StoreLiveness(page, layout.OffCliLive, layout.LiveConnected)
	layout.StoreDebug(page, layout.DebugMagicClient)

	writeRing := ringbuf.New(leftBuf, leftOrder, ringbuf.Counters{
		LoadProd:  func() uint32 { return layout.LoadCounter(page, layout.OffLeftProd) },
		StoreProd: func(v uint32) { layout.StoreCounter(page, layout.OffLeftProd, v) },
		LoadCons:  func() uint32 { return layout.LoadCounter(page, layout.OffLeftCons) },
	})
	readRing := ringbuf.New(rightBuf, rightOrder, ringbuf.Counters{
		LoadProd: func() uint32 { return layout.LoadCounter(page, layout.OffRightProd) },
		LoadCons: func() uint32 { return layout.LoadCounter(page, layout.OffRightCons) },
		StoreCons: func(v uint32) { layout.StoreCounter(page, layout.OffRightCons, v) },
	})

	ep := &Endpoint{
		role:          roleClient,
		peer:          peer,
		devno:         devno,
		persist:       false,
		blocking:      cfg.blocking,
		page:          page,
		pageMap:       ctrlMap,
		writeRing:     writeRing,
		readRing:      readRing,
		writeStorage:  leftStorage,
		readStorage:   rightStorage,
		ownLivenessOf: layout.OffCliLive,
		peerLiveness:  layout.OffSrvLive,
		notifier:      notifier,
		dir:           dir,
	}
	wireWatchdog(ep, b)
	return ep, nil
}

// allocRingStorage allocates one ring's backing storage on the server side:
// the in-page slot for order 10/11, or dedicated grant pages whose refs are
// recorded in grants[] starting at slotOffset (spec.md §4.3 steps 5-6).
func allocRingStorage(alloc backend.GrantAllocator, peer int, page []byte, order uint16, slotOffset int) (layout.RingStorage, []byte, error) {
	if off, inPage := layout.RingOffset(order); inPage {
		size := 1 << order
		return layout.RingStorage{Kind: layout.StorageInPage, Offset: off, Len: size}, page[off : off+size], nil
	}
	count := layout.PageCount(order)
	refs, m, err := alloc.AllocRingPages(peer, count)
	if err != nil {
		return layout.RingStorage{}, nil, err
	}
	for i, ref := range refs {
		layout.StoreGrant(page, slotOffset+i, ref)
	}
	return layout.RingStorage{Kind: layout.StorageMapped, Handle: m, Len: len(m.Bytes())}, m.Bytes(), nil
}

// mapRingStorage is allocRingStorage's client-side counterpart: it reads
// grants[] instead of writing them (spec.md §4.3 step 4).
func mapRingStorage(importer backend.GrantImporter, peer int, page []byte, order uint16, slotOffset int) (layout.RingStorage, []byte, error) {
	if off, inPage := layout.RingOffset(order); inPage {
		size := 1 << order
		return layout.RingStorage{Kind: layout.StorageInPage, Offset: off, Len: size}, page[off : off+size], nil
	}
	count := layout.PageCount(order)
	refs := make([]uint32, count)
	for i := range refs {
		refs[i] = layout.LoadGrant(page, slotOffset+i)
	}
	m, err := importer.MapRingPages(peer, refs)
	if err != nil {
		return layout.RingStorage{}, nil, err
	}
	return layout.RingStorage{Kind: layout.StorageMapped, Handle: m, Len: len(m.Bytes())}, m.Bytes(), nil
}

// wireWatchdog starts the internal/watchdog fallback when the backend can
// independently detect peer death (spec.md §9's documented fallback for
// backends without a kernel-level unmap-notify equivalent). On detection,
// the watchdog writes the peer's liveness byte directly — legal because
// the page is shared — and self-wakes this side's own Wait so a blocked
// caller returns promptly, mirroring the real unmap-notify hook's
// CLEAR_BYTE|SEND_EVENT action.
func wireWatchdog(ep *Endpoint, b backend.Backend) {
	prober, ok := b.(backend.LivenessProber)
	if !ok {
		return
	}
	wd := watchdog.New(watchdogInterval)
	id := wd.Register(
		func() bool { return !prober.PeerAlive() },
		func() {
			layout.StoreLiveness(ep.page, ep.peerLiveness, layout.LiveClosed)
			_ = ep.notifier.SelfWake()
		},
	)
	ep.wd, ep.wdID = wd, id
}
