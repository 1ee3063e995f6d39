// File: vchan/vchan_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package vchan

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/momentics/vchan/internal/backend/loopback"
	"github.com/momentics/vchan/internal/directory"
	"github.com/momentics/vchan/internal/layout"
)

// newPair builds a connected server/client endpoint pair over a loopback
// backend and in-memory directory, the fixture every test in this package
// starts from.
func newPair(t *testing.T, readMin, writeMin int, blocking bool) (srv, cli *Endpoint) {
	t.Helper()
	b := loopback.NewPair()
	dir := directory.NewMemory()

	srv, err := ServerInit(b, dir, 1, 0, readMin, writeMin, WithBlocking(blocking), WithSelfID(0))
	if err != nil {
		t.Fatalf("ServerInit: %v", err)
	}
	cli, err = ClientInit(b, dir, 0, 0, WithBlocking(blocking), WithSelfID(1))
	if err != nil {
		srv.Close()
		t.Fatalf("ClientInit: %v", err)
	}
	return srv, cli
}

func TestPingPong(t *testing.T) {
	srv, cli := newPair(t, 4096, 4096, true)
	defer srv.Close()
	defer cli.Close()

	msg := []byte("0123456789\x00")
	if n, err := cli.PacketSend(msg); err != nil || n != len(msg) {
		t.Fatalf("client PacketSend: n=%d err=%v", n, err)
	}
	got := make([]byte, len(msg))
	if n, err := srv.PacketRecv(got); err != nil || n != len(msg) {
		t.Fatalf("server PacketRecv: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("server got %q, want %q", got, msg)
	}

	if n, err := srv.PacketSend(got); err != nil || n != len(msg) {
		t.Fatalf("server PacketSend: n=%d err=%v", n, err)
	}
	got2 := make([]byte, len(msg))
	if n, err := cli.PacketRecv(got2); err != nil || n != len(msg) {
		t.Fatalf("client PacketRecv: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got2, msg) {
		t.Fatalf("client got %q, want %q", got2, msg)
	}

	srv.Close()
	cli.Close()
	if srv.IsOpen() {
		t.Fatalf("server reports open after close")
	}
	if cli.IsOpen() {
		t.Fatalf("client reports open after close")
	}
}

func TestLargeStreamWithWrap(t *testing.T) {
	srv, cli := newPair(t, 4096, 4096, true)
	defer srv.Close()
	defer cli.Close()

	const total = 1_000_000
	src := make([]byte, total)
	rand.New(rand.NewSource(1)).Read(src)

	done := make(chan error, 1)
	go func() {
		pos := 0
		for pos < total {
			end := pos + 4099
			if end > total {
				end = total
			}
			n, err := cli.StreamWrite(src[pos:end])
			if err != nil {
				done <- err
				return
			}
			pos += n
		}
		done <- nil
	}()

	out := make([]byte, total)
	pos := 0
	for pos < total {
		end := pos + 511
		if end > total {
			end = total
		}
		n, err := srv.StreamRead(out[pos:end])
		if err != nil {
			t.Fatalf("StreamRead: %v", err)
		}
		pos += n
	}
	if err := <-done; err != nil {
		t.Fatalf("StreamWrite: %v", err)
	}
	if !bytes.Equal(src, out) {
		t.Fatalf("round trip mismatch over %d bytes", total)
	}
}

func TestNonBlockingBackpressure(t *testing.T) {
	srv, cli := newPair(t, 1024, 1024, false)
	defer srv.Close()
	defer cli.Close()

	full := make([]byte, 1024)
	if n, err := cli.PacketSend(full); err != nil || n != 1024 {
		t.Fatalf("first PacketSend: n=%d err=%v", n, err)
	}
	if n, err := cli.PacketSend([]byte{0}); err != nil || n != 0 {
		t.Fatalf("second PacketSend should return 0, untouched: n=%d err=%v", n, err)
	}
	recvBuf := make([]byte, 1024)
	if n, err := srv.PacketRecv(recvBuf); err != nil || n != 1024 {
		t.Fatalf("PacketRecv: n=%d err=%v", n, err)
	}
	if n, err := cli.PacketSend([]byte{0xAB}); err != nil || n != 1 {
		t.Fatalf("PacketSend after drain: n=%d err=%v", n, err)
	}
}

func TestPeerCrash(t *testing.T) {
	srv, cli := newPair(t, 4096, 4096, true)
	defer srv.Close()
	defer cli.Close()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cli.Wait() }()

	time.Sleep(10 * time.Millisecond)
	SimulateCrash(srv)

	select {
	case err := <-waitErr:
		if err != nil {
			t.Fatalf("client Wait returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("client Wait did not return after peer crash")
	}

	if cli.IsOpen() {
		t.Fatalf("client reports open after peer crash")
	}
	if _, err := cli.PacketSend([]byte{1}); err != ErrClosed {
		t.Fatalf("PacketSend after crash: err=%v, want ErrClosed", err)
	}
	n, err := cli.StreamRead(make([]byte, 16))
	if err != nil || n != 0 {
		t.Fatalf("StreamRead after crash with empty ring: n=%d err=%v, want 0, nil", n, err)
	}
}

func TestInPageRingPlacement(t *testing.T) {
	b := loopback.NewPair()
	dir := directory.NewMemory()
	srv, err := ServerInit(b, dir, 1, 0, 1024, 2048, WithSelfID(0))
	if err != nil {
		t.Fatalf("ServerInit: %v", err)
	}
	defer srv.Close()

	if srv.readRing.Size() != 1024 {
		t.Fatalf("read ring size = %d, want 1024", srv.readRing.Size())
	}
	if srv.writeRing.Size() != 2048 {
		t.Fatalf("write ring size = %d, want 2048", srv.writeRing.Size())
	}
	if srv.readStorage.Kind != layout.StorageInPage || srv.writeStorage.Kind != layout.StorageInPage {
		t.Fatalf("expected both rings in-page")
	}
}

func TestOrderNegotiationEdge(t *testing.T) {
	srv, cli := newPair(t, 1024, 1024, true)
	defer srv.Close()
	defer cli.Close()

	if srv.readRing.Size() == srv.writeRing.Size() {
		t.Fatalf("equal ring sizes should have been promoted apart: read=%d write=%d",
			srv.readRing.Size(), srv.writeRing.Size())
	}

	msg := []byte("hi")
	if _, err := cli.PacketSend(msg); err != nil {
		t.Fatalf("PacketSend: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := srv.PacketRecv(got); err != nil || !bytes.Equal(got, msg) {
		t.Fatalf("PacketRecv: got %q err=%v", got, err)
	}
}
