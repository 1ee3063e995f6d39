// File: cmd/vchan-echo/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// vchan-echo demonstrates the public API end to end: a server that echoes
// back whatever it receives, and a client that sends lines from stdin and
// prints the echoed reply. Grounded on
// examples/lowlevel/echo/main.go's flag parsing and graceful-shutdown
// shape, adapted from a WebSocket echo handler to a packet-mode vchan
// echo loop. Not a port of the original repo's bandwidth/relay harnesses
// (spec.md §9's Open question excludes those from the core).

package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/momentics/vchan"
	"github.com/momentics/vchan/internal/backend"
	"github.com/momentics/vchan/internal/backend/loopback"
	"github.com/momentics/vchan/internal/backend/memfd"
	"github.com/momentics/vchan/internal/directory"
)

func main() {
	backendName := flag.String("backend", "loopback", "backend: loopback (in-process demo) or memfd (linux, two processes)")
	role := flag.String("role", "server", "memfd backend only: server or client")
	socket := flag.String("socket", "/tmp/vchan-echo.sock", "memfd backend only: AF_UNIX rendezvous path")
	devno := flag.Int("devno", 0, "device number")
	readMin := flag.Int("read-min", 4096, "server-side minimum read ring size")
	writeMin := flag.Int("write-min", 4096, "server-side minimum write ring size")
	flag.Parse()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	switch *backendName {
	case "loopback":
		runLoopbackDemo(*readMin, *writeMin, sigCh)
	case "memfd":
		runMemfdRole(*role, *socket, *devno, *readMin, *writeMin, sigCh)
	default:
		fmt.Fprintf(os.Stderr, "unknown -backend %q\n", *backendName)
		os.Exit(1)
	}
}

// runLoopbackDemo spins up both ends of a channel in one process and
// echoes each line of stdin back to stdout through it, the simplest
// possible demonstration of the packet-send/packet-recv round trip.
func runLoopbackDemo(readMin, writeMin int, sigCh chan os.Signal) {
	b := loopback.NewPair()
	dir := directory.NewMemory()

	srv, err := vchan.ServerInit(b, dir, 1, 0, readMin, writeMin, vchan.WithBlocking(true), vchan.WithSelfID(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ServerInit: %v\n", err)
		os.Exit(1)
	}
	cli, err := vchan.ClientInit(b, dir, 0, 0, vchan.WithBlocking(true), vchan.WithSelfID(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ClientInit: %v\n", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	go echoServer(srv, done)

	fmt.Println("vchan-echo (loopback): type a line, see it echoed back; Ctrl-D or Ctrl-C to quit")
	go runClientREPL(cli, sigCh)

	<-sigCh
	cli.Close()
	srv.Close()
	<-done
}

// echoServer loops stream-read/packet-send until the channel closes: it
// sends back whatever bytes have arrived as one packet.
func echoServer(ep *vchan.Endpoint, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for ep.IsOpen() {
		n, err := ep.StreamRead(buf)
		if err != nil || n == 0 {
			return
		}
		if _, err := ep.PacketSend(buf[:n]); err != nil {
			return
		}
	}
}

func runClientREPL(ep *vchan.Endpoint, sigCh chan os.Signal) {
	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 4096)
	for scanner.Scan() {
		line := append([]byte(scanner.Text()), '\n')
		if _, err := ep.PacketSend(line); err != nil {
			fmt.Fprintf(os.Stderr, "PacketSend: %v\n", err)
			break
		}
		n, err := ep.PacketRecv(buf[:len(line)])
		if err != nil {
			fmt.Fprintf(os.Stderr, "PacketRecv: %v\n", err)
			break
		}
		fmt.Printf("echo: %s", buf[:n])
	}
	sigCh <- syscall.SIGTERM
}

// runMemfdRole runs one side of a two-process echo demo over the real
// Linux memfd+eventfd backend.
func runMemfdRole(role, socket string, devno, readMin, writeMin int, sigCh chan os.Signal) {
	dir := directory.NewFileTree(os.TempDir())

	var b backend.Backend
	var err error
	switch role {
	case "server":
		b, err = memfd.NewServerBackend(memfd.Config{SocketPath: socket})
	case "client":
		b, err = memfd.NewClientBackend(memfd.Config{SocketPath: socket})
	default:
		fmt.Fprintf(os.Stderr, "unknown -role %q\n", role)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s backend: %v\n", role, err)
		os.Exit(1)
	}

	if role == "server" {
		srv, err := vchan.ServerInit(b, dir, 1, devno, readMin, writeMin, vchan.WithBlocking(true), vchan.WithSelfID(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "ServerInit: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("vchan-echo server listening, echoing packets")
		done := make(chan struct{})
		go echoServer(srv, done)
		<-sigCh
		srv.Close()
		<-done
		return
	}

	cli, err := vchan.ClientInit(b, dir, 0, devno, vchan.WithBlocking(true), vchan.WithSelfID(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ClientInit: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("vchan-echo client connected, type a line to echo")
	go runClientREPL(cli, sigCh)
	<-sigCh
	cli.Close()
}
