// File: internal/backend/memfd/memfd.go
// Package memfd
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Real Linux backend: shared pages are anonymous memfd segments mapped
// MAP_SHARED, and grant references are exchanged between the two
// processes by passing the segment's file descriptor itself over a
// rendezvous AF_UNIX socket using SCM_RIGHTS. The event channel is a
// Linux eventfd. This is the OS-backed counterpart to
// internal/backend/loopback, in the same role transport_linux.go plays
// opposite fake/transport.go in the teacher codebase.
//
// Non-Linux builds get a stub that reports itself unusable; see
// memfd_other.go.

package memfd

import "github.com/momentics/vchan/internal/backend"

// Config configures a memfd-backed Backend. SocketPath names the AF_UNIX
// rendezvous socket used to hand control-page and ring-page file
// descriptors between the server and client process; the two sides agree
// on it out of band (cmd/vchan-echo takes it as the -socket flag). The
// directory handshake does not publish it.
type Config struct {
	// SocketPath is the filesystem path of the AF_UNIX broker socket.
	// The side that calls NewServerBackend creates and listens on it; the
	// side that calls NewClientBackend dials it.
	SocketPath string
}

// NewServerBackend creates the listening half of a memfd-backed Backend.
// It must be called before the peer calls NewClientBackend against the
// same SocketPath.
func NewServerBackend(cfg Config) (backend.Backend, error) {
	return newServerBackend(cfg)
}

// NewClientBackend dials the AF_UNIX broker socket created by the peer's
// NewServerBackend call and returns the importing half of the Backend.
func NewClientBackend(cfg Config) (backend.Backend, error) {
	return newClientBackend(cfg)
}
