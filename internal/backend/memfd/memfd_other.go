// File: internal/backend/memfd/memfd_other.go
//go:build !linux
// +build !linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package memfd

import (
	"fmt"
	"runtime"

	"github.com/momentics/vchan/internal/backend"
)

func newServerBackend(cfg Config) (backend.Backend, error) {
	return nil, fmt.Errorf("memfd: backend requires linux, running on %s", runtime.GOOS)
}

func newClientBackend(cfg Config) (backend.Backend, error) {
	return nil, fmt.Errorf("memfd: backend requires linux, running on %s", runtime.GOOS)
}
