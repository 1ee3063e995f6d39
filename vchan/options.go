// File: vchan/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package vchan

// config collects the optional knobs ServerInit/ClientInit accept beyond
// the positional arguments spec.md §6.4 names. Blocking defaults to off,
// matching spec.md §3.2 ("blocking flag (non-blocking I/O default off)").
type config struct {
	persist  bool
	blocking bool
	selfID   int
}

// Option configures an Endpoint at construction time.
type Option func(*config)

// WithPersist sets the server-only persist flag: when true, is-open keeps
// reporting open even after the client's liveness byte drops to 0,
// allowing a fresh client to reconnect on the same device number (spec.md
// §3.3, §4.5).
func WithPersist(persist bool) Option {
	return func(c *config) { c.persist = persist }
}

// WithBlocking sets the endpoint's blocking flag (spec.md §3.2). Off by
// default.
func WithBlocking(blocking bool) Option {
	return func(c *config) { c.blocking = blocking }
}

// WithSelfID overrides the identity an Endpoint presents when reading its
// own directory entries. The real driver derives this from the kernel
// (a domain has no way to lie about its own id to the hypervisor); this
// userspace rendering has no such ambient authority, so the caller states
// it explicitly. Defaults to 0. The tests and cmd/vchan-echo set it
// explicitly: 0 for the server, 1 for the client.
func WithSelfID(id int) Option {
	return func(c *config) { c.selfID = id }
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
