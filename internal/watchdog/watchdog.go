// File: internal/watchdog/watchdog.go
// Package watchdog
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lower-fidelity fallback for peer-liveness detection on backends with no
// kernel-level unmap-notify equivalent (spec.md §9's Open question,
// resolved here per the spec's own guidance: "a watchdog thread polling
// peer liveness is an acceptable fallback but must be documented as lower
// fidelity"). Adapted from internal/concurrency/executor.go's worker pool
// over github.com/eapache/queue, generalized from "dispatch a task" to
// "dispatch a liveness probe".

package watchdog

import (
	"log"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Probe is polled periodically. It returns true the first time it detects
// the peer is abnormally gone.
type Probe func() bool

type entry struct {
	id      int
	probe   Probe
	onCrash func()
}

// Watchdog periodically re-runs registered probes and invokes onCrash once
// per probe, the first time it reports the peer gone.
type Watchdog struct {
	mu       sync.Mutex
	q        *queue.Queue
	entries  map[int]entry
	nextID   int
	interval time.Duration
	stop     chan struct{}
	wake     chan struct{}
	once     sync.Once
}

// New starts a watchdog polling every interval. interval should be short
// enough that a crashed peer is detected promptly but long enough to avoid
// burning CPU on a busy loop; vchan.ServerInit/ClientInit use 200
// milliseconds.
func New(interval time.Duration) *Watchdog {
	w := &Watchdog{
		q:        queue.New(),
		entries:  make(map[int]entry),
		interval: interval,
		stop:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	go w.tick()
	go w.drain()
	return w
}

// Register adds a probe, returning an id usable with Unregister.
func (w *Watchdog) Register(probe Probe, onCrash func()) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.entries[id] = entry{id: id, probe: probe, onCrash: onCrash}
	return id
}

// Unregister stops polling a probe. Idempotent.
func (w *Watchdog) Unregister(id int) {
	w.mu.Lock()
	delete(w.entries, id)
	w.mu.Unlock()
}

// Close stops the watchdog's background goroutines. Idempotent.
func (w *Watchdog) Close() {
	w.once.Do(func() { close(w.stop) })
}

func (w *Watchdog) tick() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			for _, e := range w.entries {
				w.q.Add(e)
			}
			pending := w.q.Length() > 0
			w.mu.Unlock()
			if pending {
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (w *Watchdog) drain() {
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
			w.drainOnce()
		}
	}
}

func (w *Watchdog) drainOnce() {
	for {
		w.mu.Lock()
		if w.q.Length() == 0 {
			w.mu.Unlock()
			return
		}
		e := w.q.Peek().(entry)
		w.q.Remove()
		w.mu.Unlock()

		w.runOne(e)
	}
}

func (w *Watchdog) runOne(e entry) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("vchan: watchdog probe %d panicked: %v", e.id, r)
		}
	}()
	// The queue may still hold copies enqueued by earlier ticks; skip any
	// entry that has since been unregistered.
	w.mu.Lock()
	_, registered := w.entries[e.id]
	w.mu.Unlock()
	if !registered {
		return
	}
	if e.probe() {
		e.onCrash()
		w.Unregister(e.id)
	}
}
