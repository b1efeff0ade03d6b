// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package watch

import (
	"sync"
)

// EventType tags an event with the mutation that produced it.
type EventType string

// Event types. Put covers updates of existing objects, Create first
// writes, Delete soft-deletions.
const (
	TypePut    EventType = "put"
	TypeCreate EventType = "create"
	TypeDelete EventType = "delete"
)

// Event is one change notification carrying the object after mutation.
type Event[T any] struct {
	Type EventType `json:"type"`
	Data T         `json:"data"`
}

// Handler receives events during fan-out. Handlers run under the hub's
// read lock and must return quickly without re-entering the hub.
type Handler[T any] func(Event[T])

// Guard keeps a watcher registered. Closing it deregisters the handler
// and fires the watcher's drop callback exactly once. Guards returned
// for ring replays are inert.
type Guard interface {
	Close()
}

// DefaultRingCapacity is the number of recent events a hub retains for
// replay to reconnecting watchers.
const DefaultRingCapacity = 100

// ringEntry pairs an event with its modify counter.
type ringEntry[T any] struct {
	modify uint64
	event  Event[T]
}

// Hub fans out change events for one entity kind.
type Hub[T any] struct {
	// mu guards the watcher registry. Fan-out holds it shared so
	// concurrent Notify calls proceed in parallel; registration and
	// deregistration take it exclusively.
	mu       sync.RWMutex
	watchers map[uint64]*watcher[T]
	nextID   uint64

	// ringMu guards the replay ring separately so ring writes stay
	// ordered even while fan-outs overlap.
	ringMu sync.Mutex
	ring   []ringEntry[T]
	head   int
	filled bool
}

// watcher is one registered handler with its resume position.
type watcher[T any] struct {
	since   uint64
	handler Handler[T]
	onDrop  func()
}

// NewHub creates a hub retaining capacity events for replay. A zero or
// negative capacity selects DefaultRingCapacity.
func NewHub[T any](capacity int) *Hub[T] {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Hub[T]{
		watchers: make(map[uint64]*watcher[T]),
		ring:     make([]ringEntry[T], capacity),
	}
}

// Notify records the event under its modify counter and synchronously
// delivers it to every watcher registered with since < modify. Notify
// returns once every handler has run.
func (h *Hub[T]) Notify(modify uint64, event Event[T]) {
	h.ringMu.Lock()
	h.ring[h.head] = ringEntry[T]{modify: modify, event: event}
	h.head++
	if h.head == len(h.ring) {
		h.head = 0
		h.filled = true
	}
	h.ringMu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, w := range h.watchers {
		if w.since < modify {
			w.handler(event)
		}
	}
}

// Watch attaches a handler resuming after since. If the ring already
// holds any event newer than since, the most recent one is delivered
// immediately and an inert guard is returned: the watcher has missed
// history and must relist before streaming. Otherwise the handler is
// registered and the returned guard keeps it live until closed; closing
// fires onDrop.
func (h *Hub[T]) Watch(since uint64, handler Handler[T], onDrop func()) Guard {
	if entry, ok := h.newestAfter(since); ok {
		handler(entry.event)
		return noopGuard{}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.watchers[id] = &watcher[T]{since: since, handler: handler, onDrop: onDrop}
	h.mu.Unlock()

	return &liveGuard[T]{hub: h, id: id}
}

// Watchers reports the number of currently registered watchers.
func (h *Hub[T]) Watchers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// newestAfter scans the ring for the most recent entry with a counter
// beyond since.
func (h *Hub[T]) newestAfter(since uint64) (ringEntry[T], bool) {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()

	var newest ringEntry[T]
	found := false
	n := h.head
	if h.filled {
		n = len(h.ring)
	}
	for i := 0; i < n; i++ {
		e := h.ring[i]
		if e.modify > since && (!found || e.modify > newest.modify) {
			newest = e
			found = true
		}
	}
	return newest, found
}

// remove deregisters a watcher and returns its drop callback, nil when
// the watcher was already gone.
func (h *Hub[T]) remove(id uint64) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.watchers[id]
	if !ok {
		return nil
	}
	delete(h.watchers, id)
	return w.onDrop
}

// liveGuard deregisters its watcher on first Close.
type liveGuard[T any] struct {
	hub  *Hub[T]
	id   uint64
	once sync.Once
}

// Close removes the watcher and fires its drop callback. Safe to call
// more than once. After Close returns no further handler invocation for
// this watcher is in flight.
func (g *liveGuard[T]) Close() {
	g.once.Do(func() {
		if onDrop := g.hub.remove(g.id); onDrop != nil {
			onDrop()
		}
	})
}

// noopGuard is returned for ring replays; there is nothing to release.
type noopGuard struct{}

func (noopGuard) Close() {}
