// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package watch

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the outbound channel depth for stream watchers.
const DefaultBufferSize = 16

// BufferedWatcher bridges synchronous hub fan-out to a bounded channel.
// Handle never blocks: when the channel is full the event is dropped,
// counted, and Overflow is signaled so the stream adapter can
// disconnect the lagging watcher. This is the handler shape every
// stream adapter should register.
//
// Shutdown order matters: close the hub guard first, then Close the
// watcher. The guard close waits out in-flight fan-outs, making the
// subsequent channel close safe.
type BufferedWatcher[T any] struct {
	ch       chan Event[T]
	dropped  atomic.Uint64
	overflow chan struct{}
	once     sync.Once
}

// NewBufferedWatcher creates a watcher with the given channel depth. A
// zero or negative size selects DefaultBufferSize.
func NewBufferedWatcher[T any](size int) *BufferedWatcher[T] {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &BufferedWatcher[T]{
		ch:       make(chan Event[T], size),
		overflow: make(chan struct{}),
	}
}

// Handle enqueues the event. When the buffer is full the event is
// dropped and the overflow channel closes; the watcher has lost events
// and must be torn down.
func (w *BufferedWatcher[T]) Handle(event Event[T]) {
	select {
	case w.ch <- event:
	default:
		w.dropped.Add(1)
		w.once.Do(func() { close(w.overflow) })
	}
}

// Events returns the receive side of the buffer.
func (w *BufferedWatcher[T]) Events() <-chan Event[T] {
	return w.ch
}

// Overflow is closed on the first dropped event.
func (w *BufferedWatcher[T]) Overflow() <-chan struct{} {
	return w.overflow
}

// Dropped reports how many events overflowed the buffer.
func (w *BufferedWatcher[T]) Dropped() uint64 {
	return w.dropped.Load()
}

// Close closes the buffer. Only call after the hub guard is closed.
func (w *BufferedWatcher[T]) Close() {
	close(w.ch)
}
