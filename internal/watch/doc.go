// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
Package watch implements the per-kind change notification hub.

Each entity kind owns one Hub. Writers call Notify with a monotonically
increasing modify counter; the hub records the event in a bounded ring
and synchronously fans it out to every registered watcher whose
since-counter is older. Watchers that reconnect past the ring's tail
receive only the single most recent event and must relist for anything
older.

The hub is deliberately lossy toward slow consumers: handlers must not
block, so stream adapters enqueue onto a bounded channel and drop on
overflow (BufferedWatcher). Losing a frame beats stalling every writer
of the kind.

Handlers run under the hub's read lock. Calling Notify from inside a
handler deadlocks; don't.
*/
package watch
