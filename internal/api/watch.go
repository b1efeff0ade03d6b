// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/logging"
	"github.com/cimidp/cim/internal/metrics"
	"github.com/cimidp/cim/internal/watch"
)

const (
	// wsPingInterval keeps idle WebSocket watches alive through
	// intermediaries.
	wsPingInterval = 30 * time.Second

	// streamWriteTimeout bounds a single frame or line write. The
	// stream itself has no overall deadline.
	streamWriteTimeout = 10 * time.Second
)

// watch streams change events for the resource's kind, either as
// newline-delimited JSON over a chunked response or as WebSocket text
// frames. Events are filtered server-side with the same equality
// filters the list endpoint accepts.
//
// A watcher whose buffer overflows has lost events and is
// disconnected; the client re-lists and re-subscribes. The stream also
// ends when the client goes away or the server shuts down (the request
// context descends from the process context via BaseContext).
func (res *resource[T, PT]) watch(w http.ResponseWriter, r *http.Request, filter map[string]string) {
	since := res.store.LastModify()
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeErr(w, r, errs.BadRequestf("invalid since %q", raw))
			return
		}
		since = n
	}

	buf := watch.NewBufferedWatcher[PT](res.s.config.WatchBufferSize)
	guard := res.store.Watch(since, buf.Handle, nil)
	// Guard first, watcher second: the guard close waits out in-flight
	// fan-outs before the channel goes away.
	defer buf.Close()
	defer guard.Close()

	metrics.RecordWatchSubscribed(res.kind, 1)
	defer metrics.RecordWatchSubscribed(res.kind, -1)

	send, clientGone := res.sender(w, r)
	if send == nil {
		return
	}

	for {
		select {
		case event, ok := <-buf.Events():
			if !ok {
				return
			}
			if len(filter) > 0 && !event.Data.MatchesFilter(filter) {
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				logging.CtxErr(r.Context(), err).Str("kind", res.kind).Msg("encoding watch event")
				continue
			}
			if err := send(payload); err != nil {
				return
			}
			metrics.RecordWatchDelivery(res.kind, 1)

		case <-buf.Overflow():
			metrics.RecordWatchDrop(res.kind)
			return

		case <-clientGone:
			return

		case <-r.Context().Done():
			return
		}
	}
}

// sender picks the transport: a WebSocket connection for upgrade
// requests, JSON lines over a flushed chunked body otherwise. A nil
// send func means the response has already been written. clientGone
// closes when the peer is known to be gone; on the chunked path the
// request context already covers that and clientGone stays nil.
func (res *resource[T, PT]) sender(w http.ResponseWriter, r *http.Request) (func([]byte) error, <-chan struct{}) {
	if websocket.IsWebSocketUpgrade(r) {
		conn, err := res.s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade wrote its own response.
			return nil, nil
		}
		clientGone := make(chan struct{})
		go watchReadPump(conn, clientGone)

		// Ping and event writes share the connection; gorilla allows
		// one concurrent writer.
		var mu sync.Mutex
		pingStop := startPinger(conn, &mu)

		go func() {
			select {
			case <-r.Context().Done():
			case <-clientGone:
			}
			pingStop()
			_ = conn.Close()
		}()

		return func(payload []byte) error {
			mu.Lock()
			defer mu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			return conn.WriteMessage(websocket.TextMessage, payload)
		}, clientGone
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, r, errs.Internal(nil, "streaming unsupported by connection"))
		return nil, nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The server runs without a global write timeout so the stream can
	// live indefinitely; each line write gets its own deadline instead.
	rc := http.NewResponseController(w)
	return func(payload []byte) error {
		_ = rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if _, err := w.Write(append(payload, '\n')); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, nil
}

// watchReadPump drains client frames so close messages and pongs are
// processed, and signals done once the read side fails. The request
// context is not canceled for hijacked connections, so this is the
// only notification that a WebSocket peer left.
func watchReadPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// startPinger pings the peer periodically and returns an idempotent
// stop function.
func startPinger(conn *websocket.Conn, mu *sync.Mutex) func() {
	ticker := time.NewTicker(wsPingInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
