// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// resource adapts one entity kind's typed store view to the /v1 CRUD
// surface. The collection GET doubles as the change-stream endpoint
// when watch=1 is set or the request is a WebSocket upgrade.
type resource[T any, PT interface {
	models.Object
	*T
}] struct {
	s     *Server
	store storage.Typed[T, PT]
	kind  string

	// filterKeys are the query parameters accepted as list and watch
	// filters.
	filterKeys []string

	// readOnly drops the mutation routes (audit events).
	readOnly bool

	// prepareCreate, when set, normalizes a decoded object before the
	// store write.
	prepareCreate func(r *http.Request, obj PT) error

	// postCreate, when set, runs after a successful create.
	postCreate func(r *http.Request, obj PT) error
}

// mount attaches the resource routes under its collection path.
func (res *resource[T, PT]) mount(r chi.Router, path string) {
	r.Route(path, func(r chi.Router) {
		r.Get("/", res.listOrWatch)
		r.Get("/{id}", res.get)
		if res.readOnly {
			return
		}
		r.Post("/", res.create)
		r.Put("/{id}", res.update)
		r.Delete("/{id}", res.delete)
	})
}

func (res *resource[T, PT]) listOrWatch(w http.ResponseWriter, r *http.Request) {
	opts, err := listOpts(r, res.filterKeys)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if r.URL.Query().Get("watch") == "1" || websocket.IsWebSocketUpgrade(r) {
		res.watch(w, r, opts.Filter)
		return
	}

	page, err := res.store.List(r.Context(), opts)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (res *resource[T, PT]) get(w http.ResponseWriter, r *http.Request) {
	obj, err := res.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (res *resource[T, PT]) create(w http.ResponseWriter, r *http.Request) {
	obj := PT(new(T))
	if err := decodeJSON(r, obj); err != nil {
		writeErr(w, r, err)
		return
	}
	if res.prepareCreate != nil {
		if err := res.prepareCreate(r, obj); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	if err := res.store.Put(r.Context(), obj, 0); err != nil {
		writeErr(w, r, err)
		return
	}
	if res.postCreate != nil {
		if err := res.postCreate(r, obj); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, obj)
}

func (res *resource[T, PT]) update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := res.store.Get(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}

	obj := PT(new(T))
	if err := decodeJSON(r, obj); err != nil {
		writeErr(w, r, err)
		return
	}
	if got := obj.GetID(); got != "" && got != id {
		writeErr(w, r, errs.BadRequestf("body id %q does not match path id %q", got, id))
		return
	}
	obj.SetID(id)

	if err := res.store.Put(r.Context(), obj, 0); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (res *resource[T, PT]) delete(w http.ResponseWriter, r *http.Request) {
	if err := res.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
