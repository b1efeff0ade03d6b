// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
registry.go - Event-Emitting Store Registry

The Registry is the single store object the rest of CIM holds. It wraps
a Backend with the semantics backends do not provide:

  - id assignment on first put, created_at/updated_at stamping
  - Create vs Put event classification and per-kind fan-out
  - soft-deletion with referential delete guards
  - NotFound for soft-deleted rows on the read path

Modify counters are per kind and only meaningful within one process;
watch resume positions do not survive a restart self-consistently,
which the hub's replay-most-recent contract already absorbs.
*/

package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/watch"
)

// Registry wraps a Backend with events, guards and soft-delete
// semantics.
type Registry struct {
	backend Backend
	kinds   map[string]*kindState
}

// kindState serializes event emission for one kind so watchers observe
// modify counters in increasing order.
type kindState struct {
	mu     sync.Mutex
	modify uint64
	hub    *watch.Hub[models.Object]
}

// NewRegistry creates a registry over backend. ringCapacity sizes each
// kind's replay ring; zero selects the default.
func NewRegistry(backend Backend, ringCapacity int) *Registry {
	r := &Registry{
		backend: backend,
		kinds:   make(map[string]*kindState, len(models.AllKinds())),
	}
	for _, kind := range models.AllKinds() {
		r.kinds[kind] = &kindState{hub: watch.NewHub[models.Object](ringCapacity)}
	}
	return r
}

// Backend exposes the raw backend for setup code.
func (r *Registry) Backend() Backend { return r.backend }

// Close releases the backend.
func (r *Registry) Close() error { return r.backend.Close() }

// Put upserts obj. An empty id is assigned; created_at is stamped on
// first write and preserved on updates unless the caller supplied one.
// Watchers of the kind receive a create or put event.
func (r *Registry) Put(ctx context.Context, obj models.Object, ttl time.Duration) error {
	now := time.Now()
	eventType := watch.TypePut

	if obj.GetID() == "" {
		obj.SetID(models.NewID())
		eventType = watch.TypeCreate
		if obj.GetCreatedAt().IsZero() {
			obj.SetCreatedAt(now)
		}
	} else {
		existing, err := NewObject(obj.Kind())
		if err != nil {
			return errs.Internal(err, "resolving kind for put")
		}
		switch err := r.backend.Get(ctx, existing, obj.GetID()); {
		case errors.Is(err, ErrNotFound):
			eventType = watch.TypeCreate
			if obj.GetCreatedAt().IsZero() {
				obj.SetCreatedAt(now)
			}
		case err != nil:
			return errs.Internal(err, "reading %s %q before put", obj.Kind(), obj.GetID())
		case existing.IsDeleted():
			// Re-putting a deleted id revives it as a fresh object.
			eventType = watch.TypeCreate
			if obj.GetCreatedAt().IsZero() {
				obj.SetCreatedAt(now)
			}
		default:
			if obj.GetCreatedAt().IsZero() {
				obj.SetCreatedAt(existing.GetCreatedAt())
			}
		}
	}
	obj.SetUpdatedAt(now)

	if err := r.backend.Put(ctx, obj, ttl); err != nil {
		return errs.Internal(err, "writing %s %q", obj.Kind(), obj.GetID())
	}

	r.notify(obj.Kind(), watch.Event[models.Object]{Type: eventType, Data: obj})
	return nil
}

// Get loads the live row with the given id into out, overwriting every
// field. Soft-deleted and absent rows both report NotFound.
func (r *Registry) Get(ctx context.Context, out models.Object, id string) error {
	switch err := r.backend.Get(ctx, out, id); {
	case errors.Is(err, ErrNotFound):
		return errs.NotFoundf("%s %q not found", out.Kind(), id)
	case err != nil:
		return errs.Internal(err, "reading %s %q", out.Kind(), id)
	}
	if out.IsDeleted() {
		return errs.NotFoundf("%s %q not found", out.Kind(), id)
	}
	return nil
}

// Delete soft-deletes obj by id after checking referential guards.
// Deleting an already-deleted row is a no-op; deleting an absent id is
// NotFound.
func (r *Registry) Delete(ctx context.Context, obj models.Object) error {
	id := obj.GetID()
	if id == "" {
		return errs.BadRequestf("delete requires an id")
	}

	// Work on a fresh instance so stray fields on the caller's object
	// cannot leak into the persisted row.
	current, err := NewObject(obj.Kind())
	if err != nil {
		return errs.Internal(err, "resolving kind for delete")
	}
	switch err := r.backend.Get(ctx, current, id); {
	case errors.Is(err, ErrNotFound):
		return errs.NotFoundf("%s %q not found", obj.Kind(), id)
	case err != nil:
		return errs.Internal(err, "reading %s %q before delete", obj.Kind(), id)
	}
	if current.IsDeleted() {
		return nil
	}

	if err := r.checkDeleteGuards(ctx, obj.Kind(), id); err != nil {
		return err
	}

	now := time.Now()
	current.MarkDeleted(now)
	current.SetUpdatedAt(now)
	if err := r.backend.Put(ctx, current, 0); err != nil {
		return errs.Internal(err, "marking %s %q deleted", obj.Kind(), id)
	}

	r.notify(obj.Kind(), watch.Event[models.Object]{Type: watch.TypeDelete, Data: current})
	return nil
}

// List returns one page of live rows plus the total count unless
// disabled.
func (r *Registry) List(ctx context.Context, kind string, opts models.ListOpts) ([]models.Object, int64, error) {
	items, err := r.backend.List(ctx, kind, opts)
	if err != nil {
		return nil, 0, errs.Internal(err, "listing %s", kind)
	}

	var total int64
	if !opts.CountDisable {
		total, err = r.backend.Count(ctx, kind, opts, false)
		if err != nil {
			return nil, 0, errs.Internal(err, "counting %s", kind)
		}
	}
	return items, total, nil
}

// Count returns the number of rows matching the filter. unscoped
// includes soft-deleted rows.
func (r *Registry) Count(ctx context.Context, kind string, opts models.ListOpts, unscoped bool) (int64, error) {
	n, err := r.backend.Count(ctx, kind, opts, unscoped)
	if err != nil {
		return 0, errs.Internal(err, "counting %s", kind)
	}
	return n, nil
}

// Watch attaches a handler to the kind's hub, resuming after since.
func (r *Registry) Watch(kind string, since uint64, handler watch.Handler[models.Object], onDrop func()) watch.Guard {
	return r.kinds[kind].hub.Watch(since, handler, onDrop)
}

// Watchers reports the kind's registered watcher count.
func (r *Registry) Watchers(kind string) int {
	return r.kinds[kind].hub.Watchers()
}

// LastModify returns the kind's current modify counter.
func (r *Registry) LastModify(kind string) uint64 {
	ks := r.kinds[kind]
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.modify
}

// UpdateKeys runs updater atomically against the Keys singleton and
// emits a put event on success.
func (r *Registry) UpdateKeys(ctx context.Context, updater KeysUpdater) error {
	var updated *models.Keys
	wrapped := func(old *models.Keys, found bool) (*models.Keys, error) {
		keys, err := updater(old, found)
		if err != nil {
			return nil, err
		}
		if keys != nil {
			now := time.Now()
			if keys.GetID() == "" {
				keys.SetID(models.KeysID)
			}
			if keys.GetCreatedAt().IsZero() {
				keys.SetCreatedAt(now)
			}
			keys.SetUpdatedAt(now)
		}
		updated = keys
		return keys, nil
	}

	if err := r.backend.UpdateKeys(ctx, wrapped); err != nil {
		return err
	}
	if updated != nil {
		r.notify(models.KindKeys, watch.Event[models.Object]{Type: watch.TypePut, Data: updated})
	}
	return nil
}

// notify serializes counter assignment and fan-out per kind.
func (r *Registry) notify(kind string, event watch.Event[models.Object]) {
	ks := r.kinds[kind]
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.modify++
	ks.hub.Notify(ks.modify, event)
}

// referenceGuard describes one referencing kind blocking deletion.
type referenceGuard struct {
	kind   string
	filter func(id string) map[string]string
}

// deleteGuards lists, per deletable kind, the references that must be
// absent before a soft-delete may proceed.
var deleteGuards = map[string][]referenceGuard{
	models.KindGroup: {
		{models.KindGroupUser, func(id string) map[string]string {
			return map[string]string{"group_id": id}
		}},
		{models.KindPolicyBinding, func(id string) map[string]string {
			return map[string]string{"bindings_type": "2", "bindings_id": id}
		}},
	},
	models.KindRole: {
		{models.KindRoleBinding, func(id string) map[string]string {
			return map[string]string{"role_id": id}
		}},
		{models.KindPolicyBinding, func(id string) map[string]string {
			return map[string]string{"bindings_type": "3", "bindings_id": id}
		}},
	},
	models.KindPolicy: {
		{models.KindPolicyBinding, func(id string) map[string]string {
			return map[string]string{"policy_id": id}
		}},
	},
	models.KindUser: {
		{models.KindGroupUser, func(id string) map[string]string {
			return map[string]string{"user_id": id}
		}},
		{models.KindPolicyBinding, func(id string) map[string]string {
			return map[string]string{"bindings_type": "1", "bindings_id": id}
		}},
	},
}

// checkDeleteGuards fails Forbidden when any live reference points at
// the row being deleted.
func (r *Registry) checkDeleteGuards(ctx context.Context, kind, id string) error {
	for _, guard := range deleteGuards[kind] {
		n, err := r.backend.Count(ctx, guard.kind, models.ListOpts{Filter: guard.filter(id)}, false)
		if err != nil {
			return errs.Internal(err, "checking %s references of %s %q", guard.kind, kind, id)
		}
		if n > 0 {
			return errs.New(errs.KindForbidden, errs.CodeDeleteGuard,
				"%s %q is referenced by %d %s row(s)", kind, id, n, guard.kind)
		}
	}
	return nil
}
