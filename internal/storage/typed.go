// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package storage

import (
	"context"
	"time"

	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/watch"
)

// Typed is a per-entity view over the Registry. T is the entity struct,
// PT its pointer type implementing models.Object; the two-parameter
// form lets methods allocate fresh instances.
type Typed[T any, PT interface {
	*T
	models.Object
}] struct {
	reg *Registry
}

// NewTyped wraps reg for one entity kind.
func NewTyped[T any, PT interface {
	*T
	models.Object
}](reg *Registry) Typed[T, PT] {
	return Typed[T, PT]{reg: reg}
}

// Put upserts obj; see Registry.Put.
func (s Typed[T, PT]) Put(ctx context.Context, obj PT, ttl time.Duration) error {
	return s.reg.Put(ctx, obj, ttl)
}

// Get returns the live object with the given id.
func (s Typed[T, PT]) Get(ctx context.Context, id string) (PT, error) {
	obj := PT(new(T))
	if err := s.reg.Get(ctx, obj, id); err != nil {
		return nil, err
	}
	return obj, nil
}

// Delete soft-deletes the object with the given id.
func (s Typed[T, PT]) Delete(ctx context.Context, id string) error {
	obj := PT(new(T))
	obj.SetID(id)
	return s.reg.Delete(ctx, obj)
}

// List returns one page of live objects with paging state filled in.
func (s Typed[T, PT]) List(ctx context.Context, opts models.ListOpts) (models.List[PT], error) {
	kind := PT(new(T)).Kind()
	items, total, err := s.reg.List(ctx, kind, opts)
	if err != nil {
		return models.List[PT]{}, err
	}

	out := models.List[PT]{
		Data:   make([]PT, 0, len(items)),
		Limit:  opts.Limit,
		Offset: opts.Offset,
		Total:  total,
	}
	for _, item := range items {
		out.Data = append(out.Data, item.(PT))
	}
	return out, nil
}

// Count returns the number of objects matching the filter.
func (s Typed[T, PT]) Count(ctx context.Context, opts models.ListOpts, unscoped bool) (int64, error) {
	kind := PT(new(T)).Kind()
	return s.reg.Count(ctx, kind, opts, unscoped)
}

// Watch attaches handler to the kind's hub; events arrive with the
// entity type restored.
func (s Typed[T, PT]) Watch(since uint64, handler func(watch.Event[PT]), onDrop func()) watch.Guard {
	kind := PT(new(T)).Kind()
	return s.reg.Watch(kind, since, func(e watch.Event[models.Object]) {
		handler(watch.Event[PT]{Type: e.Type, Data: e.Data.(PT)})
	}, onDrop)
}

// LastModify returns the kind's current modify counter.
func (s Typed[T, PT]) LastModify() uint64 {
	return s.reg.LastModify(PT(new(T)).Kind())
}

// Per-entity constructors.

// Users returns the typed view over users.
func Users(r *Registry) Typed[models.User, *models.User] {
	return NewTyped[models.User, *models.User](r)
}

// Groups returns the typed view over groups.
func Groups(r *Registry) Typed[models.Group, *models.Group] {
	return NewTyped[models.Group, *models.Group](r)
}

// GroupUsers returns the typed view over group memberships.
func GroupUsers(r *Registry) Typed[models.GroupUser, *models.GroupUser] {
	return NewTyped[models.GroupUser, *models.GroupUser](r)
}

// Roles returns the typed view over roles.
func Roles(r *Registry) Typed[models.Role, *models.Role] {
	return NewTyped[models.Role, *models.Role](r)
}

// RoleBindings returns the typed view over role bindings.
func RoleBindings(r *Registry) Typed[models.RoleBinding, *models.RoleBinding] {
	return NewTyped[models.RoleBinding, *models.RoleBinding](r)
}

// Policies returns the typed view over policies.
func Policies(r *Registry) Typed[models.Policy, *models.Policy] {
	return NewTyped[models.Policy, *models.Policy](r)
}

// PolicyBindings returns the typed view over policy bindings.
func PolicyBindings(r *Registry) Typed[models.PolicyBinding, *models.PolicyBinding] {
	return NewTyped[models.PolicyBinding, *models.PolicyBinding](r)
}

// Clients returns the typed view over OAuth2 clients.
func Clients(r *Registry) Typed[models.Client, *models.Client] {
	return NewTyped[models.Client, *models.Client](r)
}

// Connectors returns the typed view over connectors.
func Connectors(r *Registry) Typed[models.Connector, *models.Connector] {
	return NewTyped[models.Connector, *models.Connector](r)
}

// AuthRequests returns the typed view over auth requests.
func AuthRequests(r *Registry) Typed[models.AuthRequest, *models.AuthRequest] {
	return NewTyped[models.AuthRequest, *models.AuthRequest](r)
}

// AuthCodes returns the typed view over auth codes.
func AuthCodes(r *Registry) Typed[models.AuthCode, *models.AuthCode] {
	return NewTyped[models.AuthCode, *models.AuthCode](r)
}

// RefreshTokens returns the typed view over refresh tokens.
func RefreshTokens(r *Registry) Typed[models.RefreshToken, *models.RefreshToken] {
	return NewTyped[models.RefreshToken, *models.RefreshToken](r)
}

// OfflineSessions returns the typed view over offline sessions.
func OfflineSessions(r *Registry) Typed[models.OfflineSession, *models.OfflineSession] {
	return NewTyped[models.OfflineSession, *models.OfflineSession](r)
}

// AuditEvents returns the typed view over audit events.
func AuditEvents(r *Registry) Typed[models.AuditEvent, *models.AuditEvent] {
	return NewTyped[models.AuditEvent, *models.AuditEvent](r)
}
