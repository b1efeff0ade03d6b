// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cimidp/cim/internal/models"
)

// ErrNotFound is returned by backends for absent rows. The Registry
// converts it to the typed NotFound error at the public surface.
var ErrNotFound = errors.New("not found")

// ErrKeysConflict reports that another instance updated the signing key
// singleton concurrently. Callers treat it as benign.
var ErrKeysConflict = errors.New("keys already rotated by another server instance")

// KeysUpdater transforms the current Keys singleton inside an atomic
// update. found is false when no singleton exists yet; returning an
// error aborts the update.
type KeysUpdater func(old *models.Keys, found bool) (*models.Keys, error)

// Backend stores raw rows addressed by (kind, id). Implementations do
// not interpret soft-delete markers beyond persisting them; Get returns
// deleted rows as stored. List and Count exclude soft-deleted rows
// unless asked otherwise, and both order and page per ListOpts with
// created_at descending.
type Backend interface {
	// Put upserts the row. A positive ttl marks the row expired once
	// the wall clock passes now+ttl; expired rows behave as absent.
	Put(ctx context.Context, obj models.Object, ttl time.Duration) error

	// Get loads the row with the given id into out, selecting the table
	// by out's kind. Returns ErrNotFound (possibly wrapped) when absent
	// or expired.
	Get(ctx context.Context, out models.Object, id string) error

	// List returns the page of live rows matching opts.
	List(ctx context.Context, kind string, opts models.ListOpts) ([]models.Object, error)

	// Count returns the number of rows matching the filter. unscoped
	// includes soft-deleted rows.
	Count(ctx context.Context, kind string, opts models.ListOpts, unscoped bool) (int64, error)

	// UpdateKeys runs updater atomically against the Keys singleton.
	// Concurrent conflicting updates fail with ErrKeysConflict.
	UpdateKeys(ctx context.Context, updater KeysUpdater) error

	// Close releases backend resources.
	Close() error
}

// NewObject constructs an empty instance of the given kind for backends
// to decode into.
func NewObject(kind string) (models.Object, error) {
	switch kind {
	case models.KindUser:
		return &models.User{}, nil
	case models.KindGroup:
		return &models.Group{}, nil
	case models.KindGroupUser:
		return &models.GroupUser{}, nil
	case models.KindRole:
		return &models.Role{}, nil
	case models.KindRoleBinding:
		return &models.RoleBinding{}, nil
	case models.KindPolicy:
		return &models.Policy{}, nil
	case models.KindPolicyBinding:
		return &models.PolicyBinding{}, nil
	case models.KindClient:
		return &models.Client{}, nil
	case models.KindConnector:
		return &models.Connector{}, nil
	case models.KindAuthRequest:
		return &models.AuthRequest{}, nil
	case models.KindAuthCode:
		return &models.AuthCode{}, nil
	case models.KindRefreshToken:
		return &models.RefreshToken{}, nil
	case models.KindOfflineSession:
		return &models.OfflineSession{}, nil
	case models.KindKeys:
		return &models.Keys{}, nil
	case models.KindAuditEvent:
		return &models.AuditEvent{}, nil
	default:
		return nil, fmt.Errorf("unknown storage kind %q", kind)
	}
}
