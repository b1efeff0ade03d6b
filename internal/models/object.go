// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
object.go - Stored Object Contract

Every persisted entity kind implements the Object interface. Backends
address objects by (kind, id) and never interpret entity payloads beyond
the shared metadata.

Key Structures:
  - Object: the contract all stored kinds satisfy
  - Meta: embedded metadata (id, timestamps, soft-delete marker)
  - Kind* constants: the canonical storage names for each entity kind

Soft deletion: a live row carries an empty Deleted marker. Deleting sets
Deleted to the row's own id and stamps DeletedAt, so (id, deleted) stays
unique while listings filter to live rows only.
*/

package models

import (
	"crypto/rand"
	"encoding/base32"
	"io"
	"strings"
	"time"
)

// Storage kind names. These are also the relational table names.
const (
	KindUser           = "user"
	KindGroup          = "group"
	KindGroupUser      = "group_user"
	KindRole           = "role"
	KindRoleBinding    = "role_binding"
	KindPolicy         = "policy"
	KindPolicyBinding  = "policy_binding"
	KindClient         = "client"
	KindConnector      = "connector"
	KindAuthRequest    = "auth_request"
	KindAuthCode       = "auth_code"
	KindRefreshToken   = "refresh_token"
	KindOfflineSession = "offline_session"
	KindKeys           = "keys"
	KindAuditEvent     = "audit_event"
)

// AllKinds returns every storage kind name. The order is stable and
// used when iterating backends for setup.
func AllKinds() []string {
	return []string{
		KindUser,
		KindGroup,
		KindGroupUser,
		KindRole,
		KindRoleBinding,
		KindPolicy,
		KindPolicyBinding,
		KindClient,
		KindConnector,
		KindAuthRequest,
		KindAuthCode,
		KindRefreshToken,
		KindOfflineSession,
		KindKeys,
		KindAuditEvent,
	}
}

// Object is the contract every stored entity kind satisfies. Embedding
// Meta provides everything except Kind and MatchesFilter.
type Object interface {
	// Kind returns the storage kind name.
	Kind() string

	// GetID returns the object id.
	GetID() string

	// SetID assigns the object id.
	SetID(id string)

	// GetCreatedAt returns the creation timestamp.
	GetCreatedAt() time.Time

	// SetCreatedAt stamps the creation timestamp.
	SetCreatedAt(t time.Time)

	// GetUpdatedAt returns the last-modification timestamp.
	GetUpdatedAt() time.Time

	// SetUpdatedAt stamps the last-modification timestamp.
	SetUpdatedAt(t time.Time)

	// GetDeleted returns the soft-delete marker, empty for live rows.
	GetDeleted() string

	// GetDeletedAt returns the soft-delete timestamp, nil for live rows.
	GetDeletedAt() *time.Time

	// MarkDeleted sets the soft-delete marker and timestamp.
	MarkDeleted(at time.Time)

	// IsDeleted reports whether the object is soft-deleted.
	IsDeleted() bool

	// MatchesFilter reports whether the object matches every entry of
	// an equality filter. Filter keys that the kind does not expose are
	// ignored.
	MatchesFilter(filter map[string]string) bool
}

// Meta carries the metadata columns shared by every entity kind.
type Meta struct {
	// ID is the object identifier, unique within the kind.
	ID string `json:"id"`

	// CreatedAt is when the object was first persisted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the object was last written.
	UpdatedAt time.Time `json:"updated_at"`

	// Deleted is the soft-delete marker: empty while live, the object's
	// own id once deleted.
	Deleted string `json:"deleted,omitempty"`

	// DeletedAt is when the object was soft-deleted.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// GetID returns the object id.
func (m *Meta) GetID() string { return m.ID }

// SetID assigns the object id.
func (m *Meta) SetID(id string) { m.ID = id }

// GetCreatedAt returns the creation timestamp.
func (m *Meta) GetCreatedAt() time.Time { return m.CreatedAt }

// SetCreatedAt stamps the creation timestamp.
func (m *Meta) SetCreatedAt(t time.Time) { m.CreatedAt = t }

// GetUpdatedAt returns the last-modification timestamp.
func (m *Meta) GetUpdatedAt() time.Time { return m.UpdatedAt }

// SetUpdatedAt stamps the last-modification timestamp.
func (m *Meta) SetUpdatedAt(t time.Time) { m.UpdatedAt = t }

// GetDeleted returns the soft-delete marker, empty for live rows.
func (m *Meta) GetDeleted() string { return m.Deleted }

// GetDeletedAt returns the soft-delete timestamp, nil for live rows.
func (m *Meta) GetDeletedAt() *time.Time { return m.DeletedAt }

// MarkDeleted sets the soft-delete marker to the object's id.
func (m *Meta) MarkDeleted(at time.Time) {
	m.Deleted = m.ID
	m.DeletedAt = &at
}

// IsDeleted reports whether the object is soft-deleted.
func (m *Meta) IsDeleted() bool { return m.Deleted != "" }

// matchMeta checks one equality filter entry against the shared
// metadata fields. Returns (matched, handled): handled is false when
// the key is not a metadata field.
func (m *Meta) matchMeta(key, value string) (bool, bool) {
	switch key {
	case "id":
		return m.ID == value, true
	default:
		return false, false
	}
}

// idEncoding produces lower-case identifiers safe for URLs and log
// output.
var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

// NewID returns a random string usable as an object id.
func NewID() string {
	return newSecureID(16)
}

func newSecureID(length int) string {
	buff := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, buff); err != nil {
		panic(err)
	}
	// First character must be a letter; trim base32 padding.
	return string(buff[0]%26+'a') + strings.TrimRight(idEncoding.EncodeToString(buff[1:]), "=")
}

// NewHMACKey returns a 32-byte random key for per-request HMAC signing.
func NewHMACKey() []byte {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		panic(err)
	}
	return key
}
