// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package models

import (
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// KeysID is the fixed id of the per-install Keys singleton.
const KeysID = "openid-connect-keys"

// VerificationKey is a public key published via JWKS until its expiry.
type VerificationKey struct {
	PublicKey *jose.JSONWebKey `json:"public_key"`
	Expiry    time.Time        `json:"expiry"`
}

// Keys is the signing key state singleton. SigningKeyPub is always the
// first entry of VerificationKeys and remains listed until its expiry,
// so tokens signed just before a rotation stay verifiable.
type Keys struct {
	Meta

	SigningKey    *jose.JSONWebKey `json:"signing_key"`
	SigningKeyPub *jose.JSONWebKey `json:"signing_key_pub"`

	VerificationKeys []VerificationKey `json:"verification_keys"`

	// NextRotation gates rotation; advancing it is guarded by
	// optimistic concurrency so only one instance rotates.
	NextRotation time.Time `json:"next_rotation"`
}

// Kind returns the storage kind name.
func (k *Keys) Kind() string { return KindKeys }

// MatchesFilter reports whether the singleton matches every filter entry.
func (k *Keys) MatchesFilter(filter map[string]string) bool {
	for key, v := range filter {
		if ok, handled := k.matchMeta(key, v); handled && !ok {
			return false
		}
	}
	return true
}
