// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
refresh.go - Offline Access State

RefreshToken is the stored side of a refresh chain: the id is stable,
the opaque token value rotates per the configured rotation policy, and
ObsoleteToken keeps the previous value during the reuse grace window so
mobile clients retrying a refresh do not lose the chain.

OfflineSession holds the per-(user, connector) state shared by all of
that user's clients: connector data for upstream refresh plus one
RefreshTokenRef per client.

The wire form handed to clients is JSON {"refresh_id", "token"}; see
internal/oidc.
*/

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// RefreshToken is one client's refresh chain for a (user, connector)
// pair.
type RefreshToken struct {
	Meta

	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
	Nonce    string   `json:"nonce,omitempty"`

	// Token is the current opaque secret.
	Token string `json:"token"`

	// ObsoleteToken is the previous secret, accepted during the reuse
	// grace window when rotation is on.
	ObsoleteToken string `json:"obsolete_token,omitempty"`

	Claim         Claim           `json:"claim"`
	ConnectorID   string          `json:"connector_id,omitempty"`
	ConnectorData json.RawMessage `json:"connector_data,omitempty"`

	// LastUsedAt advances on each rotation, not on grace-window reuse.
	LastUsedAt time.Time `json:"last_used_at"`
}

// Kind returns the storage kind name.
func (r *RefreshToken) Kind() string { return KindRefreshToken }

// MatchesFilter reports whether the token matches every filter entry.
func (r *RefreshToken) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := r.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		switch k {
		case "client_id":
			if r.ClientID != v {
				return false
			}
		case "connector_id":
			if r.ConnectorID != v {
				return false
			}
		}
	}
	return true
}

// HasScope reports whether scope was granted to this chain.
func (r *RefreshToken) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RefreshTokenRef is the per-client entry inside an OfflineSession.
type RefreshTokenRef struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// OfflineSession is the per-(user, connector) offline access state. At
// most one exists per pair; its id is derived from both parts.
type OfflineSession struct {
	Meta

	UserID string `json:"user_id"`
	ConnID string `json:"conn_id"`

	ConnectorData json.RawMessage `json:"connector_data,omitempty"`

	// Refresh maps client id to that client's refresh chain.
	Refresh map[string]RefreshTokenRef `json:"refresh,omitempty"`
}

// OfflineSessionID derives the storage id for a (user, connector) pair.
func OfflineSessionID(userID, connID string) string {
	return userID + "|" + connID
}

// Kind returns the storage kind name.
func (s *OfflineSession) Kind() string { return KindOfflineSession }

// MatchesFilter reports whether the session matches every filter entry.
func (s *OfflineSession) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := s.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		switch k {
		case "user_id":
			if s.UserID != v {
				return false
			}
		case "conn_id":
			if s.ConnID != v {
				return false
			}
		}
	}
	return true
}
