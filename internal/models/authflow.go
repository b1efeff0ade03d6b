// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
authflow.go - Login Flow State

AuthRequest tracks one login attempt from /authorize through the
connector round-trip to code issuance. It is created when the flow is
dispatched to a connector, mutated at /callback, and deleted when the
code is sent (single use). AuthCode is the short-lived artifact the
client exchanges at the token endpoint, also single use.

Both kinds carry an explicit expiry checked at every use; there is no
background sweeper.
*/

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// OAuth2 response types accepted on /authorize.
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// PKCE code challenge methods.
const (
	CodeChallengePlain = "plain"
	CodeChallengeS256  = "S256"
)

// AuthCodeTTL is the lifetime of an issued authorization code.
const AuthCodeTTL = 30 * time.Minute

// AuthRequest is the server-side state of one login attempt.
type AuthRequest struct {
	Meta

	ClientID      string   `json:"client_id"`
	ResponseTypes []string `json:"response_types"`
	Scopes        []string `json:"scopes"`
	RedirectURI   string   `json:"redirect_uri"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	Nonce string `json:"nonce,omitempty"`
	State string `json:"state,omitempty"`

	// HmacKey signs the approval-page request id.
	HmacKey []byte `json:"hmac_key,omitempty"`

	ForceApprovalPrompt bool `json:"force_approval_prompt,omitempty"`

	// LoggedIn flips to true once the connector has produced an
	// identity.
	LoggedIn bool `json:"logged_in,omitempty"`

	Claim         Claim           `json:"claim"`
	ConnectorID   string          `json:"connector_id,omitempty"`
	ConnectorData json.RawMessage `json:"connector_data,omitempty"`

	// Expiry is checked at every use of the request.
	Expiry time.Time `json:"expiry"`
}

// Kind returns the storage kind name.
func (a *AuthRequest) Kind() string { return KindAuthRequest }

// MatchesFilter reports whether the request matches every filter entry.
func (a *AuthRequest) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := a.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		switch k {
		case "client_id":
			if a.ClientID != v {
				return false
			}
		case "connector_id":
			if a.ConnectorID != v {
				return false
			}
		}
	}
	return true
}

// Expired reports whether the request is past its expiry at now.
func (a *AuthRequest) Expired(now time.Time) bool {
	return now.After(a.Expiry)
}

// HasResponseType reports whether t was requested.
func (a *AuthRequest) HasResponseType(t string) bool {
	for _, rt := range a.ResponseTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// HasScope reports whether scope was requested.
func (a *AuthRequest) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuthCode is a single-use authorization code pending redemption at the
// token endpoint.
type AuthCode struct {
	Meta

	ClientID    string   `json:"client_id"`
	Scopes      []string `json:"scopes"`
	Nonce       string   `json:"nonce,omitempty"`
	RedirectURI string   `json:"redirect_uri"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	Claim         Claim           `json:"claim"`
	ConnectorID   string          `json:"connector_id,omitempty"`
	ConnectorData json.RawMessage `json:"connector_data,omitempty"`

	Expiry time.Time `json:"expiry"`
}

// Kind returns the storage kind name.
func (c *AuthCode) Kind() string { return KindAuthCode }

// MatchesFilter reports whether the code matches every filter entry.
func (c *AuthCode) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := c.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		if k == "client_id" && c.ClientID != v {
			return false
		}
	}
	return true
}

// Expired reports whether the code is past its expiry at now.
func (c *AuthCode) Expired(now time.Time) bool {
	return now.After(c.Expiry)
}
