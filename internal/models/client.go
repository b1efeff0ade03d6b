// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package models

import (
	"net"
	"net/url"
)

// Client is a registered OAuth2 relying party. A client with neither an
// account nor registered redirect URIs is implicitly "public localhost":
// it may redirect to any http://localhost URI, which covers desktop and
// CLI apps that bind an ephemeral local port.
type Client struct {
	Meta

	// Secret authenticates the client at the token endpoint.
	Secret string `json:"secret,omitempty"`

	// RedirectURIs are the exact redirect targets accepted for this
	// client.
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// TrustedPeers lists client ids allowed to request cross-client
	// audience scopes naming this client.
	TrustedPeers []string `json:"trusted_peers,omitempty"`

	Name    string `json:"name,omitempty"`
	LogoURL string `json:"logo_url,omitempty"`

	AccountID string `json:"account_id,omitempty"`
}

// Kind returns the storage kind name.
func (c *Client) Kind() string { return KindClient }

// MatchesFilter reports whether the client matches every filter entry.
func (c *Client) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := c.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		switch k {
		case "account_id":
			if c.AccountID != v {
				return false
			}
		case "name":
			if c.Name != v {
				return false
			}
		}
	}
	return true
}

// IsPublicLocalhost reports whether the client falls under the implicit
// localhost redirect rule.
func (c *Client) IsPublicLocalhost() bool {
	return c.AccountID == "" && len(c.RedirectURIs) == 0
}

// ValidRedirectURI reports whether redirectURI is acceptable for this
// client: an exact match against the registered URIs, or any
// http://localhost URI for public-localhost clients.
func (c *Client) ValidRedirectURI(redirectURI string) bool {
	for _, uri := range c.RedirectURIs {
		if redirectURI == uri {
			return true
		}
	}
	if !c.IsPublicLocalhost() {
		return false
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	if u.Scheme != "http" {
		return false
	}
	if u.Host == "localhost" {
		return true
	}
	host, _, err := net.SplitHostPort(u.Host)
	return err == nil && host == "localhost"
}

// TrustsPeer reports whether clientID is listed as a trusted peer,
// allowing it to request audience scopes naming this client.
func (c *Client) TrustsPeer(clientID string) bool {
	for _, p := range c.TrustedPeers {
		if p == clientID {
			return true
		}
	}
	return false
}
