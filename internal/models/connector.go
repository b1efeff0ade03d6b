// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package models

import "github.com/goccy/go-json"

// Connector type names. The registry in internal/connector maps these to
// implementations.
const (
	// ConnectorTypeCim is the built-in password connector backed by the
	// user store.
	ConnectorTypeCim = "cim"

	// ConnectorTypeLocal is an alias accepted for the built-in password
	// connector.
	ConnectorTypeLocal = "local"

	// ConnectorTypeMockCallback is a callback connector that always
	// returns a fixed identity, for tests and demos.
	ConnectorTypeMockCallback = "mockCallback"

	// ConnectorTypeOIDC authenticates against an upstream OIDC provider.
	ConnectorTypeOIDC = "oidc"

	// ConnectorTypeSAML authenticates via the SAML 2.0 POST binding.
	ConnectorTypeSAML = "saml"
)

// Connector is a configured identity backend. Config is opaque JSON
// interpreted by the selected implementation; ConnectorData is opaque
// per-session state threaded back through refresh.
type Connector struct {
	Meta

	ConnectorType   string `json:"connector_type"`
	Name            string `json:"name,omitempty"`
	ResponseVersion string `json:"response_version,omitempty"`

	Config        json.RawMessage `json:"config,omitempty"`
	ConnectorData json.RawMessage `json:"connector_data,omitempty"`
}

// Kind returns the storage kind name.
func (c *Connector) Kind() string { return KindConnector }

// MatchesFilter reports whether the connector matches every filter entry.
func (c *Connector) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := c.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		switch k {
		case "connector_type":
			if c.ConnectorType != v {
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
