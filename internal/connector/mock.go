// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package connector

import (
	"context"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
)

// MockCallbackConfig configures the mock callback connector. All
// fields are optional; zero values select a fixed test identity.
type MockCallbackConfig struct {
	// Identity overrides the returned claim set.
	Identity *models.Claim `json:"identity,omitempty"`

	// ConnectorData is returned verbatim with the identity.
	ConnectorData json.RawMessage `json:"connector_data,omitempty"`
}

// MockCallback is a callback connector that skips the upstream
// round-trip entirely: its login URL points straight back at the
// callback endpoint and every callback yields the configured identity.
// Used in tests and demo setups.
type MockCallback struct {
	identity Identity
}

// openMockCallback builds the mock from its optional config.
func openMockCallback(raw json.RawMessage) (*MockCallback, error) {
	cfg := MockCallbackConfig{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errs.BadRequestf("invalid mockCallback connector config: %v", err)
		}
	}

	claim := models.Claim{
		Sub:           "mock-user",
		Name:          "Mock User",
		Email:         "mock@example.com",
		EmailVerified: true,
	}
	if cfg.Identity != nil {
		claim = *cfg.Identity
	}
	return &MockCallback{identity: Identity{Claim: claim, ConnectorData: cfg.ConnectorData}}, nil
}

func (m *MockCallback) isConnector() {}

// LoginURL short-circuits to the callback endpoint with the state
// attached, as an upstream provider would redirect back.
func (m *MockCallback) LoginURL(_ context.Context, _ Scopes, callbackURL, state string) (string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", errs.BadRequestf("invalid callback URL %q: %v", callbackURL, err)
	}
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HandleCallback returns the configured identity unconditionally.
func (m *MockCallback) HandleCallback(context.Context, Scopes, *http.Request) (Identity, error) {
	return m.identity, nil
}

// Refresh returns the configured identity, making the mock usable in
// offline_access flows.
func (m *MockCallback) Refresh(context.Context, Scopes, Identity) (Identity, error) {
	return m.identity, nil
}
