// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package connector authenticates end users against identity backends.
//
// A Connector row in storage selects one of three capability shapes:
//
//   - PasswordConnector: subject + password prompt, served by the
//     built-in login page ("cim" / "local")
//   - CallbackConnector: browser redirect to an upstream provider and
//     back ("mockCallback", "oidc")
//   - SAMLConnector: SAML 2.0 POST binding ("saml")
//
// The protocol engine treats identities uniformly: whatever the
// connector produced becomes the claim set of the auth request, and
// the opaque ConnectorData is threaded back on refresh.
package connector

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// Identity is the result of a successful authentication.
type Identity struct {
	// Claim is the user's OIDC claim bundle.
	Claim models.Claim

	// ConnectorData is opaque per-session state the connector wants
	// back on refresh, e.g. an upstream refresh token.
	ConnectorData json.RawMessage
}

// Scopes conveys the scope-derived hints a connector may act on.
type Scopes struct {
	// OfflineAccess is set when the client requested a refresh token;
	// upstream connectors should request one of their own.
	OfflineAccess bool

	// Groups is set when the client requested the groups claim.
	Groups bool
}

// Connector is the marker interface implemented by every connector
// shape.
type Connector interface {
	isConnector()
}

// PasswordConnector authenticates a subject + password pair.
type PasswordConnector interface {
	Connector

	// Login resolves and verifies the credentials. Invalid credentials
	// fail Unauthorized; the login page re-renders on that kind.
	Login(ctx context.Context, s Scopes, subject, password string) (Identity, error)

	// Refresh re-resolves the identity for a refresh grant.
	Refresh(ctx context.Context, s Scopes, identity Identity) (Identity, error)

	// Prompt is the credential label shown on the login page.
	Prompt() string

	// RefreshEnabled reports whether refresh tokens may be issued for
	// logins through this connector.
	RefreshEnabled() bool
}

// CallbackConnector redirects the browser to an upstream provider and
// handles its callback.
type CallbackConnector interface {
	Connector

	// LoginURL builds the upstream authorization URL. state round-trips
	// through the upstream provider to relocate the auth request.
	LoginURL(ctx context.Context, s Scopes, callbackURL, state string) (string, error)

	// HandleCallback consumes the upstream redirect request.
	HandleCallback(ctx context.Context, s Scopes, r *http.Request) (Identity, error)
}

// RefreshConnector is implemented by callback connectors that can
// refresh their identities.
type RefreshConnector interface {
	// Refresh re-validates the identity against the upstream provider.
	Refresh(ctx context.Context, s Scopes, identity Identity) (Identity, error)
}

// SAMLConnector authenticates via the SAML 2.0 POST binding.
type SAMLConnector interface {
	Connector

	// POSTData returns the base64 SAML authentication request and the
	// IdP SSO URL to POST it to.
	POSTData(s Scopes, requestID string) (samlRequest, ssoURL string, err error)

	// HandlePOST consumes the IdP's SAMLResponse form value.
	HandlePOST(s Scopes, samlResponse, inResponseTo string) (Identity, error)
}

// Opener constructs connector implementations from stored Connector
// rows.
type Opener struct {
	users storage.Typed[models.User, *models.User]
}

// NewOpener creates an opener over the store registry. The user store
// backs the built-in password connector.
func NewOpener(reg *storage.Registry) *Opener {
	return &Opener{users: storage.Users(reg)}
}

// Open instantiates the implementation selected by c.ConnectorType,
// interpreting c.Config per type.
func (o *Opener) Open(ctx context.Context, c *models.Connector) (Connector, error) {
	switch c.ConnectorType {
	case models.ConnectorTypeCim, models.ConnectorTypeLocal:
		return NewPassword(o.users), nil

	case models.ConnectorTypeMockCallback:
		return openMockCallback(c.Config)

	case models.ConnectorTypeOIDC:
		return openOIDC(ctx, c.Config)

	case models.ConnectorTypeSAML:
		return openSAML(c.Config)

	default:
		return nil, errs.BadRequestf("unknown connector type %q", c.ConnectorType)
	}
}

// decodeConfig unmarshals a connector's opaque config into out.
func decodeConfig(raw json.RawMessage, out any, connectorType string) error {
	if len(raw) == 0 {
		return errs.BadRequestf("%s connector requires a config", connectorType)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.BadRequestf("invalid %s connector config: %v", connectorType, err)
	}
	return nil
}
