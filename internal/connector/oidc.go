// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package connector

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
)

// upstreamTokens is the shared result type for breaker-guarded calls
// against the upstream provider.
type upstreamTokens = *oidc.Tokens[*oidc.IDTokenClaims]

// OIDCConfig configures the upstream OIDC connector.
type OIDCConfig struct {
	Issuer       string `json:"issuer"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`

	// Scopes defaults to openid profile email.
	Scopes []string `json:"scopes,omitempty"`

	// PKCE enables the code challenge on the upstream flow. Requires a
	// confidential client unless the provider allows public PKCE.
	PKCE bool `json:"pkce,omitempty"`
}

// oidcConnectorData is the per-session state kept for refresh.
type oidcConnectorData struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// OIDCConnector authenticates against an upstream OIDC provider using
// the certified relying-party client. Token exchanges run behind a
// circuit breaker so a failing upstream sheds load fast instead of
// stacking timeouts.
type OIDCConnector struct {
	provider rp.RelyingParty
	config   OIDCConfig
	breaker  *gobreaker.CircuitBreaker[upstreamTokens]
}

// openOIDC discovers the upstream provider and builds the connector.
func openOIDC(ctx context.Context, raw json.RawMessage) (*OIDCConnector, error) {
	var cfg OIDCConfig
	if err := decodeConfig(raw, &cfg, models.ConnectorTypeOIDC); err != nil {
		return nil, err
	}
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errs.BadRequestf("oidc connector requires issuer and client_id")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	options := []rp.Option{
		rp.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if cfg.PKCE {
		options = append(options, rp.WithPKCE(nil))
	}

	provider, err := rp.NewRelyingPartyOIDC(ctx, cfg.Issuer, cfg.ClientID, cfg.ClientSecret,
		cfg.RedirectURI, cfg.Scopes, options...)
	if err != nil {
		return nil, errs.Internal(err, "discovering upstream provider %q", cfg.Issuer)
	}

	return &OIDCConnector{
		provider: provider,
		config:   cfg,
		breaker: gobreaker.NewCircuitBreaker[upstreamTokens](gobreaker.Settings{
			Name:    "oidc-upstream:" + cfg.Issuer,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}, nil
}

func (c *OIDCConnector) isConnector() {}

// LoginURL builds the upstream authorization URL. The state is this
// provider's auth request id; the upstream echoes it back so the
// callback can relocate the flow.
func (c *OIDCConnector) LoginURL(_ context.Context, s Scopes, _, state string) (string, error) {
	var opts []rp.AuthURLOpt
	if s.OfflineAccess {
		opts = append(opts, rp.WithPrompt(oidc.PromptConsent))
	}
	return rp.AuthURL(state, c.provider, opts...), nil
}

// HandleCallback exchanges the upstream code and maps the id token
// claims onto the local claim bundle.
func (c *OIDCConnector) HandleCallback(ctx context.Context, s Scopes, r *http.Request) (Identity, error) {
	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		return Identity{}, errs.Unauthorizedf("upstream provider returned %q: %s", errParam, q.Get("error_description"))
	}
	code := q.Get("code")
	if code == "" {
		return Identity{}, errs.BadRequestf("upstream callback is missing the code parameter")
	}

	tokens, err := c.breaker.Execute(func() (upstreamTokens, error) {
		return rp.CodeExchange[*oidc.IDTokenClaims](ctx, code, c.provider)
	})
	if err != nil {
		return Identity{}, errs.Internal(err, "exchanging upstream code")
	}
	return c.identity(tokens, s)
}

// Refresh exchanges the stored upstream refresh token for fresh
// claims.
func (c *OIDCConnector) Refresh(ctx context.Context, s Scopes, identity Identity) (Identity, error) {
	var data oidcConnectorData
	if len(identity.ConnectorData) > 0 {
		if err := json.Unmarshal(identity.ConnectorData, &data); err != nil {
			return Identity{}, errs.Internal(err, "decoding upstream session state")
		}
	}
	if data.RefreshToken == "" {
		// The upstream issued no refresh token; the cached identity is
		// the best available.
		return identity, nil
	}

	tokens, err := c.breaker.Execute(func() (upstreamTokens, error) {
		return rp.RefreshTokens[*oidc.IDTokenClaims](ctx, c.provider, data.RefreshToken, "", "")
	})
	if err != nil {
		return Identity{}, errs.Unauthorizedf("upstream refresh failed: %v", err)
	}
	return c.identity(tokens, s)
}

// identity maps upstream id token claims to the local claim bundle and
// captures the upstream refresh token as connector data.
func (c *OIDCConnector) identity(tokens upstreamTokens, _ Scopes) (Identity, error) {
	claims := tokens.IDTokenClaims
	if claims == nil {
		return Identity{}, errs.Internal(nil, "upstream response is missing id token claims")
	}

	claim := models.Claim{
		Sub:                 claims.Subject,
		Name:                claims.Name,
		GivenName:           claims.GivenName,
		FamilyName:          claims.FamilyName,
		PreferredUsername:   claims.PreferredUsername,
		Picture:             claims.Picture,
		Email:               claims.Email,
		EmailVerified:       bool(claims.EmailVerified),
		PhoneNumber:         claims.PhoneNumber,
		PhoneNumberVerified: bool(claims.PhoneNumberVerified),
	}
	if claims.Locale != nil {
		claim.Locale = claims.Locale.String()
	}

	var connectorData json.RawMessage
	if tokens.RefreshToken != "" {
		raw, err := json.Marshal(oidcConnectorData{RefreshToken: tokens.RefreshToken})
		if err != nil {
			return Identity{}, errs.Internal(err, "encoding upstream session state")
		}
		connectorData = raw
	}

	return Identity{Claim: claim, ConnectorData: connectorData}, nil
}
