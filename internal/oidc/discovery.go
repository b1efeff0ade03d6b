// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package oidc

import "github.com/cimidp/cim/internal/models"

// Discovery is the provider metadata published at
// /.well-known/openid-configuration.
type Discovery struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`

	GrantTypesSupported               []string `json:"grant_types_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// Discovery assembles the static provider metadata.
func (s *Server) Discovery() *Discovery {
	issuer := s.config.Issuer
	return &Discovery{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/authorize",
		TokenEndpoint:         issuer + "/token",
		JWKSURI:               issuer + "/jwks",
		UserinfoEndpoint:      issuer + "/userinfo",

		GrantTypesSupported: []string{
			GrantTypeAuthorizationCode,
			GrantTypeRefreshToken,
			GrantTypePassword,
			"urn:ietf:params:oauth:grant-type:device_code",
			"urn:ietf:params:oauth:grant-type:jwt-bearer",
		},
		ResponseTypesSupported: []string{
			models.ResponseTypeCode,
			models.ResponseTypeIDToken,
			models.ResponseTypeToken,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		CodeChallengeMethodsSupported: []string{
			models.CodeChallengeS256,
			models.CodeChallengePlain,
		},
		ScopesSupported: []string{
			ScopeOpenID,
			ScopeEmail,
			ScopeProfile,
			ScopeGroups,
			ScopeOfflineAccess,
			ScopeFederatedID,
		},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "client_secret_basic"},
		ClaimsSupported: []string{
			"sub", "aud", "iss", "exp", "iat", "nonce", "at_hash",
			"email", "email_verified", "name", "preferred_username",
			"picture", "locale", "phone_number", "groups",
		},
	}
}
