// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
token.go - Token Endpoint Grants

POST /token dispatches on grant_type:

  - authorization_code: redeem a single-use code, with PKCE when the
    flow started with a code challenge
  - refresh_token: advance a refresh chain per the rotation policy
  - password: resource-owner credentials through the password connector

Every grant authenticates the client first; secrets compare in constant
time.
*/

package oidc

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"github.com/cimidp/cim/internal/connector"
	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/metrics"
	"github.com/cimidp/cim/internal/models"
)

// Grant type values accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypePassword          = "password"
)

// TokenResponse is the JSON body of a successful grant.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	IDToken      string   `json:"id_token,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// AuthenticateClient verifies the client credentials in constant time.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*models.Client, error) {
	invalid := errs.New(errs.KindUnauthorized, errs.CodeInvalidClient, "invalid client credentials")

	client, err := s.clients.Get(ctx, clientID)
	if errs.IsNotFound(err) {
		// Burn a comparison anyway so unknown ids take as long as bad
		// secrets.
		subtle.ConstantTimeCompare([]byte(clientSecret), []byte(clientSecret))
		return nil, invalid
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(client.Secret), []byte(clientSecret)) != 1 {
		return nil, invalid
	}
	return client, nil
}

// ExchangeCode implements the authorization_code grant.
func (s *Server) ExchangeCode(ctx context.Context, client *models.Client, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	resp, subject, err := s.exchangeCode(ctx, client, code, redirectURI, codeVerifier)
	metrics.RecordGrant(GrantTypeAuthorizationCode, err)
	s.auditGrant(ctx, GrantTypeAuthorizationCode, client.ID, subject, err)
	return resp, err
}

func (s *Server) exchangeCode(ctx context.Context, client *models.Client, code, redirectURI, codeVerifier string) (*TokenResponse, string, error) {
	invalidCode := errs.New(errs.KindBadRequest, errs.CodeInvalidGrant, "invalid or expired authorization code")

	authCode, err := s.authCodes.Get(ctx, code)
	if errs.IsNotFound(err) {
		return nil, "", invalidCode
	}
	if err != nil {
		return nil, "", err
	}
	subject := authCode.Claim.Sub
	if authCode.Expired(s.now()) {
		return nil, subject, invalidCode
	}
	if authCode.ClientID != client.ID {
		return nil, subject, invalidCode
	}
	if authCode.RedirectURI != redirectURI {
		return nil, subject, errs.New(errs.KindBadRequest, errs.CodeInvalidGrant,
			"redirect_uri does not match the authorization request")
	}
	if err := verifyPKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		return nil, subject, err
	}

	// Single use: the code is gone whether or not minting succeeds.
	if err := s.authCodes.Delete(ctx, authCode.ID); err != nil {
		return nil, subject, err
	}

	audience, err := s.validateScopes(ctx, client.ID, authCode.Scopes)
	if err != nil {
		return nil, subject, err
	}
	accessToken, idToken, expiry, err := s.mintTokenPair(ctx, authCode.Claim, authCode.Scopes,
		authCode.Nonce, authCode.ConnectorID, audience)
	if err != nil {
		return nil, subject, err
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresIn:   expiry - s.now().Unix(),
		IDToken:     idToken,
		Scopes:      authCode.Scopes,
	}

	if hasScope(authCode.Scopes, ScopeOfflineAccess) {
		_, impl, err := s.openConnector(ctx, authCode.ConnectorID)
		if err != nil {
			return nil, subject, err
		}
		if refreshEnabled(impl) {
			wire, err := s.newRefreshToken(ctx, client.ID, authCode.Scopes, authCode.Nonce,
				authCode.Claim, authCode.ConnectorID, authCode.ConnectorData)
			if err != nil {
				return nil, subject, err
			}
			resp.RefreshToken = wire
		}
	}
	return resp, subject, nil
}

// verifyPKCE checks the code verifier against the stored challenge.
// A challenge without a verifier and a verifier without a challenge
// both fail.
func verifyPKCE(challenge, method, verifier string) error {
	switch {
	case challenge == "" && verifier == "":
		return nil
	case challenge != "" && verifier == "":
		return errs.New(errs.KindBadRequest, errs.CodePKCE,
			"code_verifier is required for this authorization code")
	case challenge == "" && verifier != "":
		return errs.New(errs.KindBadRequest, errs.CodePKCE,
			"code_verifier was provided but the authorization request had no code_challenge")
	}

	computed := verifier
	if method == models.CodeChallengeS256 {
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return errs.New(errs.KindBadRequest, errs.CodePKCE, "code_verifier does not match the challenge")
	}
	return nil
}

// PasswordGrant implements the resource-owner password grant through
// the installation's password connector.
func (s *Server) PasswordGrant(ctx context.Context, client *models.Client, username, password, scope, nonce string) (*TokenResponse, error) {
	resp, err := s.passwordGrant(ctx, client, username, password, scope, nonce)
	metrics.RecordGrant(GrantTypePassword, err)
	s.auditGrant(ctx, GrantTypePassword, client.ID, username, err)
	return resp, err
}

func (s *Server) passwordGrant(ctx context.Context, client *models.Client, username, password, scope, nonce string) (*TokenResponse, error) {
	scopes := parseScopeParam(scope)
	audience, err := s.validateScopes(ctx, client.ID, scopes)
	if err != nil {
		return nil, err
	}

	connectorID, conn, err := s.passwordConnector(ctx)
	if err != nil {
		return nil, err
	}
	identity, err := conn.Login(ctx, connectorScopes(scopes), username, password)
	metrics.RecordLogin(models.ConnectorTypeLocal, err == nil)
	if err != nil {
		return nil, err
	}

	accessToken, idToken, expiry, err := s.mintTokenPair(ctx, identity.Claim, scopes, nonce, connectorID, audience)
	if err != nil {
		return nil, err
	}
	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresIn:   expiry - s.now().Unix(),
		IDToken:     idToken,
		Scopes:      scopes,
	}

	if hasScope(scopes, ScopeOfflineAccess) && conn.RefreshEnabled() {
		if err := s.upsertOfflineSession(ctx, identity.Claim.Sub, connectorID, identity.ConnectorData); err != nil {
			return nil, err
		}
		wire, err := s.newRefreshToken(ctx, client.ID, scopes, nonce, identity.Claim, connectorID, identity.ConnectorData)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = wire
	}
	return resp, nil
}

// passwordConnector finds the installation's password connector row.
func (s *Server) passwordConnector(ctx context.Context) (string, connector.PasswordConnector, error) {
	for _, connectorType := range []string{models.ConnectorTypeLocal, models.ConnectorTypeCim} {
		list, err := s.connectors.List(ctx, models.ListOpts{
			Filter:       map[string]string{"connector_type": connectorType},
			CountDisable: true,
		})
		if err != nil {
			return "", nil, err
		}
		for _, row := range list.Data {
			impl, err := s.opener.Open(ctx, row)
			if err != nil {
				return "", nil, err
			}
			if conn, ok := impl.(connector.PasswordConnector); ok {
				return row.ID, conn, nil
			}
		}
	}
	return "", nil, errs.BadRequestf("no password connector is configured")
}

// hasScope reports whether scope appears in scopes.
func hasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
