// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
refresh.go - Refresh Chains and Rotation

The refresh token handed to clients is the JSON wire form
{"refresh_id","token"}: the id addresses the stored chain, the token is
the rotating opaque secret. Rotation policy:

  - rotation on, inside the reuse window: the current token or the
    saved obsolete token is accepted; the current token is re-emitted
    and last_used_at stands still, so mobile clients retrying a refresh
    do not break the chain
  - rotation on, outside the window: only the current token is
    accepted; it becomes the obsolete token, a fresh secret is minted,
    last_used_at advances
  - rotation off: no obsolete token is tracked; inside the window the
    current token is reused silently, outside it a fresh secret is
    minted

One chain exists per (user, connector, client): creation is idempotent
through the offline session's per-client map.
*/

package oidc

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/cimidp/cim/internal/connector"
	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/metrics"
	"github.com/cimidp/cim/internal/models"
)

// refreshTokenWire is the client-visible refresh token form.
type refreshTokenWire struct {
	RefreshID string `json:"refresh_id"`
	Token     string `json:"token"`
}

// marshalRefreshToken encodes the wire form.
func marshalRefreshToken(refreshID, token string) (string, error) {
	raw, err := json.Marshal(refreshTokenWire{RefreshID: refreshID, Token: token})
	if err != nil {
		return "", errs.Internal(err, "encoding refresh token")
	}
	return string(raw), nil
}

// parseRefreshToken decodes the wire form handed back by a client.
func parseRefreshToken(raw string) (*refreshTokenWire, error) {
	var wire refreshTokenWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil || wire.RefreshID == "" || wire.Token == "" {
		return nil, errs.New(errs.KindBadRequest, errs.CodeInvalidGrant, "malformed refresh token")
	}
	return &wire, nil
}

// newRefreshToken creates a refresh chain for (claim.sub, connectorID,
// clientID) and registers it in the offline session. When the session
// already tracks a chain for this client, the fresh chain is discarded
// and the existing one is returned.
func (s *Server) newRefreshToken(ctx context.Context, clientID string, scopes []string, nonce string,
	claim models.Claim, connectorID string, connectorData []byte) (string, error) {
	now := s.now()
	rt := &models.RefreshToken{
		ClientID:      clientID,
		Scopes:        scopes,
		Nonce:         nonce,
		Token:         uuid.NewString(),
		Claim:         claim,
		ConnectorID:   connectorID,
		ConnectorData: connectorData,
		LastUsedAt:    now,
	}
	if err := s.refreshTokens.Put(ctx, rt, 0); err != nil {
		return "", err
	}

	sessionID := models.OfflineSessionID(claim.Sub, connectorID)
	session, err := s.offlineSessions.Get(ctx, sessionID)
	if errs.IsNotFound(err) {
		return "", errs.NotFoundf("offline session for user %q on connector %q not found", claim.Sub, connectorID)
	}
	if err != nil {
		return "", err
	}

	if existing, ok := session.Refresh[clientID]; ok {
		// One chain per (user, connector, client): drop the fresh row
		// and hand back the established chain.
		if err := s.refreshTokens.Delete(ctx, rt.ID); err != nil {
			return "", err
		}
		prior, err := s.refreshTokens.Get(ctx, existing.ID)
		if err != nil {
			return "", err
		}
		return marshalRefreshToken(prior.ID, prior.Token)
	}

	if session.Refresh == nil {
		session.Refresh = map[string]models.RefreshTokenRef{}
	}
	session.Refresh[clientID] = models.RefreshTokenRef{
		ID:         rt.ID,
		ClientID:   clientID,
		CreatedAt:  rt.CreatedAt,
		LastUsedAt: now,
	}
	if err := s.offlineSessions.Put(ctx, session, 0); err != nil {
		return "", err
	}
	return marshalRefreshToken(rt.ID, rt.Token)
}

// Refresh implements the refresh_token grant.
func (s *Server) Refresh(ctx context.Context, client *models.Client, rawToken, scope string) (*TokenResponse, error) {
	resp, subject, err := s.refresh(ctx, client, rawToken, scope)
	metrics.RecordGrant(GrantTypeRefreshToken, err)
	s.auditGrant(ctx, GrantTypeRefreshToken, client.ID, subject, err)
	return resp, err
}

func (s *Server) refresh(ctx context.Context, client *models.Client, rawToken, scope string) (*TokenResponse, string, error) {
	wire, err := parseRefreshToken(rawToken)
	if err != nil {
		return nil, "", err
	}

	rt, err := s.refreshTokens.Get(ctx, wire.RefreshID)
	if errs.IsNotFound(err) {
		return nil, "", errs.New(errs.KindBadRequest, errs.CodeInvalidGrant, "invalid refresh token")
	}
	if err != nil {
		return nil, "", err
	}
	subject := rt.Claim.Sub
	if rt.ClientID != client.ID {
		return nil, subject, errs.New(errs.KindBadRequest, errs.CodeInvalidGrant, "invalid refresh token")
	}

	now := s.now()
	if s.config.AbsoluteLifetime > 0 && now.After(rt.CreatedAt.Add(s.config.AbsoluteLifetime)) {
		return nil, subject, errs.New(errs.KindBadRequest, errs.CodeInvalidGrant, "refresh token has expired")
	}
	if s.config.ValidIfNotUsedFor > 0 && now.After(rt.LastUsedAt.Add(s.config.ValidIfNotUsedFor)) {
		return nil, subject, errs.New(errs.KindBadRequest, errs.CodeInvalidGrant,
			"refresh token has expired from inactivity")
	}

	if err := s.rotateToken(rt, wire.Token, now); err != nil {
		return nil, subject, err
	}

	session, err := s.offlineSessions.Get(ctx, models.OfflineSessionID(rt.Claim.Sub, rt.ConnectorID))
	if err != nil {
		return nil, subject, err
	}

	// Scope narrowing: the client may ask for a subset of the chain's
	// scopes but never for more.
	scopes := rt.Scopes
	if requested := parseScopeParam(scope); len(requested) > 0 {
		for _, sc := range requested {
			if !rt.HasScope(sc) {
				return nil, subject, errs.New(errs.KindBadRequest, errs.CodeInvalidScope,
					"requested scope %q was not granted to this refresh token", sc)
			}
		}
		scopes = requested
	}

	connectorData := rt.ConnectorData
	if len(connectorData) == 0 {
		connectorData = session.ConnectorData
	}

	_, impl, err := s.openConnector(ctx, rt.ConnectorID)
	if err != nil {
		return nil, subject, err
	}
	identity, err := refreshIdentity(ctx, impl, connectorScopes(scopes),
		connector.Identity{Claim: rt.Claim, ConnectorData: connectorData})
	if err != nil {
		return nil, subject, err
	}
	rt.Claim = identity.Claim
	if len(identity.ConnectorData) > 0 {
		rt.ConnectorData = identity.ConnectorData
	}

	if err := s.refreshTokens.Put(ctx, rt, 0); err != nil {
		return nil, subject, err
	}
	if session.Refresh == nil {
		session.Refresh = map[string]models.RefreshTokenRef{}
	}
	session.Refresh[client.ID] = models.RefreshTokenRef{
		ID:         rt.ID,
		ClientID:   client.ID,
		CreatedAt:  rt.CreatedAt,
		LastUsedAt: rt.LastUsedAt,
	}
	if err := s.offlineSessions.Put(ctx, session, 0); err != nil {
		return nil, subject, err
	}

	audience, err := s.validateScopes(ctx, client.ID, scopes)
	if err != nil {
		return nil, subject, err
	}
	accessToken, idToken, expiry, err := s.mintTokenPair(ctx, rt.Claim, scopes, rt.Nonce, rt.ConnectorID, audience)
	if err != nil {
		return nil, subject, err
	}

	refreshWire, err := marshalRefreshToken(rt.ID, rt.Token)
	if err != nil {
		return nil, subject, err
	}
	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		ExpiresIn:    expiry - now.Unix(),
		RefreshToken: refreshWire,
		IDToken:      idToken,
		Scopes:       scopes,
	}, subject, nil
}

// rotateToken applies the rotation policy to the presented secret,
// mutating rt in place. The caller persists the result.
func (s *Server) rotateToken(rt *models.RefreshToken, presented string, now time.Time) error {
	reused := errs.New(errs.KindBadRequest, errs.CodeRefreshReuse, "refresh token has already been used")
	withinReuseWindow := now.Before(rt.LastUsedAt.Add(s.config.ReuseInterval))

	switch {
	case s.config.RotateRefreshTokens && withinReuseWindow:
		// Grace window: a retry presenting either secret gets the
		// current one back; the window does not extend.
		if presented != rt.Token && (rt.ObsoleteToken == "" || presented != rt.ObsoleteToken) {
			return reused
		}
		return nil

	case s.config.RotateRefreshTokens:
		if presented != rt.Token {
			return reused
		}
		rt.ObsoleteToken = rt.Token
		rt.Token = uuid.NewString()
		rt.LastUsedAt = now
		return nil

	case withinReuseWindow:
		if presented != rt.Token {
			return reused
		}
		return nil

	default:
		if presented != rt.Token {
			return reused
		}
		rt.Token = uuid.NewString()
		rt.LastUsedAt = now
		return nil
	}
}
