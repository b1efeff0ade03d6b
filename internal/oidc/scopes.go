// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package oidc

import (
	"context"
	"strings"

	"github.com/cimidp/cim/internal/connector"
	"github.com/cimidp/cim/internal/errs"
)

// Recognized scope names.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
	ScopeEmail         = "email"
	ScopeProfile       = "profile"
	ScopeGroups        = "groups"
	ScopeFederatedID   = "federated:id"

	// ScopeCrossClientPrefix prefixes audience scopes naming a peer
	// client. The bare prefix with an empty peer id is invalid.
	ScopeCrossClientPrefix = "audience:server:client_id:"
)

// validateScopes checks the requested scopes for the given client and
// returns the token audience list. openid is mandatory; unknown scopes
// and unauthorized cross-client peers fail BadRequest. The audience
// defaults to the requesting client when no cross-client peer was
// added.
func (s *Server) validateScopes(ctx context.Context, clientID string, scopes []string) ([]string, error) {
	hasOpenID := false
	var unrecognized []string
	var invalidPeers []string
	var audience []string

	for _, scope := range scopes {
		switch scope {
		case ScopeOpenID:
			hasOpenID = true
		case ScopeOfflineAccess, ScopeEmail, ScopeProfile, ScopeGroups, ScopeFederatedID:
		default:
			if !strings.HasPrefix(scope, ScopeCrossClientPrefix) {
				unrecognized = append(unrecognized, scope)
				continue
			}
			peerID := strings.TrimPrefix(scope, ScopeCrossClientPrefix)
			if peerID == "" {
				invalidPeers = append(invalidPeers, scope)
				continue
			}
			if peerID == clientID {
				audience = appendUnique(audience, peerID)
				continue
			}
			peer, err := s.clients.Get(ctx, peerID)
			if errs.IsNotFound(err) {
				invalidPeers = append(invalidPeers, scope)
				continue
			}
			if err != nil {
				return nil, err
			}
			if !peer.TrustsPeer(clientID) {
				invalidPeers = append(invalidPeers, scope)
				continue
			}
			audience = appendUnique(audience, peerID)
		}
	}

	if len(unrecognized) > 0 {
		return nil, errs.New(errs.KindBadRequest, errs.CodeInvalidScope,
			"Unrecognized scope(s) %q", unrecognized)
	}
	if len(invalidPeers) > 0 {
		return nil, errs.New(errs.KindBadRequest, errs.CodeInvalidScope,
			"Client %q cannot request scope(s) %q", clientID, invalidPeers)
	}
	if !hasOpenID {
		return nil, errs.New(errs.KindBadRequest, errs.CodeInvalidScope,
			"Missing required scope(s) %q", []string{ScopeOpenID})
	}

	if len(audience) == 0 {
		audience = []string{clientID}
	}
	return audience, nil
}

// connectorScopes derives the hints handed to connectors from the
// requested scopes.
func connectorScopes(scopes []string) connector.Scopes {
	var out connector.Scopes
	for _, scope := range scopes {
		switch scope {
		case ScopeOfflineAccess:
			out.OfflineAccess = true
		case ScopeGroups:
			out.Groups = true
		}
	}
	return out
}

// parseScopeParam splits a space-separated scope parameter.
func parseScopeParam(scope string) []string {
	return strings.Fields(scope)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
