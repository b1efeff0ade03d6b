// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package oidc

import (
	"context"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
)

// AuthRequestInput is the raw query of GET /authorize.
type AuthRequestInput struct {
	ClientID            string `json:"client_id" validate:"required"`
	ResponseType        string `json:"response_type" validate:"required"`
	Scope               string `json:"scope" validate:"required"`
	RedirectURI         string `json:"redirect_uri" validate:"required"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	State               string `json:"state,omitempty"`
	ForceApprovalPrompt bool   `json:"force_approval_prompt,omitempty"`
}

// ParseAuthRequest validates in against the client registration and
// produces the unsaved AuthRequest for the flow. The id stays empty
// until the request is dispatched to a connector.
func (s *Server) ParseAuthRequest(ctx context.Context, in *AuthRequestInput) (*models.AuthRequest, error) {
	scopes := parseScopeParam(in.Scope)
	if _, err := s.validateScopes(ctx, in.ClientID, scopes); err != nil {
		return nil, err
	}

	responseTypes := parseScopeParam(in.ResponseType)
	if len(responseTypes) == 0 {
		return nil, errs.BadRequestf("response_type is required")
	}
	hasCode, hasToken, hasIDToken := false, false, false
	for _, rt := range responseTypes {
		switch rt {
		case models.ResponseTypeCode:
			hasCode = true
		case models.ResponseTypeToken:
			hasToken = true
		case models.ResponseTypeIDToken:
			hasIDToken = true
		default:
			return nil, errs.BadRequestf("invalid response type %q", rt)
		}
	}
	if hasToken && !hasCode && !hasIDToken {
		return nil, errs.BadRequestf(`response type "token" must be accompanied by "code" or "id_token"`)
	}
	if !hasCode && in.Nonce == "" {
		return nil, errs.BadRequestf(`response type "token" requires a nonce`)
	}

	method := in.CodeChallengeMethod
	switch method {
	case "":
		method = models.CodeChallengePlain
	case models.CodeChallengePlain, models.CodeChallengeS256:
	default:
		return nil, errs.New(errs.KindBadRequest, errs.CodePKCE,
			"invalid code_challenge_method %q", method)
	}

	client, err := s.clients.Get(ctx, in.ClientID)
	if errs.IsNotFound(err) {
		return nil, errs.BadRequestf("unknown client %q", in.ClientID)
	}
	if err != nil {
		return nil, err
	}
	if !client.ValidRedirectURI(in.RedirectURI) {
		return nil, errs.BadRequestf("redirect URI %q is not registered for client %q", in.RedirectURI, in.ClientID)
	}

	return &models.AuthRequest{
		ClientID:            in.ClientID,
		ResponseTypes:       responseTypes,
		Scopes:              scopes,
		RedirectURI:         in.RedirectURI,
		CodeChallenge:       in.CodeChallenge,
		CodeChallengeMethod: method,
		Nonce:               in.Nonce,
		State:               in.State,
		HmacKey:             models.NewHMACKey(),
		ForceApprovalPrompt: in.ForceApprovalPrompt,
	}, nil
}
