// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
flow.go - The Login Flow

One login attempt moves through four stages:

 1. Dispatch: /connectors/:id assigns the AuthRequest its id and
    expiry, persists it, and hands the browser to the connector.
 2. Callback / password POST: the connector produces an Identity that
    is copied onto the AuthRequest (LoggedIn = true).
 3. Approval: only when the request demands an explicit consent step,
    guarded by an HMAC over the request id.
 4. Send code: the AuthRequest is consumed (single use) and turned into
    the artifacts its response types ask for.
*/

package oidc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cimidp/cim/internal/connector"
	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/metrics"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/tokens"
)

// LoginStep tells the HTTP layer how to move the browser to the
// connector: a plain redirect, or a SAML POST-binding form.
type LoginStep struct {
	// URL is the redirect target when POST is nil.
	URL string

	// POST, when set, is rendered as an auto-submitting form.
	POST *SAMLPost
}

// SAMLPost carries the POST-binding form fields.
type SAMLPost struct {
	SSOURL      string
	SAMLRequest string
	RelayState  string
}

// Dispatch finalizes the parsed AuthRequest onto the chosen connector
// and returns the next browser step. This is the first persistence of
// the request; its id doubles as the state round-tripping through the
// connector.
func (s *Server) Dispatch(ctx context.Context, authReq *models.AuthRequest, connectorID string) (*LoginStep, error) {
	row, impl, err := s.openConnector(ctx, connectorID)
	if err != nil {
		return nil, err
	}

	authReq.ID = uuid.NewString()
	authReq.ConnectorID = connectorID
	authReq.ConnectorData = row.ConnectorData
	authReq.Expiry = s.now().Add(s.config.Expiration)
	if err := s.authRequests.Put(ctx, authReq, s.config.Expiration); err != nil {
		return nil, err
	}

	scopes := connectorScopes(authReq.Scopes)
	switch conn := impl.(type) {
	case connector.CallbackConnector:
		loginURL, err := conn.LoginURL(ctx, scopes, s.config.Issuer+"/callback", authReq.ID)
		if err != nil {
			return nil, err
		}
		return &LoginStep{URL: loginURL}, nil

	case connector.SAMLConnector:
		samlRequest, ssoURL, err := conn.POSTData(scopes, authReq.ID)
		if err != nil {
			return nil, err
		}
		return &LoginStep{POST: &SAMLPost{
			SSOURL:      ssoURL,
			SAMLRequest: samlRequest,
			RelayState:  authReq.ID,
		}}, nil

	case connector.PasswordConnector:
		return &LoginStep{URL: s.config.Issuer + "/login?state=" + url.QueryEscape(authReq.ID)}, nil

	default:
		return nil, errs.Internal(nil, "connector %q has no usable capability", connectorID)
	}
}

// loadAuthRequest fetches a live, unexpired AuthRequest by id.
func (s *Server) loadAuthRequest(ctx context.Context, id string) (*models.AuthRequest, error) {
	authReq, err := s.authRequests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if authReq.Expired(s.now()) {
		return nil, errs.New(errs.KindBadRequest, errs.CodeSessionGone, "User session has expired.")
	}
	return authReq, nil
}

// HandleCallback consumes an upstream provider's redirect: state is the
// AuthRequest id the connector echoed back.
func (s *Server) HandleCallback(ctx context.Context, state string, r *http.Request) (*models.AuthRequest, error) {
	authReq, err := s.loadAuthRequest(ctx, state)
	if err != nil {
		return nil, err
	}
	row, impl, err := s.openConnector(ctx, authReq.ConnectorID)
	if err != nil {
		return nil, err
	}
	conn, ok := impl.(connector.CallbackConnector)
	if !ok {
		return nil, errs.BadRequestf("connector %q does not handle callbacks", authReq.ConnectorID)
	}

	identity, err := conn.HandleCallback(ctx, connectorScopes(authReq.Scopes), r)
	metrics.RecordLogin(row.ConnectorType, err == nil)
	if err != nil {
		s.auditLogin(ctx, authReq, "", err)
		return nil, err
	}
	return s.finalizeLogin(ctx, authReq, impl, identity)
}

// HandleSAMLResponse consumes the IdP's POST: relayState is the
// AuthRequest id sent out with the request.
func (s *Server) HandleSAMLResponse(ctx context.Context, relayState, samlResponse string) (*models.AuthRequest, error) {
	authReq, err := s.loadAuthRequest(ctx, relayState)
	if err != nil {
		return nil, err
	}
	row, impl, err := s.openConnector(ctx, authReq.ConnectorID)
	if err != nil {
		return nil, err
	}
	conn, ok := impl.(connector.SAMLConnector)
	if !ok {
		return nil, errs.BadRequestf("connector %q does not handle SAML responses", authReq.ConnectorID)
	}

	identity, err := conn.HandlePOST(connectorScopes(authReq.Scopes), samlResponse, authReq.ID)
	metrics.RecordLogin(row.ConnectorType, err == nil)
	if err != nil {
		s.auditLogin(ctx, authReq, "", err)
		return nil, err
	}
	return s.finalizeLogin(ctx, authReq, impl, identity)
}

// LoginPassword serves the built-in login page's POST.
func (s *Server) LoginPassword(ctx context.Context, state, subject, password string) (*models.AuthRequest, error) {
	authReq, err := s.loadAuthRequest(ctx, state)
	if err != nil {
		return nil, err
	}
	row, impl, err := s.openConnector(ctx, authReq.ConnectorID)
	if err != nil {
		return nil, err
	}
	conn, ok := impl.(connector.PasswordConnector)
	if !ok {
		return nil, errs.BadRequestf("connector %q does not accept passwords", authReq.ConnectorID)
	}

	identity, err := conn.Login(ctx, connectorScopes(authReq.Scopes), subject, password)
	metrics.RecordLogin(row.ConnectorType, err == nil)
	if err != nil {
		s.auditLogin(ctx, authReq, subject, err)
		return nil, err
	}
	return s.finalizeLogin(ctx, authReq, impl, identity)
}

// finalizeLogin copies the identity onto the request, persists it, and
// upserts the offline session when the flow asked for offline access.
func (s *Server) finalizeLogin(ctx context.Context, authReq *models.AuthRequest, conn connector.Connector, identity connector.Identity) (*models.AuthRequest, error) {
	authReq.Claim = identity.Claim
	authReq.ConnectorData = identity.ConnectorData
	authReq.LoggedIn = true
	if err := s.authRequests.Put(ctx, authReq, time.Until(authReq.Expiry)); err != nil {
		return nil, err
	}

	if authReq.HasScope(ScopeOfflineAccess) && refreshEnabled(conn) {
		if err := s.upsertOfflineSession(ctx, identity.Claim.Sub, authReq.ConnectorID, identity.ConnectorData); err != nil {
			return nil, err
		}
	}

	s.auditLogin(ctx, authReq, identity.Claim.Sub, nil)
	return authReq, nil
}

// upsertOfflineSession creates or refreshes the single per-(user,
// connector) session row.
func (s *Server) upsertOfflineSession(ctx context.Context, userID, connectorID string, connectorData []byte) error {
	id := models.OfflineSessionID(userID, connectorID)
	session, err := s.offlineSessions.Get(ctx, id)
	switch {
	case errs.IsNotFound(err):
		session = &models.OfflineSession{
			Meta:          models.Meta{ID: id},
			UserID:        userID,
			ConnID:        connectorID,
			ConnectorData: connectorData,
			Refresh:       map[string]models.RefreshTokenRef{},
		}
	case err != nil:
		return err
	default:
		if len(connectorData) > 0 {
			session.ConnectorData = connectorData
		}
	}
	return s.offlineSessions.Put(ctx, session, 0)
}

// NeedsApproval reports whether the flow must pass the consent page
// before the code is sent.
func (s *Server) NeedsApproval(authReq *models.AuthRequest) bool {
	return authReq.ForceApprovalPrompt
}

// ApprovalURL builds the consent-page redirect, binding the request id
// with an HMAC so the page POST cannot be forged for another request.
func (s *Server) ApprovalURL(authReq *models.AuthRequest) string {
	return s.config.Issuer + "/approval?req=" + url.QueryEscape(authReq.ID) +
		"&hmac=" + approvalMAC(authReq.HmacKey, authReq.ID)
}

// LoadApproval re-reads the AuthRequest behind a consent page hit and
// verifies its HMAC in constant time.
func (s *Server) LoadApproval(ctx context.Context, reqID, mac string) (*models.AuthRequest, error) {
	authReq, err := s.loadAuthRequest(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(approvalMAC(authReq.HmacKey, authReq.ID)), []byte(mac)) != 1 {
		return nil, errs.Unauthorizedf("invalid approval request")
	}
	return authReq, nil
}

// approvalMAC computes base64url(HMAC-SHA256(key, id)).
func approvalMAC(key []byte, id string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// SendCode consumes the finished AuthRequest and builds the client
// redirect carrying the artifacts its response types requested.
func (s *Server) SendCode(ctx context.Context, authReq *models.AuthRequest) (string, error) {
	now := s.now()
	if authReq.Expired(now) {
		return "", errs.New(errs.KindBadRequest, errs.CodeSessionGone, "User session has expired.")
	}
	if !authReq.LoggedIn {
		return "", errs.BadRequestf("login has not completed")
	}

	// Single use: consume the request before issuing anything.
	if err := s.authRequests.Delete(ctx, authReq.ID); err != nil {
		return "", err
	}

	u, err := url.Parse(authReq.RedirectURI)
	if err != nil {
		return "", errs.BadRequestf("invalid redirect URI %q: %v", authReq.RedirectURI, err)
	}

	var (
		code             *models.AuthCode
		accessToken      string
		idToken          string
		expiry           int64
		implicitOrHybrid bool
	)
	for _, responseType := range authReq.ResponseTypes {
		switch responseType {
		case models.ResponseTypeCode:
			code = &models.AuthCode{
				Meta:                models.Meta{ID: uuid.NewString()},
				ClientID:            authReq.ClientID,
				Scopes:              authReq.Scopes,
				Nonce:               authReq.Nonce,
				RedirectURI:         authReq.RedirectURI,
				CodeChallenge:       authReq.CodeChallenge,
				CodeChallengeMethod: authReq.CodeChallengeMethod,
				Claim:               authReq.Claim,
				ConnectorID:         authReq.ConnectorID,
				ConnectorData:       authReq.ConnectorData,
				Expiry:              now.Add(models.AuthCodeTTL),
			}
			if err := s.authCodes.Put(ctx, code, models.AuthCodeTTL); err != nil {
				return "", err
			}

		case models.ResponseTypeIDToken:
			implicitOrHybrid = true
			audience, err := s.validateScopes(ctx, authReq.ClientID, authReq.Scopes)
			if err != nil {
				return "", err
			}
			accessToken, idToken, expiry, err = s.mintTokenPair(ctx, authReq.Claim, authReq.Scopes,
				authReq.Nonce, authReq.ConnectorID, audience)
			if err != nil {
				return "", err
			}

		case models.ResponseTypeToken:
			implicitOrHybrid = true
			if accessToken == "" {
				audience, err := s.validateScopes(ctx, authReq.ClientID, authReq.Scopes)
				if err != nil {
					return "", err
				}
				claims := s.claimsFor(authReq.Claim, authReq.Scopes, authReq.Nonce, authReq.ConnectorID, audience)
				accessToken, expiry, err = s.tokens.Mint(ctx, claims)
				if err != nil {
					return "", err
				}
				metrics.RecordTokenIssued("access")
			}
		}
	}

	q := u.Query()
	if implicitOrHybrid {
		q.Set("access_token", accessToken)
		q.Set("token_type", "bearer")
		q.Set("state", authReq.State)
		if idToken != "" {
			q.Set("id_token", idToken)
		}
		if code != nil {
			q.Set("code", code.ID)
		} else {
			q.Set("expires_in", strconv.FormatInt(expiry-now.Unix(), 10))
		}
	} else {
		q.Set("code", code.ID)
		q.Set("state", authReq.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// mintTokenPair mints the access token and the id token bound to it
// through at_hash.
func (s *Server) mintTokenPair(ctx context.Context, claim models.Claim, scopes []string, nonce, connectorID string, audience []string) (accessToken, idToken string, expiry int64, err error) {
	accessClaims := s.claimsFor(claim, scopes, nonce, connectorID, audience)
	accessToken, _, err = s.tokens.Mint(ctx, accessClaims)
	if err != nil {
		return "", "", 0, err
	}
	metrics.RecordTokenIssued("access")

	idClaims := s.claimsFor(claim, scopes, nonce, connectorID, audience)
	idClaims.AccessToken = accessToken
	idToken, expiry, err = s.tokens.Mint(ctx, idClaims)
	if err != nil {
		return "", "", 0, err
	}
	metrics.RecordTokenIssued("id")
	return accessToken, idToken, expiry, nil
}

// claimsFor builds token claims from the user's claim bundle, releasing
// only the claims the requested scopes cover.
func (s *Server) claimsFor(claim models.Claim, scopes []string, nonce, connectorID string, audience []string) *tokens.Claims {
	c := &tokens.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  claim.Sub,
			Audience: jwt.ClaimStrings(audience),
		},
		Nonce: nonce,
	}
	for _, scope := range scopes {
		switch scope {
		case ScopeEmail:
			c.Email = claim.Email
			c.EmailVerified = claim.EmailVerified
		case ScopeProfile:
			c.Name = claim.Name
			c.PreferredUsername = claim.PreferredUsername
			c.Picture = claim.Picture
			c.Locale = claim.Locale
			c.PhoneNumber = claim.PhoneNumber
		case ScopeGroups:
			c.Groups = claim.Groups
		case ScopeFederatedID:
			c.FederatedID = &tokens.FederatedID{ConnectorID: connectorID, UserID: claim.Sub}
		}
	}
	return c
}

// auditLogin records a login attempt's outcome.
func (s *Server) auditLogin(ctx context.Context, authReq *models.AuthRequest, subject string, err error) {
	outcome := models.AuditOutcomeAllow
	code := ""
	if err != nil {
		outcome = models.AuditOutcomeDeny
		code = errs.CodeOf(err)
	}
	s.record(ctx, &models.AuditEvent{
		Subject:  subject,
		Action:   "login",
		Resource: authReq.ConnectorID,
		Outcome:  outcome,
		Code:     code,
	})
}
