// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package api

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/logging"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/oidc"
	"github.com/cimidp/cim/internal/storage"
	"github.com/cimidp/cim/internal/validation"
	"github.com/cimidp/cim/internal/web"
)

// jwksMinMaxAge floors the /jwks cache lifetime so clients do not
// hammer the endpoint when rotation is imminent.
const jwksMinMaxAge = 2 * time.Minute

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Discovery())
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, nextRotation, err := s.rotator.JWKS(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	maxAge := time.Until(nextRotation)
	if maxAge < jwksMinMaxAge {
		maxAge = jwksMinMaxAge
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d, must-revalidate", int(maxAge.Seconds())))
	writeJSON(w, http.StatusOK, jwks)
}

// authInput binds the /authorize query. The same query round-trips to
// /connectors/{connector_id}, which re-parses it: no server state
// exists until a connector is chosen.
func authInput(r *http.Request) *oidc.AuthRequestInput {
	q := r.URL.Query()
	return &oidc.AuthRequestInput{
		ClientID:            q.Get("client_id"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		State:               q.Get("state"),
		ForceApprovalPrompt: q.Get("force_approval_prompt") == "true",
	}
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	in := authInput(r)
	if err := validation.Struct(in); err != nil {
		writeErr(w, r, err)
		return
	}
	if _, err := s.engine.ParseAuthRequest(r.Context(), in); err != nil {
		writeErr(w, r, err)
		return
	}

	connectorURL := func(id string) string {
		return s.config.Issuer + "/connectors/" + url.PathEscape(id) + "?" + r.URL.RawQuery
	}

	if id := r.URL.Query().Get("connector_id"); id != "" {
		http.Redirect(w, r, connectorURL(id), http.StatusFound)
		return
	}

	page, err := storage.Connectors(s.reg).List(r.Context(), models.ListOpts{CountDisable: true})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	switch len(page.Data) {
	case 0:
		writeErr(w, r, errs.NotFoundf("no connectors configured"))
	case 1:
		http.Redirect(w, r, connectorURL(page.Data[0].ID), http.StatusFound)
	default:
		data := web.PickerData{}
		for _, c := range page.Data {
			data.Connectors = append(data.Connectors, web.PickerConnector{
				ID:   c.ID,
				Name: c.Name,
				URL:  connectorURL(c.ID),
			})
		}
		s.renderPage(w, r, func() error { return s.pages.Picker(w, data) })
	}
}

func (s *Server) handleConnector(w http.ResponseWriter, r *http.Request) {
	in := authInput(r)
	if err := validation.Struct(in); err != nil {
		writeErr(w, r, err)
		return
	}
	authReq, err := s.engine.ParseAuthRequest(r.Context(), in)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	step, err := s.engine.Dispatch(r.Context(), authReq, chi.URLParam(r, "connector_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if step.POST != nil {
		s.renderPage(w, r, func() error {
			return s.pages.SAMLForm(w, web.SAMLFormData{
				SSOURL:      step.POST.SSOURL,
				SAMLRequest: step.POST.SAMLRequest,
				RelayState:  step.POST.RelayState,
			})
		})
		return
	}
	http.Redirect(w, r, step.URL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	authReq, err := s.engine.HandleCallback(r.Context(), r.URL.Query().Get("state"), r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.finishLogin(w, r, authReq)
}

func (s *Server) handleSAMLCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErr(w, r, errs.BadRequestf("invalid form body: %v", err))
		return
	}
	authReq, err := s.engine.HandleSAMLResponse(r.Context(),
		r.PostFormValue("RelayState"), r.PostFormValue("SAMLResponse"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.finishLogin(w, r, authReq)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		writeErr(w, r, errs.BadRequestf("state is required"))
		return
	}
	s.renderPage(w, r, func() error {
		return s.pages.Login(w, web.LoginData{
			PostURL: s.config.Issuer + "/login",
			State:   state,
			Prompt:  "Password",
		})
	})
}

func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErr(w, r, errs.BadRequestf("invalid form body: %v", err))
		return
	}
	state := r.PostFormValue("state")

	authReq, err := s.engine.LoginPassword(r.Context(), state,
		r.PostFormValue("login"), r.PostFormValue("password"))
	if errs.IsUnauthorized(err) {
		// Wrong credentials re-render the prompt; the session is still
		// live.
		s.renderPage(w, r, func() error {
			return s.pages.Login(w, web.LoginData{
				PostURL: s.config.Issuer + "/login",
				State:   state,
				Prompt:  "Password",
				Invalid: true,
			})
		})
		return
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.finishLogin(w, r, authReq)
}

// finishLogin moves a logged-in request to consent or straight to the
// client redirect.
func (s *Server) finishLogin(w http.ResponseWriter, r *http.Request, authReq *models.AuthRequest) {
	if s.engine.NeedsApproval(authReq) {
		http.Redirect(w, r, s.engine.ApprovalURL(authReq), http.StatusSeeOther)
		return
	}
	s.sendCode(w, r, authReq)
}

func (s *Server) sendCode(w http.ResponseWriter, r *http.Request, authReq *models.AuthRequest) {
	redirect, err := s.engine.SendCode(r.Context(), authReq)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

func (s *Server) handleApprovalPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	authReq, err := s.engine.LoadApproval(r.Context(), q.Get("req"), q.Get("hmac"))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	clientName := authReq.ClientID
	if client, err := storage.Clients(s.reg).Get(r.Context(), authReq.ClientID); err == nil && client.Name != "" {
		clientName = client.Name
	}
	s.renderPage(w, r, func() error {
		return s.pages.Approval(w, web.ApprovalData{
			PostURL:    s.config.Issuer + "/approval",
			ReqID:      q.Get("req"),
			MAC:        q.Get("hmac"),
			ClientName: clientName,
			Scopes:     authReq.Scopes,
		})
	})
}

func (s *Server) handleApprovalSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErr(w, r, errs.BadRequestf("invalid form body: %v", err))
		return
	}
	authReq, err := s.engine.LoadApproval(r.Context(),
		r.PostFormValue("req"), r.PostFormValue("hmac"))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	if r.PostFormValue("approval") != "approve" {
		u, err := url.Parse(authReq.RedirectURI)
		if err != nil {
			writeErr(w, r, errs.BadRequestf("invalid redirect URI %q: %v", authReq.RedirectURI, err))
			return
		}
		q := u.Query()
		q.Set("error", "access_denied")
		q.Set("error_description", "user rejected the request")
		if authReq.State != "" {
			q.Set("state", authReq.State)
		}
		u.RawQuery = q.Encode()
		http.Redirect(w, r, u.String(), http.StatusSeeOther)
		return
	}
	s.sendCode(w, r, authReq)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	// Token responses must never be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := r.ParseForm(); err != nil {
		writeErr(w, r, errs.BadRequestf("invalid form body: %v", err))
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	client, err := s.engine.AuthenticateClient(r.Context(), clientID, clientSecret)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	var resp *oidc.TokenResponse
	switch grant := r.PostFormValue("grant_type"); grant {
	case oidc.GrantTypeAuthorizationCode:
		resp, err = s.engine.ExchangeCode(r.Context(), client,
			r.PostFormValue("code"), r.PostFormValue("redirect_uri"), r.PostFormValue("code_verifier"))
	case oidc.GrantTypeRefreshToken:
		resp, err = s.engine.Refresh(r.Context(), client,
			r.PostFormValue("refresh_token"), r.PostFormValue("scope"))
	case oidc.GrantTypePassword:
		resp, err = s.engine.PasswordGrant(r.Context(), client,
			r.PostFormValue("username"), r.PostFormValue("password"),
			r.PostFormValue("scope"), r.PostFormValue("nonce"))
	default:
		err = errs.BadRequestf("unsupported grant type %q", grant)
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	raw, err := bearerToken(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	claims, err := s.tokens.Verify(r.Context(), raw)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// A readable key set proves both store reachability and the
	// presence of a signing key.
	if _, err := s.rotator.Keys(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// renderPage executes a template, logging render failures after the
// body may already be partially written.
func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, render func() error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := render(); err != nil {
		logging.CtxErr(r.Context(), err).Str("path", r.URL.Path).Msg("rendering page")
	}
}
