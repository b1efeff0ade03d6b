// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/authz"
	"github.com/cimidp/cim/internal/connector"
	"github.com/cimidp/cim/internal/keys"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/oidc"
	"github.com/cimidp/cim/internal/policy"
	"github.com/cimidp/cim/internal/storage"
	"github.com/cimidp/cim/internal/storage/memory"
	"github.com/cimidp/cim/internal/tokens"
	"github.com/cimidp/cim/internal/web"
)

const testPassword = "P@ssword12345678"

// delegatingHandler lets the httptest server start before the routes
// exist: the issuer URL feeds the engine config, which feeds the
// routes.
type delegatingHandler struct {
	h http.Handler
}

func (d *delegatingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.h.ServeHTTP(w, r)
}

// apiFixture is a full provider behind a real listener.
type apiFixture struct {
	hs     *httptest.Server
	reg    *storage.Registry
	engine *oidc.Server
	issuer string

	// client never follows redirects; flows walk them explicitly.
	client *http.Client
}

func newAPIFixture(t *testing.T, mod func(*Config)) *apiFixture {
	t.Helper()

	proxy := &delegatingHandler{}
	hs := httptest.NewServer(proxy)
	t.Cleanup(hs.Close)
	issuer := hs.URL

	reg := storage.NewRegistry(memory.New(), 0)
	t.Cleanup(func() { _ = reg.Close() })

	rot := keys.NewRotator(reg, keys.Config{
		RotationFrequency: time.Hour,
		VerificationKeep:  2 * time.Hour,
		Enabled:           true,
	})
	if err := rot.Rotate(context.Background()); err != nil {
		t.Fatalf("bootstrapping keys: %v", err)
	}
	tok := tokens.NewService(rot, tokens.Config{Issuer: issuer, Validity: time.Hour})
	engine := oidc.NewServer(reg, tok, connector.NewOpener(reg), oidc.Config{
		Issuer:     issuer,
		Expiration: time.Hour,
	})
	authorizer := authz.New(reg, policy.NewMatcher(128))
	pages, err := web.New()
	if err != nil {
		t.Fatalf("parsing templates: %v", err)
	}

	config := Config{Issuer: issuer}
	if mod != nil {
		mod(&config)
	}
	srv := NewServer(reg, engine, tok, rot, authorizer, pages, config)
	proxy.h = srv.Routes()

	return &apiFixture{
		hs:     hs,
		reg:    reg,
		engine: engine,
		issuer: issuer,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *apiFixture) seedClient(t *testing.T, id, secret string, redirectURIs ...string) *models.Client {
	t.Helper()
	c := &models.Client{
		Meta:         models.Meta{ID: id},
		Secret:       secret,
		RedirectURIs: redirectURIs,
		Name:         "Test Client " + id,
	}
	if err := storage.Clients(f.reg).Put(context.Background(), c, 0); err != nil {
		t.Fatalf("seeding client: %v", err)
	}
	return c
}

func (f *apiFixture) seedPasswordConnector(t *testing.T) string {
	t.Helper()
	row := &models.Connector{
		Meta:          models.Meta{ID: "local"},
		ConnectorType: models.ConnectorTypeLocal,
		Name:          "Password",
	}
	if err := storage.Connectors(f.reg).Put(context.Background(), row, 0); err != nil {
		t.Fatalf("seeding connector: %v", err)
	}
	return row.ID
}

func (f *apiFixture) seedUser(t *testing.T, id, email string) *models.User {
	t.Helper()
	user := &models.User{
		Meta:   models.Meta{ID: id},
		Secret: "salt-" + id,
		Claim:  models.Claim{Email: email, EmailVerified: true, Name: "User " + id},
	}
	user.Password = connector.HashPassword(user.Secret, testPassword)
	if err := storage.Users(f.reg).Put(context.Background(), user, 0); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	return user
}

// get performs a GET without following redirects.
func (f *apiFixture) get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := f.client.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	return resp
}

// postForm posts a form without following redirects.
func (f *apiFixture) postForm(t *testing.T, url string, form url.Values) *http.Response {
	t.Helper()
	resp, err := f.client.PostForm(url, form)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

// location asserts a redirect status and returns the Location header.
func location(t *testing.T, resp *http.Response, wantStatus int) string {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, wantStatus, body)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		t.Fatal("redirect without Location header")
	}
	return loc
}

// absoluteURL resolves a possibly relative redirect target against the
// fixture's base URL.
func (f *apiFixture) absoluteURL(loc string) string {
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		return loc
	}
	return f.issuer + loc
}

// runLoginFlow walks authorize → connector → login and returns the
// final redirect back to the client.
func (f *apiFixture) runLoginFlow(t *testing.T, query url.Values, subject string) *url.URL {
	t.Helper()

	resp := f.get(t, f.issuer+"/authorize?"+query.Encode())
	connectorURL := f.absoluteURL(location(t, resp, http.StatusFound))
	if !strings.Contains(connectorURL, "/connectors/") {
		t.Fatalf("authorize redirected to %q, want a connector URL", connectorURL)
	}

	resp = f.get(t, connectorURL)
	loginURL := f.absoluteURL(location(t, resp, http.StatusFound))
	if !strings.Contains(loginURL, "/login?state=") {
		t.Fatalf("connector redirected to %q, want the login page", loginURL)
	}
	state := urlQuery(t, loginURL).Get("state")

	resp = f.postForm(t, f.issuer+"/login", url.Values{
		"state":    {state},
		"login":    {subject},
		"password": {testPassword},
	})
	final := location(t, resp, http.StatusSeeOther)

	u, err := url.Parse(final)
	if err != nil {
		t.Fatalf("final redirect %q is not a URL: %v", final, err)
	}
	return u
}

func urlQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing %q: %v", raw, err)
	}
	return u.Query()
}

// decodeBody parses a JSON response body into v.
func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

// wantEnvelope asserts an error response and returns its envelope.
func wantEnvelope(t *testing.T, resp *http.Response, wantStatus int) errEnvelope {
	t.Helper()
	if resp.StatusCode != wantStatus {
		t.Fatalf("status = %d, want %d", resp.StatusCode, wantStatus)
	}
	var env errEnvelope
	decodeBody(t, resp, &env)
	return env
}
