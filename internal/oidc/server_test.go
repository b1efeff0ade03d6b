// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package oidc

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cimidp/cim/internal/connector"
	"github.com/cimidp/cim/internal/keys"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
	"github.com/cimidp/cim/internal/storage/memory"
	"github.com/cimidp/cim/internal/tokens"
)

const (
	testIssuer   = "http://cim.test"
	testPassword = "P@ssword12345678"
)

// testServer bundles the engine with the stores and services behind it.
type testServer struct {
	srv *testServerHandle
	reg *storage.Registry
	tok *tokens.Service
}

// testServerHandle exposes the engine plus a settable clock.
type testServerHandle struct {
	*Server
	clock *time.Time
}

func newTestServer(t *testing.T, config Config) *testServer {
	t.Helper()
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
	tok := tokens.NewService(rot, tokens.Config{Issuer: testIssuer, Validity: time.Hour})

	if config.Issuer == "" {
		config.Issuer = testIssuer
	}
	if config.Expiration == 0 {
		config.Expiration = time.Hour
	}
	srv := NewServer(reg, tok, connector.NewOpener(reg), config)

	clock := time.Now()
	srv.now = func() time.Time { return clock }
	return &testServer{
		srv: &testServerHandle{Server: srv, clock: &clock},
		reg: reg,
		tok: tok,
	}
}

// advance moves the engine's clock forward.
func (ts *testServer) advance(d time.Duration) {
	*ts.srv.clock = ts.srv.clock.Add(d)
}

func (ts *testServer) seedClient(t *testing.T, id, secret string, redirectURIs ...string) *models.Client {
	t.Helper()
	c := &models.Client{
		Meta:         models.Meta{ID: id},
		Secret:       secret,
		RedirectURIs: redirectURIs,
		Name:         "Test Client " + id,
	}
	if err := storage.Clients(ts.reg).Put(context.Background(), c, 0); err != nil {
		t.Fatalf("seeding client: %v", err)
	}
	return c
}

func (ts *testServer) seedPasswordConnector(t *testing.T) string {
	t.Helper()
	row := &models.Connector{
		Meta:          models.Meta{ID: "local"},
		ConnectorType: models.ConnectorTypeLocal,
		Name:          "Password",
	}
	if err := storage.Connectors(ts.reg).Put(context.Background(), row, 0); err != nil {
		t.Fatalf("seeding connector: %v", err)
	}
	return row.ID
}

func (ts *testServer) seedUser(t *testing.T, id, email string) *models.User {
	t.Helper()
	user := &models.User{
		Meta:   models.Meta{ID: id},
		Secret: "salt-" + id,
		Claim:  models.Claim{Email: email, EmailVerified: true, Name: "User " + id},
	}
	user.Password = connector.HashPassword(user.Secret, testPassword)
	if err := storage.Users(ts.reg).Put(context.Background(), user, 0); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	return user
}

// runCodeFlow drives authorize → login → send code and returns the
// redirect back to the client.
func (ts *testServer) runCodeFlow(t *testing.T, in *AuthRequestInput, connectorID, subject string) *url.URL {
	t.Helper()
	ctx := context.Background()

	authReq, err := ts.srv.ParseAuthRequest(ctx, in)
	if err != nil {
		t.Fatalf("ParseAuthRequest failed: %v", err)
	}
	step, err := ts.srv.Dispatch(ctx, authReq, connectorID)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !strings.Contains(step.URL, "/login?state=") {
		t.Fatalf("dispatch URL = %q, want built-in login page", step.URL)
	}

	authReq, err = ts.srv.LoginPassword(ctx, authReq.ID, subject, testPassword)
	if err != nil {
		t.Fatalf("LoginPassword failed: %v", err)
	}
	redirect, err := ts.srv.SendCode(ctx, authReq)
	if err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("redirect %q is not a URL: %v", redirect, err)
	}
	return u
}

func TestDiscoveryDocument(t *testing.T) {
	ts := newTestServer(t, Config{})
	d := ts.srv.Discovery()

	if d.Issuer != testIssuer {
		t.Errorf("issuer = %q", d.Issuer)
	}
	if d.TokenEndpoint != testIssuer+"/token" {
		t.Errorf("token endpoint = %q", d.TokenEndpoint)
	}
	if d.JWKSURI != testIssuer+"/jwks" {
		t.Errorf("jwks uri = %q", d.JWKSURI)
	}
	want := map[string]bool{
		GrantTypeAuthorizationCode: false,
		GrantTypeRefreshToken:      false,
		"urn:ietf:params:oauth:grant-type:device_code": false,
	}
	for _, gt := range d.GrantTypesSupported {
		if _, ok := want[gt]; ok {
			want[gt] = true
		}
	}
	for gt, seen := range want {
		if !seen {
			t.Errorf("grant type %q missing from discovery", gt)
		}
	}
	if len(d.IDTokenSigningAlgValuesSupported) != 1 || d.IDTokenSigningAlgValuesSupported[0] != "RS256" {
		t.Errorf("signing algs = %v", d.IDTokenSigningAlgValuesSupported)
	}
}
