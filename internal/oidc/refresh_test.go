// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package oidc

import (
	"context"
	"testing"
	"time"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// refreshFixture seeds a client, the password connector and a user,
// then runs a password grant with offline_access to open a chain.
func refreshFixture(t *testing.T, config Config) (*testServer, *models.Client, string) {
	t.Helper()
	ts := newTestServer(t, config)
	ts.seedClient(t, "c1", "s1", "http://localhost:5555/cb")
	ts.seedPasswordConnector(t)
	ts.seedUser(t, "u1", "alice@example.com")

	client, err := ts.srv.AuthenticateClient(context.Background(), "c1", "s1")
	if err != nil {
		t.Fatalf("AuthenticateClient failed: %v", err)
	}
	resp, err := ts.srv.PasswordGrant(context.Background(), client, "u1", testPassword,
		"openid email offline_access", "")
	if err != nil {
		t.Fatalf("PasswordGrant failed: %v", err)
	}
	if resp.RefreshToken == "" {
		t.Fatalf("no refresh token issued")
	}
	return ts, client, resp.RefreshToken
}

func TestRefreshRotationWithReuseWindow(t *testing.T) {
	ts, client, token0 := refreshFixture(t, Config{
		RotateRefreshTokens: true,
		ReuseInterval:       5 * time.Second,
	})
	ctx := context.Background()

	// Outside the reuse window the secret rotates.
	ts.advance(6 * time.Second)
	resp1, err := ts.srv.Refresh(ctx, client, token0, "")
	if err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	token1 := resp1.RefreshToken
	if token1 == token0 {
		t.Fatalf("secret did not rotate")
	}
	w0, _ := parseRefreshToken(token0)
	w1, _ := parseRefreshToken(token1)
	if w0.RefreshID != w1.RefreshID {
		t.Errorf("rotation changed the chain id: %q vs %q", w0.RefreshID, w1.RefreshID)
	}

	// A retry inside the window presenting the obsolete secret is
	// forgiven and gets the current secret back.
	ts.advance(2 * time.Second)
	resp2, err := ts.srv.Refresh(ctx, client, token0, "")
	if err != nil {
		t.Fatalf("retry inside the reuse window failed: %v", err)
	}
	if resp2.RefreshToken != token1 {
		t.Errorf("retry minted a new secret instead of re-emitting the current one")
	}

	// Outside the window the obsolete secret means theft.
	ts.advance(8 * time.Second)
	if _, err := ts.srv.Refresh(ctx, client, token0, ""); errs.CodeOf(err) != errs.CodeRefreshReuse {
		t.Errorf("stale secret outside the window = %v, want reuse failure", err)
	}

	// The current secret still works.
	if _, err := ts.srv.Refresh(ctx, client, token1, ""); err != nil {
		t.Errorf("current secret rejected: %v", err)
	}
}

func TestRefreshWithoutRotation(t *testing.T) {
	ts, client, token0 := refreshFixture(t, Config{
		RotateRefreshTokens: false,
		ReuseInterval:       5 * time.Second,
	})
	ctx := context.Background()

	// Inside the window the same secret is handed back.
	ts.advance(2 * time.Second)
	resp, err := ts.srv.Refresh(ctx, client, token0, "")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if resp.RefreshToken != token0 {
		t.Errorf("secret changed inside the reuse window with rotation off")
	}

	// Outside the window a fresh secret is minted, and the old one is
	// gone for good: no obsolete tracking with rotation off.
	ts.advance(10 * time.Second)
	resp, err = ts.srv.Refresh(ctx, client, token0, "")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if resp.RefreshToken == token0 {
		t.Errorf("secret did not rotate outside the reuse window")
	}
	ts.advance(10 * time.Second)
	if _, err := ts.srv.Refresh(ctx, client, token0, ""); errs.CodeOf(err) != errs.CodeRefreshReuse {
		t.Errorf("old secret = %v, want reuse failure", err)
	}
}

func TestRefreshAbsoluteLifetime(t *testing.T) {
	ts, client, token := refreshFixture(t, Config{
		RotateRefreshTokens: true,
		AbsoluteLifetime:    time.Hour,
	})
	ts.advance(2 * time.Hour)
	_, err := ts.srv.Refresh(context.Background(), client, token, "")
	if errs.CodeOf(err) != errs.CodeInvalidGrant {
		t.Fatalf("refresh after absolute lifetime = %v, want invalid_grant", err)
	}
}

func TestRefreshInactivityExpiry(t *testing.T) {
	ts, client, token := refreshFixture(t, Config{
		RotateRefreshTokens: true,
		ValidIfNotUsedFor:   time.Minute,
	})
	ctx := context.Background()

	ts.advance(30 * time.Second)
	resp, err := ts.srv.Refresh(ctx, client, token, "")
	if err != nil {
		t.Fatalf("refresh within activity window failed: %v", err)
	}

	ts.advance(2 * time.Minute)
	if _, err := ts.srv.Refresh(ctx, client, resp.RefreshToken, ""); errs.CodeOf(err) != errs.CodeInvalidGrant {
		t.Errorf("refresh after inactivity = %v, want invalid_grant", err)
	}
}

func TestRefreshScopeNarrowing(t *testing.T) {
	ts, client, token := refreshFixture(t, Config{})
	ctx := context.Background()

	resp, err := ts.srv.Refresh(ctx, client, token, "openid email")
	if err != nil {
		t.Fatalf("narrowing to a granted subset failed: %v", err)
	}
	if len(resp.Scopes) != 2 {
		t.Errorf("scopes = %v, want the narrowed pair", resp.Scopes)
	}

	if _, err := ts.srv.Refresh(ctx, client, resp.RefreshToken, "openid groups"); errs.CodeOf(err) != errs.CodeInvalidScope {
		t.Errorf("widening beyond the grant = %v, want invalid_scope", err)
	}
}

func TestRefreshRejectsForeignAndMalformedTokens(t *testing.T) {
	ts, _, token := refreshFixture(t, Config{})
	ts.seedClient(t, "c2", "s2", "http://localhost:6666/cb")
	ctx := context.Background()

	other, err := ts.srv.AuthenticateClient(ctx, "c2", "s2")
	if err != nil {
		t.Fatalf("AuthenticateClient failed: %v", err)
	}
	if _, err := ts.srv.Refresh(ctx, other, token, ""); errs.CodeOf(err) != errs.CodeInvalidGrant {
		t.Errorf("foreign client = %v, want invalid_grant", err)
	}
	for _, raw := range []string{"", "not-json", `{"refresh_id":"x"}`, `{"token":"y"}`} {
		if _, err := ts.srv.Refresh(ctx, other, raw, ""); errs.CodeOf(err) != errs.CodeInvalidGrant {
			t.Errorf("Refresh(%q) = %v, want invalid_grant", raw, err)
		}
	}
}

func TestRefreshChainIdempotentPerClient(t *testing.T) {
	ts, client, token := refreshFixture(t, Config{})
	ctx := context.Background()

	// A second offline grant for the same (user, connector, client)
	// joins the existing chain instead of opening a new one.
	resp, err := ts.srv.PasswordGrant(ctx, client, "u1", testPassword, "openid email offline_access", "")
	if err != nil {
		t.Fatalf("second PasswordGrant failed: %v", err)
	}
	w1, _ := parseRefreshToken(token)
	w2, _ := parseRefreshToken(resp.RefreshToken)
	if w1.RefreshID != w2.RefreshID {
		t.Errorf("second grant opened chain %q, want existing %q", w2.RefreshID, w1.RefreshID)
	}

	// A different client gets its own chain.
	ts.seedClient(t, "c2", "s2", "http://localhost:6666/cb")
	other, err := ts.srv.AuthenticateClient(ctx, "c2", "s2")
	if err != nil {
		t.Fatalf("AuthenticateClient failed: %v", err)
	}
	resp, err = ts.srv.PasswordGrant(ctx, other, "u1", testPassword, "openid offline_access", "")
	if err != nil {
		t.Fatalf("PasswordGrant for second client failed: %v", err)
	}
	w3, _ := parseRefreshToken(resp.RefreshToken)
	if w3.RefreshID == w1.RefreshID {
		t.Errorf("second client shares chain %q with the first", w1.RefreshID)
	}
}

func TestRefreshUpdatesIdentityClaims(t *testing.T) {
	ts, client, token := refreshFixture(t, Config{})
	ctx := context.Background()

	// Re-point the user's email; the refreshed id token must carry it.
	user, err := storage.Users(ts.reg).Get(ctx, "u1")
	if err != nil {
		t.Fatalf("loading user: %v", err)
	}
	user.Claim.Email = "renamed@example.com"
	if err := storage.Users(ts.reg).Put(ctx, user, 0); err != nil {
		t.Fatalf("updating user: %v", err)
	}

	resp, err := ts.srv.Refresh(ctx, client, token, "")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	claims, err := ts.tok.Verify(ctx, resp.IDToken)
	if err != nil {
		t.Fatalf("verifying id token: %v", err)
	}
	if claims.Email != "renamed@example.com" {
		t.Errorf("email = %q, refresh did not consult the connector", claims.Email)
	}
}
