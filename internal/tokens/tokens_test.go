// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package tokens

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// RSA generation dominates test time, so every test shares two cached
// keypairs.
var (
	keyOnce    sync.Once
	keyA, keyB *rsa.PrivateKey
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if keyA, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if keyB, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return keyA, keyB
}

func signingState(key *rsa.PrivateKey, kid string) *models.Keys {
	priv := &jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	pub := &jose.JSONWebKey{Key: key.Public(), KeyID: kid, Algorithm: "RS256", Use: "sig"}
	return &models.Keys{
		SigningKey:    priv,
		SigningKeyPub: pub,
		VerificationKeys: []models.VerificationKey{
			{PublicKey: pub, Expiry: time.Now().Add(time.Hour)},
		},
		NextRotation: time.Now().Add(time.Hour),
	}
}

// staticKeys serves a fixed key state, or NotFound when nil.
type staticKeys struct{ keys *models.Keys }

func (s staticKeys) Keys(context.Context) (*models.Keys, error) {
	if s.keys == nil {
		return nil, storage.ErrNotFound
	}
	return s.keys, nil
}

func TestMintVerifyRoundTrip(t *testing.T) {
	key, _ := testKeyPair(t)
	svc := NewService(staticKeys{signingState(key, "kid-a")}, Config{Issuer: "https://cim.test"})
	ctx := context.Background()

	in := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  "u-1",
			Audience: jwt.ClaimStrings{"app"},
		},
		Nonce: "n-123",
		Email: "u1@example.com",
	}
	raw, exp, err := svc.Mint(ctx, in)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if exp != in.ExpiresAt.Unix() {
		t.Errorf("returned exp %d != claims exp %d", exp, in.ExpiresAt.Unix())
	}
	if got, want := exp, time.Now().Add(24*time.Hour).Unix(); got < want-5 || got > want+5 {
		t.Errorf("exp %d not near now+24h (%d)", got, want)
	}

	out, err := svc.Verify(ctx, raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Subject != "u-1" || out.Nonce != "n-123" || out.Email != "u1@example.com" {
		t.Errorf("claims did not round-trip: %+v", out)
	}
	if out.Issuer != "https://cim.test" {
		t.Errorf("issuer = %q", out.Issuer)
	}
	if out.NotBefore == nil || out.NotBefore.After(time.Now()) {
		t.Errorf("nbf = %v", out.NotBefore)
	}
}

func TestMintStampsAtHash(t *testing.T) {
	key, _ := testKeyPair(t)
	svc := NewService(staticKeys{signingState(key, "kid-a")}, Config{})
	ctx := context.Background()

	raw, _, err := svc.Mint(ctx, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
		AccessToken:      "test",
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	out, err := svc.Verify(ctx, raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.AtHash != "n4bQgYhMfWWaL-qgxVrQFQ" {
		t.Errorf("at_hash = %q", out.AtHash)
	}
	if out.AccessToken != "" {
		t.Error("raw access token leaked into the signed payload")
	}
}

func TestAccessTokenHashVectors(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"test", "n4bQgYhMfWWaL-qgxVrQFQ"},
		{"another-access-token", "VPG2zc34_wxAgi9LFKza1A"},
	}
	for _, tt := range tests {
		if got := AccessTokenHash(tt.token); got != tt.want {
			t.Errorf("AccessTokenHash(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	key, _ := testKeyPair(t)
	state := signingState(key, "kid-a")

	minter := NewService(staticKeys{state}, Config{Validity: time.Minute})
	minter.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	raw, _, err := minter.Mint(context.Background(), &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	verifier := NewService(staticKeys{state}, Config{})
	if _, err := verifier.Verify(context.Background(), raw); !errs.IsForbidden(err) {
		t.Fatalf("expired token: err = %v, want Forbidden", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key1, key2 := testKeyPair(t)
	minter := NewService(staticKeys{signingState(key1, "kid-a")}, Config{})

	raw, _, err := minter.Mint(context.Background(), &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	verifier := NewService(staticKeys{signingState(key2, "kid-a")}, Config{})
	if _, err := verifier.Verify(context.Background(), raw); !errs.IsForbidden(err) {
		t.Fatalf("wrong key: err = %v, want Forbidden", err)
	}
}

// Tokens signed before a rotation must keep verifying while the old
// public key remains in the verification list.
func TestVerifySurvivesRotation(t *testing.T) {
	key1, key2 := testKeyPair(t)
	minter := NewService(staticKeys{signingState(key1, "kid-old")}, Config{})

	raw, _, err := minter.Mint(context.Background(), &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	rotated := signingState(key2, "kid-new")
	oldPub := &jose.JSONWebKey{Key: key1.Public(), KeyID: "kid-old", Algorithm: "RS256", Use: "sig"}
	rotated.VerificationKeys = append(rotated.VerificationKeys,
		models.VerificationKey{PublicKey: oldPub, Expiry: time.Now().Add(time.Hour)})

	verifier := NewService(staticKeys{rotated}, Config{})
	out, err := verifier.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("verify after rotation: %v", err)
	}
	if out.Subject != "u-1" {
		t.Errorf("subject = %q", out.Subject)
	}
}

// A token whose kid is unknown still verifies when some listed key
// fits, exercising the insertion-order fallback.
func TestVerifyFallsBackOnUnknownKid(t *testing.T) {
	key1, key2 := testKeyPair(t)
	minter := NewService(staticKeys{signingState(key1, "kid-gone")}, Config{})

	raw, _, err := minter.Mint(context.Background(), &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Verification list advertises different kids; the signer's key is
	// present but labeled kid-b, so only the walk can find it.
	state := signingState(key2, "kid-a")
	relabeled := &jose.JSONWebKey{Key: key1.Public(), KeyID: "kid-b", Algorithm: "RS256", Use: "sig"}
	state.VerificationKeys = append(state.VerificationKeys,
		models.VerificationKey{PublicKey: relabeled, Expiry: time.Now().Add(time.Hour)})

	verifier := NewService(staticKeys{state}, Config{})
	if _, err := verifier.Verify(context.Background(), raw); err != nil {
		t.Fatalf("fallback verify: %v", err)
	}
}

func TestVerifyEnforcesConfiguredAudience(t *testing.T) {
	key, _ := testKeyPair(t)
	state := signingState(key, "kid-a")
	minter := NewService(staticKeys{state}, Config{})
	ctx := context.Background()

	mint := func(aud string) string {
		t.Helper()
		raw, _, err := minter.Mint(ctx, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1", Audience: jwt.ClaimStrings{aud}},
		})
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		return raw
	}

	verifier := NewService(staticKeys{state}, Config{Audience: "app"})
	if _, err := verifier.Verify(ctx, mint("app")); err != nil {
		t.Errorf("matching audience rejected: %v", err)
	}
	if _, err := verifier.Verify(ctx, mint("other")); !errs.IsForbidden(err) {
		t.Errorf("foreign audience: err = %v, want Forbidden", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	key, _ := testKeyPair(t)
	svc := NewService(staticKeys{signingState(key, "kid-a")}, Config{})

	for _, raw := range []string{"", "garbage", "a.b.c"} {
		if _, err := svc.Verify(context.Background(), raw); !errs.IsForbidden(err) {
			t.Errorf("Verify(%q): err = %v, want Forbidden", raw, err)
		}
	}
}

func TestMintWithoutKeysFails(t *testing.T) {
	svc := NewService(staticKeys{nil}, Config{})

	if _, _, err := svc.Mint(context.Background(), &Claims{}); err == nil {
		t.Fatal("mint without keys returned nil error")
	} else if errs.IsForbidden(err) {
		t.Fatalf("mint failure should be internal, got %v", err)
	}

	if _, err := svc.Verify(context.Background(), "x.y.z"); !errs.IsForbidden(err) {
		t.Fatalf("verify without keys: err = %v, want Forbidden", err)
	}
}
