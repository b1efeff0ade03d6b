// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package tokens mints and verifies the RS256 JWTs issued by the
// provider.
//
// tokens.go - Token Minting and Verification
//
// Minting always signs with the current signing key and stamps its kid
// into the JWT header. Verification walks the published verification
// keys in insertion order, trying the key whose kid matches the header
// first, so tokens signed just before a rotation keep verifying until
// the old key expires out of the set.
package tokens

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/metrics"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// KeySource supplies the current signing key state.
type KeySource interface {
	Keys(ctx context.Context) (*models.Keys, error)
}

// FederatedID identifies the upstream connector identity behind a
// token, released under the federated:id scope.
type FederatedID struct {
	ConnectorID string `json:"connector_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// Claims is the payload of a minted token. Which optional fields are
// populated distinguishes an id token from an access token; the
// service itself does not care.
type Claims struct {
	jwt.RegisteredClaims

	Nonce  string `json:"nonce,omitempty"`
	AtHash string `json:"at_hash,omitempty"`

	Email             string `json:"email,omitempty"`
	EmailVerified     bool   `json:"email_verified,omitempty"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Picture           string `json:"picture,omitempty"`
	Locale            string `json:"locale,omitempty"`
	PhoneNumber       string `json:"phone_number,omitempty"`

	Groups []string `json:"groups,omitempty"`

	FederatedID *FederatedID `json:"federated_claims,omitempty"`

	// AccessToken is the mid-flow access token an id token binds to
	// through at_hash. It is hashed at mint time and never serialized.
	AccessToken string `json:"-"`
}

// Config holds configuration for the token service.
type Config struct {
	// Issuer is stamped into iss on minted tokens when the claims do
	// not carry one.
	Issuer string

	// Validity is how long minted tokens live (default: 24 hours).
	Validity time.Duration

	// Audience, when set, must appear in the aud of verified tokens.
	Audience string
}

// DefaultConfig returns the default token configuration.
func DefaultConfig() Config {
	return Config{Validity: 24 * time.Hour}
}

// Service signs and verifies tokens against the rotating key set.
type Service struct {
	keys   KeySource
	config Config
	now    func() time.Time
}

// NewService creates a token service over the given key source.
func NewService(keys KeySource, config Config) *Service {
	if config.Validity <= 0 {
		config.Validity = 24 * time.Hour
	}
	return &Service{keys: keys, config: config, now: time.Now}
}

// Mint signs claims with the current signing key and returns the
// compact JWT plus its expiry in unix seconds. It stamps iss (when
// unset), iat, nbf = now and exp = now + validity, and converts a
// populated AccessToken into at_hash.
func (s *Service) Mint(ctx context.Context, claims *Claims) (string, int64, error) {
	now := s.now()
	if claims.Issuer == "" {
		claims.Issuer = s.config.Issuer
	}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	expiry := now.Add(s.config.Validity)
	claims.ExpiresAt = jwt.NewNumericDate(expiry)

	if claims.AccessToken != "" {
		claims.AtHash = AccessTokenHash(claims.AccessToken)
	}

	keys, err := s.keys.Keys(ctx)
	if err != nil {
		return "", 0, errs.Internal(err, "loading signing keys")
	}
	if keys.SigningKey == nil {
		return "", 0, errs.Internal(nil, "no signing key available")
	}
	priv, ok := keys.SigningKey.Key.(*rsa.PrivateKey)
	if !ok {
		return "", 0, errs.Internal(nil, "signing key is not an RSA private key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keys.SigningKey.KeyID

	signed, err := token.SignedString(priv)
	if err != nil {
		return "", 0, errs.Internal(err, "signing token")
	}
	return signed, expiry.Unix(), nil
}

// Verify validates raw against the verification keys and returns its
// claims. Signature, nbf and exp are always checked; aud only when the
// service is configured with one. Every failure mode reports Forbidden.
func (s *Service) Verify(ctx context.Context, raw string) (*Claims, error) {
	keys, err := s.keys.Keys(ctx)
	if err != nil {
		if errs.IsNotFound(err) || errors.Is(err, storage.ErrNotFound) {
			return nil, s.fail(nil, "no verification keys available")
		}
		return nil, errs.Internal(err, "loading verification keys")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	)

	// The kid steers which key is tried first; an unknown or absent
	// kid falls back to trying every key in insertion order.
	kid := headerKid(parser, raw)

	var lastErr error
	for _, pub := range orderedKeys(keys.VerificationKeys, kid) {
		claims := &Claims{}
		_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return pub, nil
		})
		if err != nil {
			lastErr = err
			continue
		}
		if s.config.Audience != "" && !slices.Contains(claims.Audience, s.config.Audience) {
			return nil, s.fail(nil, "token audience %v does not include %q", claims.Audience, s.config.Audience)
		}
		metrics.RecordTokenVerification(true)
		return claims, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no verification keys available")
	}
	return nil, s.fail(lastErr, "token verification failed")
}

// fail records the verification metric and builds the Forbidden error.
func (s *Service) fail(cause error, format string, args ...any) error {
	metrics.RecordTokenVerification(false)
	err := errs.New(errs.KindForbidden, errs.CodeBadSignature, format, args...)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

// AccessTokenHash computes the OIDC at_hash of an access token: the
// base64url-encoded left half of its SHA-256 digest.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// headerKid reads the kid from the JOSE header without verifying the
// token.
func headerKid(parser *jwt.Parser, raw string) string {
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	kid, _ := token.Header["kid"].(string)
	return kid
}

// orderedKeys extracts the RSA public keys in insertion order, moving
// the kid match to the front.
func orderedKeys(vks []models.VerificationKey, kid string) []*rsa.PublicKey {
	ordered := make([]*rsa.PublicKey, 0, len(vks))
	for _, vk := range vks {
		if vk.PublicKey == nil {
			continue
		}
		pub, ok := vk.PublicKey.Key.(*rsa.PublicKey)
		if !ok {
			continue
		}
		if kid != "" && vk.PublicKey.KeyID == kid {
			ordered = append([]*rsa.PublicKey{pub}, ordered...)
			continue
		}
		ordered = append(ordered, pub)
	}
	return ordered
}
