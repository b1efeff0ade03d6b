// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package keys maintains the signing key singleton used for token
// issuance and verification.
//
// rotator.go - Signing Key Rotation Service
//
// This file implements the rotation service that:
//   - Bootstraps an RSA-2048 signing keypair on first run
//   - Rotates the keypair once next_rotation passes, keeping each
//     public key verifiable until every token it signed has expired
//   - Publishes the verification keys as a JWKS for the discovery
//     endpoint
//
// The service checks on a timer at half the rotation frequency.
// Multiple instances may race a rotation; optimistic concurrency in
// the store lets exactly one write win, and the losing instances
// treat the conflict as a completed rotation.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/rs/zerolog"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/logging"
	"github.com/cimidp/cim/internal/metrics"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// kidAlphabet is the character set for generated key ids.
const kidAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// kidLength is the length of a generated key id.
const kidLength = 40

// Rotation outcomes recorded in metrics.
const (
	outcomeBootstrapped = "bootstrapped"
	outcomeRotated      = "rotated"
	outcomeSkipped      = "skipped"
	outcomeConflict     = "conflict"
	outcomeError        = "error"
)

// Store is the subset of the store registry the rotator needs.
type Store interface {
	Get(ctx context.Context, out models.Object, id string) error
	UpdateKeys(ctx context.Context, updater storage.KeysUpdater) error
}

// Config holds configuration for the key rotation service.
type Config struct {
	// RotationFrequency is how long each signing key stays active
	// (default: 1 hour).
	RotationFrequency time.Duration

	// VerificationKeep is how long a public key remains in the JWKS
	// after it is created. It must cover RotationFrequency plus the
	// longest token validity, or tokens signed just before a rotation
	// would fail verification while still unexpired
	// (default: RotationFrequency + 24 hours).
	VerificationKeep time.Duration

	// CheckInterval is how often the timer fires
	// (default: RotationFrequency / 2).
	CheckInterval time.Duration

	// Enabled controls whether the rotation loop runs.
	Enabled bool
}

// DefaultConfig returns the default rotation configuration.
func DefaultConfig() Config {
	return Config{
		RotationFrequency: time.Hour,
		VerificationKeep:  25 * time.Hour,
		CheckInterval:     30 * time.Minute,
		Enabled:           true,
	}
}

// Rotator owns the Keys singleton: it bootstraps the first signing
// keypair and replaces it on schedule.
type Rotator struct {
	store  Store
	logger zerolog.Logger
	config Config
	now    func() time.Time

	// Runtime state
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRotator creates a key rotation service over store.
func NewRotator(store Store, config Config) *Rotator {
	if config.RotationFrequency <= 0 {
		config.RotationFrequency = time.Hour
	}
	if config.VerificationKeep <= 0 {
		config.VerificationKeep = config.RotationFrequency + 24*time.Hour
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = config.RotationFrequency / 2
	}

	return &Rotator{
		store:  store,
		logger: logging.WithComponent("keys"),
		config: config,
		now:    time.Now,
	}
}

// Start begins the rotation loop. The first check runs immediately so
// a fresh install has a signing key before the server accepts traffic.
func (r *Rotator) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("key rotator already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	if !r.config.Enabled {
		r.logger.Info().Msg("Key rotation disabled")
		go func() {
			defer close(r.doneCh)
			<-r.stopCh
		}()
		return nil
	}

	r.logger.Info().
		Dur("rotation_frequency", r.config.RotationFrequency).
		Dur("check_interval", r.config.CheckInterval).
		Msg("Starting key rotation")

	go r.run(ctx)
	return nil
}

// Stop stops the rotation loop and waits for it to complete.
func (r *Rotator) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.logger.Info().Msg("Key rotation stopped")
	return nil
}

// run is the main rotation loop.
func (r *Rotator) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	if err := r.Rotate(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Key rotation failed")
	}

	for {
		select {
		case <-ticker.C:
			if err := r.Rotate(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Key rotation failed")
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Rotate performs one rotation check: bootstrap the singleton when it
// is absent, return early when rotation is not due, otherwise replace
// the signing keypair. A concurrent rotation by another instance is
// not an error.
func (r *Rotator) Rotate(ctx context.Context) error {
	start := time.Now()
	outcome, err := r.rotate(ctx)
	metrics.RecordKeyRotation(outcome, time.Since(start))
	return err
}

func (r *Rotator) rotate(ctx context.Context) (string, error) {
	// Cheap read first so scheduled checks between rotations do not
	// burn an RSA key generation.
	var current models.Keys
	switch err := r.store.Get(ctx, &current, models.KeysID); {
	case err == nil:
		if r.now().Before(current.NextRotation) {
			return outcomeSkipped, nil
		}
	case errors.Is(err, storage.ErrNotFound) || errs.IsNotFound(err):
		// No keys yet; the update below bootstraps them.
	default:
		return outcomeError, fmt.Errorf("reading keys: %w", err)
	}

	// Generate outside the update so the keypair exists before any
	// store lock is taken.
	signer, err := newSigningKey()
	if err != nil {
		return outcomeError, fmt.Errorf("generating signing key: %w", err)
	}

	outcome := outcomeSkipped
	err = r.store.UpdateKeys(ctx, func(old *models.Keys, found bool) (*models.Keys, error) {
		now := r.now()

		if !found || old.SigningKey == nil {
			outcome = outcomeBootstrapped
			return &models.Keys{
				Meta:          models.Meta{ID: models.KeysID},
				SigningKey:    signer.priv,
				SigningKeyPub: signer.pub,
				VerificationKeys: []models.VerificationKey{{
					PublicKey: signer.pub,
					Expiry:    now.Add(r.config.VerificationKeep),
				}},
				NextRotation: now.Add(r.config.RotationFrequency),
			}, nil
		}

		// Re-check under the store lock; the earlier read may be stale.
		if now.Before(old.NextRotation) {
			outcome = outcomeSkipped
			return nil, nil
		}

		// Drop expired keys, then prepend the new public key so the
		// active signing key is always first in the JWKS.
		verification := make([]models.VerificationKey, 0, len(old.VerificationKeys)+1)
		verification = append(verification, models.VerificationKey{
			PublicKey: signer.pub,
			Expiry:    now.Add(r.config.VerificationKeep),
		})
		for _, vk := range old.VerificationKeys {
			if vk.Expiry.After(now) {
				verification = append(verification, vk)
			}
		}

		outcome = outcomeRotated
		return &models.Keys{
			Meta:             old.Meta,
			SigningKey:       signer.priv,
			SigningKeyPub:    signer.pub,
			VerificationKeys: verification,
			NextRotation:     now.Add(r.config.RotationFrequency),
		}, nil
	})
	if errors.Is(err, storage.ErrKeysConflict) {
		// Another instance rotated first; its keys serve equally well.
		r.logger.Debug().Msg("Keys already rotated by another server instance")
		return outcomeConflict, nil
	}
	if err != nil {
		return outcomeError, fmt.Errorf("updating keys: %w", err)
	}

	switch outcome {
	case outcomeBootstrapped:
		r.logger.Info().
			Str("kid", signer.pub.KeyID).
			Time("next_rotation", r.now().Add(r.config.RotationFrequency)).
			Msg("Bootstrapped signing keys")
	case outcomeRotated:
		r.logger.Info().
			Str("kid", signer.pub.KeyID).
			Msg("Rotated signing keys")
	}
	return outcome, nil
}

// Keys loads the current Keys singleton. NotFound means no bootstrap
// has completed yet.
func (r *Rotator) Keys(ctx context.Context) (*models.Keys, error) {
	var keys models.Keys
	if err := r.store.Get(ctx, &keys, models.KeysID); err != nil {
		return nil, err
	}
	return &keys, nil
}

// JWKS assembles the published key set from the verification keys, in
// insertion order, along with the next rotation time for cache
// headers.
func (r *Rotator) JWKS(ctx context.Context) (*jose.JSONWebKeySet, time.Time, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys.VerificationKeys))}
	for _, vk := range keys.VerificationKeys {
		if vk.PublicKey == nil {
			continue
		}
		set.Keys = append(set.Keys, *vk.PublicKey)
	}
	return set, keys.NextRotation, nil
}

// signingKey pairs the private and public JWK forms of one keypair.
type signingKey struct {
	priv *jose.JSONWebKey
	pub  *jose.JSONWebKey
}

// newSigningKey generates an RSA-2048 keypair wrapped as RS256 JWKs
// sharing a fresh kid.
func newSigningKey() (*signingKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	kid, err := newKeyID()
	if err != nil {
		return nil, err
	}
	return &signingKey{
		priv: &jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: "RS256", Use: "sig"},
		pub:  &jose.JSONWebKey{Key: key.Public(), KeyID: kid, Algorithm: "RS256", Use: "sig"},
	}, nil
}

// newKeyID returns a 40-character random alphanumeric key id.
func newKeyID() (string, error) {
	buf := make([]byte, kidLength)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = kidAlphabet[int(b)%len(kidAlphabet)]
	}
	return string(buf), nil
}
