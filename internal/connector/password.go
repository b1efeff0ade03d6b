// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package connector

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// Password is the built-in password connector backed by the user
// store. The login subject resolves, in order, against the user id,
// the email claim, then the phone number claim.
type Password struct {
	users storage.Typed[models.User, *models.User]
}

// NewPassword creates the built-in password connector.
func NewPassword(users storage.Typed[models.User, *models.User]) *Password {
	return &Password{users: users}
}

func (p *Password) isConnector() {}

// Prompt returns the credential label for the login page.
func (p *Password) Prompt() string { return "Password" }

// RefreshEnabled reports that local logins support refresh tokens.
func (p *Password) RefreshEnabled() bool { return true }

// Login resolves the subject to a user and verifies the password in
// constant time. Unknown subjects and wrong passwords fail identically.
func (p *Password) Login(ctx context.Context, s Scopes, subject, password string) (Identity, error) {
	user, err := p.resolve(ctx, subject)
	if err != nil {
		if errs.IsNotFound(err) {
			return Identity{}, errs.Unauthorizedf("invalid credentials")
		}
		return Identity{}, err
	}

	if !VerifyPassword(user.Secret, password, user.Password) {
		return Identity{}, errs.Unauthorizedf("invalid credentials")
	}
	return p.identity(ctx, user, s)
}

// Refresh re-reads the user so refreshed tokens carry current claims.
// A deleted user ends the refresh chain.
func (p *Password) Refresh(ctx context.Context, s Scopes, identity Identity) (Identity, error) {
	user, err := p.users.Get(ctx, identity.Claim.Sub)
	if err != nil {
		if errs.IsNotFound(err) {
			return Identity{}, errs.Unauthorizedf("user %q no longer exists", identity.Claim.Sub)
		}
		return Identity{}, err
	}
	return p.identity(ctx, user, s)
}

// resolve tries id, then email, then phone number.
func (p *Password) resolve(ctx context.Context, subject string) (*models.User, error) {
	user, err := p.users.Get(ctx, subject)
	if err == nil {
		return user, nil
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}

	for _, filter := range []map[string]string{
		{"email": subject},
		{"phone_number": subject},
	} {
		page, err := p.users.List(ctx, models.ListOpts{Filter: filter, Limit: 1, CountDisable: true})
		if err != nil {
			return nil, err
		}
		if len(page.Data) > 0 {
			return page.Data[0], nil
		}
	}
	return nil, errs.NotFoundf("user %q not found", subject)
}

// identity builds the identity from the stored claim set, stamping the
// subject.
func (p *Password) identity(_ context.Context, user *models.User, _ Scopes) (Identity, error) {
	claim := user.Claim
	claim.Sub = user.ID
	return Identity{Claim: claim}, nil
}

// HashPassword returns the stored form of a password: the hex SHA-256
// of the per-user salt concatenated with the plaintext.
func HashPassword(secret, password string) string {
	sum := sha256.Sum256([]byte(secret + password))
	return hex.EncodeToString(sum[:])
}

// VerifyPassword compares the salted hash of password against the
// stored hash in constant time.
func VerifyPassword(secret, password, stored string) bool {
	hashed := HashPassword(secret, password)
	return subtle.ConstantTimeCompare([]byte(hashed), []byte(stored)) == 1
}
