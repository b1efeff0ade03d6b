// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package models

// Claim is the bundle of standard OIDC claims owned by a user. Connectors
// produce one at login; the token service embeds the scope-selected subset
// into issued id tokens.
type Claim struct {
	// Sub is the subject identifier, unique per user within the issuer.
	Sub string `json:"sub,omitempty"`

	Name              string `json:"name,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	Nickname          string `json:"nickname,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Profile           string `json:"profile,omitempty"`
	Picture           string `json:"picture,omitempty"`
	Website           string `json:"website,omitempty"`

	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`

	Gender    string `json:"gender,omitempty"`
	Birthdate string `json:"birthdate,omitempty"`
	Zoneinfo  string `json:"zoneinfo,omitempty"`
	Locale    string `json:"locale,omitempty"`

	PhoneNumber         string `json:"phone_number,omitempty"`
	PhoneNumberVerified bool   `json:"phone_number_verified,omitempty"`

	Address *Address `json:"address,omitempty"`

	// Groups carries group names for the "groups" scope.
	Groups []string `json:"groups,omitempty"`

	// UpdatedAt is the unix time the claims were last updated.
	UpdatedAt int64 `json:"updated_at,omitempty"`
}

// Address is the OIDC address claim sub-record.
type Address struct {
	Formatted     string `json:"formatted,omitempty"`
	StreetAddress string `json:"street_address,omitempty"`
	Locality      string `json:"locality,omitempty"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	Country       string `json:"country,omitempty"`
}
