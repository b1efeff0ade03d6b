// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package models

// User is an end user of the provider. Users own the claims embedded in
// issued tokens and authenticate through the built-in password connector
// or an upstream one.
//
// Password storage: Secret is a per-user random salt; Password holds the
// hex SHA-256 of salt+password. Neither leaves the API layer unsanitized.
type User struct {
	Meta

	// AccountID is the owning tenant.
	AccountID string `json:"account_id,omitempty"`

	// Desc is a free-form description.
	Desc string `json:"desc,omitempty"`

	// Claim holds the user's OIDC standard claims.
	Claim Claim `json:"claim"`

	// Secret is the per-user random salt.
	Secret string `json:"secret,omitempty"`

	// Password is the salted hash, never the plaintext.
	Password string `json:"password,omitempty"`
}

// Kind returns the storage kind name.
func (u *User) Kind() string { return KindUser }

// MatchesFilter reports whether the user matches every filter entry.
func (u *User) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := u.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		switch k {
		case "account_id":
			if u.AccountID != v {
				return false
			}
		case "email":
			if u.Claim.Email != v {
				return false
			}
		case "phone_number":
			if u.Claim.PhoneNumber != v {
				return false
			}
		}
	}
	return true
}

// Sanitize strips credential material before the user is written to an
// API response or a watch frame.
func (u *User) Sanitize() {
	u.Secret = ""
	u.Password = ""
}

// GroupUser is the many-to-many relation between groups and users.
type GroupUser struct {
	Meta

	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// Kind returns the storage kind name.
func (gu *GroupUser) Kind() string { return KindGroupUser }

// MatchesFilter reports whether the membership matches every filter entry.
func (gu *GroupUser) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := gu.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		switch k {
		case "group_id":
			if gu.GroupID != v {
				return false
			}
		case "user_id":
			if gu.UserID != v {
				return false
			}
		}
	}
	return true
}
