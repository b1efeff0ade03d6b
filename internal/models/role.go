// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package models

import "strconv"

// BindingType identifies the principal kind a binding row points at.
type BindingType int

// Principal kinds for RoleBinding.UserType and PolicyBinding.BindingsType.
// RoleBinding rows only use BindingUser and BindingGroup.
const (
	BindingUser  BindingType = 1
	BindingGroup BindingType = 2
	BindingRole  BindingType = 3
)

// String returns a readable name for logs.
func (b BindingType) String() string {
	switch b {
	case BindingUser:
		return "user"
	case BindingGroup:
		return "group"
	case BindingRole:
		return "role"
	default:
		return "unknown"
	}
}

// Role is a binding vehicle analogous to Group; role bindings attach
// users or whole groups to it. Deletable only while no live RoleBinding
// or PolicyBinding row references it.
type Role struct {
	Meta

	AccountID string `json:"account_id,omitempty"`
	Name      string `json:"name"`
	Desc      string `json:"desc,omitempty"`
}

// Kind returns the storage kind name.
func (r *Role) Kind() string { return KindRole }

// MatchesFilter reports whether the role matches every filter entry.
func (r *Role) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := r.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		switch k {
		case "account_id":
			if r.AccountID != v {
				return false
			}
		case "name":
			if r.Name != v {
				return false
			}
		}
	}
	return true
}

// RoleBinding attaches a user or a group to a role.
type RoleBinding struct {
	Meta

	RoleID string `json:"role_id"`

	// UserType is BindingUser or BindingGroup.
	UserType BindingType `json:"user_type"`

	// UserID is the user or group id, per UserType.
	UserID string `json:"user_id"`
}

// Kind returns the storage kind name.
func (rb *RoleBinding) Kind() string { return KindRoleBinding }

// MatchesFilter reports whether the binding matches every filter entry.
func (rb *RoleBinding) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := rb.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		switch k {
		case "role_id":
			if rb.RoleID != v {
				return false
			}
		case "user_id":
			if rb.UserID != v {
				return false
			}
		case "user_type":
			if strconv.Itoa(int(rb.UserType)) != v {
				return false
			}
		}
	}
	return true
}
