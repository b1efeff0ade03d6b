// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package models

// Group collects users for policy binding. A group is deletable only
// while no live GroupUser or PolicyBinding row references it.
type Group struct {
	Meta

	AccountID string `json:"account_id,omitempty"`
	Name      string `json:"name"`
	Desc      string `json:"desc,omitempty"`
}

// Kind returns the storage kind name.
func (g *Group) Kind() string { return KindGroup }

// MatchesFilter reports whether the group matches every filter entry.
func (g *Group) MatchesFilter(filter map[string]string) bool {
	for k, v := range filter {
		if ok, handled := g.matchMeta(k, v); handled {
			if !ok {
				return false
			}
			continue
		}
		switch k {
		case "account_id":
			if g.AccountID != v {
				return false
			}
		case "name":
			if g.Name != v {
				return false
			}
		}
	}
	return true
}
