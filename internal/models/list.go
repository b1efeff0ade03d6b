// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package models

// ListOpts selects and pages a listing. Filter entries compare by
// equality against the kind's filterable fields; unknown keys are
// ignored by MatchesFilter but rejected at the API boundary.
type ListOpts struct {
	// Filter is an equality filter over kind fields.
	Filter map[string]string

	// Limit bounds the page size; 0 means unbounded.
	Limit int

	// Offset skips rows after ordering.
	Offset int

	// CountDisable skips the total count for cheaper listings.
	CountDisable bool
}

// List is the listing envelope: one page of data plus paging state.
// Ordering is created_at descending unless a backend documents
// otherwise.
type List[T any] struct {
	Data   []T   `json:"data"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}
