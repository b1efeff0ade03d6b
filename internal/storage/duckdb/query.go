// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package duckdb

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cimidp/cim/internal/models"
)

// buildListQuery constructs the SELECT for List. Filter keys without a
// dedicated column come back in residual for post-decode matching; when
// residual is non-empty paging is left to the caller.
func buildListQuery(kind string, opts models.ListOpts, includeDeleted bool) (string, []any, map[string]string) {
	query, args, residual := buildWhere(fmt.Sprintf(`SELECT data FROM %q`, kind), kind, opts.Filter, includeDeleted)

	query += ` ORDER BY created_at DESC, id DESC`
	if len(residual) == 0 {
		if opts.Limit > 0 {
			query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
		}
		if opts.Offset > 0 {
			query += fmt.Sprintf(` OFFSET %d`, opts.Offset)
		}
	}
	return query, args, residual
}

// buildCountQuery constructs the query for Count. With residual filters
// it selects documents for post-decode counting instead of COUNT(*).
func buildCountQuery(kind string, opts models.ListOpts, unscoped bool) (string, []any, map[string]string) {
	head := fmt.Sprintf(`SELECT COUNT(*) FROM %q`, kind)
	query, args, residual := buildWhere(head, kind, opts.Filter, unscoped)
	if len(residual) == 0 {
		return query, args, nil
	}
	query, args, residual = buildWhere(fmt.Sprintf(`SELECT data FROM %q`, kind), kind, opts.Filter, unscoped)
	return query, args, residual
}

// buildWhere appends the shared row-visibility clauses and the column
// filters to head. Expired rows are always excluded.
func buildWhere(head, kind string, filter map[string]string, includeDeleted bool) (string, []any, map[string]string) {
	query := head + ` WHERE (expires_at IS NULL OR expires_at > ?)`
	args := []any{time.Now().UTC()}
	if !includeDeleted {
		query += ` AND deleted = ''`
	}

	residual := make(map[string]string)
	if len(filter) == 0 {
		return query, args, residual
	}

	cols := make(map[string]bool, len(tableColumns[kind]))
	for _, c := range tableColumns[kind] {
		cols[c.name] = true
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := filter[k]
		switch {
		case k == "id":
			query += ` AND id = ?`
			args = append(args, v)
		case cols[k]:
			query += fmt.Sprintf(` AND %s = ?`, k)
			args = append(args, bindValue(k, v))
		default:
			residual[k] = v
		}
	}
	return query, args, residual
}

// bindValue converts a filter value to the column's bind type. The two
// binding-type columns are INTEGER; a non-numeric value matches nothing.
func bindValue(col, val string) any {
	if col == "user_type" || col == "bindings_type" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return -1
		}
		return n
	}
	return val
}

// pageSlice applies offset and limit to an already ordered result.
func pageSlice(items []models.Object, opts models.ListOpts) []models.Object {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
