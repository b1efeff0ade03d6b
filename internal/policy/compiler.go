// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
compiler.go - Glob Pattern Compilation

Statement patterns use angle-bracket globs: each balanced <expr> span
is a raw regex subgroup, everything outside is literal text. The whole
pattern is anchored, so `users:<.*>:read` compiles to
`^users:(.*):read$` and never matches a substring.

Delimiters nest: `<a<b>c>` emits the single group `(a<b>c)`, leaving
inner brackets for the regex engine. Unbalanced delimiters are a
BadRequest, surfaced when the policy is evaluated.
*/

package policy

import (
	"regexp"
	"strings"

	"github.com/cimidp/cim/internal/errs"
)

// Pattern delimiters.
const (
	delimStart = '<'
	delimEnd   = '>'
)

// CompilePattern translates an angle-bracket glob into an anchored
// regular expression.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	var out strings.Builder
	out.WriteByte('^')

	var literal, group strings.Builder
	depth := 0
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case delimStart:
			if depth == 0 {
				out.WriteString(regexp.QuoteMeta(literal.String()))
				literal.Reset()
			} else {
				group.WriteByte(c)
			}
			depth++
		case delimEnd:
			switch depth {
			case 0:
				return nil, errs.BadRequestf("unbalanced pattern %q: unmatched %q at offset %d", pattern, string(delimEnd), i)
			case 1:
				out.WriteByte('(')
				out.WriteString(group.String())
				out.WriteByte(')')
				group.Reset()
			default:
				group.WriteByte(c)
			}
			depth--
		default:
			if depth > 0 {
				group.WriteByte(c)
			} else {
				literal.WriteByte(c)
			}
		}
	}
	if depth != 0 {
		return nil, errs.BadRequestf("unbalanced pattern %q: missing %q", pattern, string(delimEnd))
	}
	out.WriteString(regexp.QuoteMeta(literal.String()))
	out.WriteByte('$')

	re, err := regexp.Compile(out.String())
	if err != nil {
		return nil, errs.BadRequestf("invalid pattern %q: %v", pattern, err)
	}
	return re, nil
}

// hasDelimiter reports whether the pattern needs compilation at all;
// patterns without delimiters compare by string equality.
func hasDelimiter(pattern string) bool {
	return strings.ContainsRune(pattern, delimStart) || strings.ContainsRune(pattern, delimEnd)
}
