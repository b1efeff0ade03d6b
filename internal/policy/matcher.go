// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package policy evaluates access-control statements against
// authorization requests.
//
// matcher.go - Statement Matching and the Decision Rule
//
// A statement matches when its actions, subjects and resources each
// contain at least one pattern matching the request, and every
// condition whose key appears in the request context evaluates true.
// Conditions keyed on absent context entries are skipped.
//
// Deny wins universally: any matching Deny statement fails the request
// immediately, and without at least one matching Allow the request
// fails too.
package policy

import (
	"regexp"
	"time"

	"github.com/bluele/gcache"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/metrics"
	"github.com/cimidp/cim/internal/models"
)

// DefaultCacheSize bounds the compiled-pattern LRU.
const DefaultCacheSize = 256

// Request is one authorization question.
type Request struct {
	Subject  string         `json:"subject"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Context  map[string]any `json:"context,omitempty"`
}

// Matcher evaluates statements, caching compiled patterns in a
// bounded LRU shared across goroutines.
type Matcher struct {
	cache gcache.Cache
}

// NewMatcher creates a matcher with the given pattern-cache size; zero
// or negative selects DefaultCacheSize.
func NewMatcher(cacheSize int) *Matcher {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Matcher{cache: gcache.New(cacheSize).LRU().Build()}
}

// Allowed applies the decision rule to statements: a matching Deny
// fails immediately with Forbidden, and absent any matching Allow the
// request is likewise Forbidden. Statement errors (bad patterns, bad
// condition options) propagate so a broken policy fails closed.
func (m *Matcher) Allowed(statements []models.Statement, req *Request) error {
	start := time.Now()

	allowed := false
	for i := range statements {
		match, err := m.statementMatches(&statements[i], req)
		if err != nil {
			metrics.RecordPolicyDecision("error", time.Since(start))
			return err
		}
		if !match {
			continue
		}
		if statements[i].Effect == models.EffectDeny {
			metrics.RecordPolicyDecision("deny", time.Since(start))
			return errs.New(errs.KindForbidden, errs.CodePolicyDenied,
				"request explicitly denied")
		}
		allowed = true
	}

	if !allowed {
		metrics.RecordPolicyDecision("deny", time.Since(start))
		return errs.New(errs.KindForbidden, errs.CodePolicyDenied,
			"no policy allows the request")
	}
	metrics.RecordPolicyDecision("allow", time.Since(start))
	return nil
}

// statementMatches checks one statement's three pattern dimensions and
// its applicable conditions.
func (m *Matcher) statementMatches(st *models.Statement, req *Request) (bool, error) {
	for _, dim := range [...]struct {
		patterns []string
		needle   string
	}{
		{st.Actions, req.Action},
		{st.Subjects, req.Subject},
		{st.Resources, req.Resource},
	} {
		ok, err := m.matchAny(dim.patterns, dim.needle)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	for key, cond := range st.Conditions {
		value, present := req.Context[key]
		if !present {
			continue
		}
		ok, err := m.evalCondition(cond, value, req)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchAny reports whether any pattern in the list matches needle.
func (m *Matcher) matchAny(patterns []string, needle string) (bool, error) {
	for _, pattern := range patterns {
		ok, err := m.matchPattern(pattern, needle)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// matchPattern compares needle against one pattern: plain strings by
// equality, delimited patterns through the compiled-regex cache.
func (m *Matcher) matchPattern(pattern, needle string) (bool, error) {
	if !hasDelimiter(pattern) {
		return pattern == needle, nil
	}
	re, err := m.compiledGlob(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(needle), nil
}

// Cache keys are namespaced because glob patterns and raw condition
// regexes compile differently from the same source text.
const (
	cacheKeyGlob  = "glob\x00"
	cacheKeyRegex = "re\x00"
)

func (m *Matcher) compiledGlob(pattern string) (*regexp.Regexp, error) {
	return m.compiled(cacheKeyGlob+pattern, pattern, CompilePattern)
}

func (m *Matcher) compiledRegex(expr string) (*regexp.Regexp, error) {
	return m.compiled(cacheKeyRegex+expr, expr, func(s string) (*regexp.Regexp, error) {
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, errs.BadRequestf("invalid condition regex %q: %v", s, err)
		}
		return re, nil
	})
}

func (m *Matcher) compiled(key, source string, compile func(string) (*regexp.Regexp, error)) (*regexp.Regexp, error) {
	if v, err := m.cache.Get(key); err == nil {
		metrics.RecordPolicyCacheLookup(true)
		return v.(*regexp.Regexp), nil
	}
	metrics.RecordPolicyCacheLookup(false)

	re, err := compile(source)
	if err != nil {
		return nil, err
	}
	_ = m.cache.Set(key, re)
	return re, nil
}
