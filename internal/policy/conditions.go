// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
conditions.go - Typed Condition Evaluation

Each condition is a tagged {type, options} record gating a statement on
one request-context value. Two failure classes are kept apart: broken
condition OPTIONS (unknown type, bad regex, bad operator) are policy
configuration errors and propagate so evaluation fails closed, while a
context VALUE of the wrong shape simply does not fulfill the condition.
*/

package policy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
)

// evalCondition dispatches on the condition type.
func (m *Matcher) evalCondition(cond models.Condition, value any, req *Request) (bool, error) {
	switch cond.Type {
	case models.ConditionEqualsSubject:
		s, ok := value.(string)
		return ok && s == req.Subject, nil

	case models.ConditionCIDR:
		return m.evalCIDR(cond, value)

	case models.ConditionStringCmp:
		return m.evalStringCmp(cond, value)

	case models.ConditionStringMatch:
		return m.evalStringMatch(cond, value)

	case models.ConditionBoolean:
		return m.evalBoolean(cond, value)

	case models.ConditionNumericCmp:
		return m.evalNumericCmp(cond, value)

	case models.ConditionTimeCmp:
		return m.evalTimeCmp(cond, value)

	case models.ConditionResourceContains:
		return m.evalResourceContains(value, req)

	default:
		return false, errs.BadRequestf("unknown condition type %q", cond.Type)
	}
}

type cidrOptions struct {
	CIDRs []string `json:"cidrs"`
}

// evalCIDR requires the context IP to lie inside all listed networks.
func (m *Matcher) evalCIDR(cond models.Condition, value any) (bool, error) {
	opts, err := decodeOptions[cidrOptions](cond)
	if err != nil {
		return false, err
	}

	s, ok := value.(string)
	if !ok {
		return false, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return false, nil
	}

	for _, cidr := range opts.CIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return false, errs.BadRequestf("invalid CIDR %q in condition: %v", cidr, err)
		}
		if !network.Contains(ip) {
			return false, nil
		}
	}
	return true, nil
}

type stringCmpEntry struct {
	Equal      bool   `json:"equal"`
	IgnoreCase bool   `json:"ignore_case"`
	Value      string `json:"value"`
}

type stringCmpOptions struct {
	Values []stringCmpEntry `json:"values"`
}

// evalStringCmp ANDs the per-entry equality checks.
func (m *Matcher) evalStringCmp(cond models.Condition, value any) (bool, error) {
	opts, err := decodeOptions[stringCmpOptions](cond)
	if err != nil {
		return false, err
	}

	got, ok := value.(string)
	if !ok {
		return false, nil
	}
	for _, entry := range opts.Values {
		equal := got == entry.Value
		if entry.IgnoreCase {
			equal = strings.EqualFold(got, entry.Value)
		}
		if equal != entry.Equal {
			return false, nil
		}
	}
	return true, nil
}

type stringMatchOptions struct {
	Matches string `json:"matches"`
}

func (m *Matcher) evalStringMatch(cond models.Condition, value any) (bool, error) {
	opts, err := decodeOptions[stringMatchOptions](cond)
	if err != nil {
		return false, err
	}

	got, ok := value.(string)
	if !ok {
		return false, nil
	}
	re, err := m.compiledRegex(opts.Matches)
	if err != nil {
		return false, err
	}
	return re.MatchString(got), nil
}

type booleanOptions struct {
	Value bool `json:"value"`
}

func (m *Matcher) evalBoolean(cond models.Condition, value any) (bool, error) {
	opts, err := decodeOptions[booleanOptions](cond)
	if err != nil {
		return false, err
	}
	got, ok := value.(bool)
	return ok && got == opts.Value, nil
}

type numericCmpOptions struct {
	Op    string  `json:"op"`
	Value float64 `json:"value"`
}

func (m *Matcher) evalNumericCmp(cond models.Condition, value any) (bool, error) {
	opts, err := decodeOptions[numericCmpOptions](cond)
	if err != nil {
		return false, err
	}
	got, ok := toFloat(value)
	if !ok {
		return false, nil
	}
	return compareNumeric(got, opts.Op, opts.Value)
}

type timeCmpOptions struct {
	Format   string `json:"format"`
	Location string `json:"location"`
	Op       string `json:"op"`
	Value    any    `json:"value"`
}

func (m *Matcher) evalTimeCmp(cond models.Condition, value any) (bool, error) {
	opts, err := decodeOptions[timeCmpOptions](cond)
	if err != nil {
		return false, err
	}

	want, err := parseTimeValue(opts.Value, opts.Format, opts.Location)
	if err != nil {
		return false, errs.BadRequestf("invalid TimeCmp condition value: %v", err)
	}
	got, err := parseTimeValue(value, opts.Format, opts.Location)
	if err != nil {
		// Unparseable context input does not fulfill the condition.
		return false, nil
	}
	return compareTime(got, opts.Op, want)
}

// evalResourceContains checks that the context's {value, delimiter}
// names a segment of the request resource.
func (m *Matcher) evalResourceContains(value any, req *Request) (bool, error) {
	entry, ok := value.(map[string]any)
	if !ok {
		return false, nil
	}
	needle, ok := entry["value"].(string)
	if !ok || needle == "" {
		return false, nil
	}
	delimiter, _ := entry["delimiter"].(string)

	if delimiter == "" {
		return strings.Contains(req.Resource, needle), nil
	}
	for _, segment := range strings.Split(req.Resource, delimiter) {
		if segment == needle {
			return true, nil
		}
	}
	return false, nil
}

// decodeOptions unmarshals the condition options into T, tolerating an
// absent options payload.
func decodeOptions[T any](cond models.Condition) (*T, error) {
	opts := new(T)
	if len(cond.Options) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(cond.Options, opts); err != nil {
		return nil, errs.BadRequestf("invalid %s condition options: %v", cond.Type, err)
	}
	return opts, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func compareNumeric(got float64, op string, want float64) (bool, error) {
	switch op {
	case "==":
		return got == want, nil
	case "!=":
		return got != want, nil
	case ">":
		return got > want, nil
	case ">=":
		return got >= want, nil
	case "<":
		return got < want, nil
	case "<=":
		return got <= want, nil
	default:
		return false, errs.BadRequestf("unknown comparison operator %q", op)
	}
}

func compareTime(got time.Time, op string, want time.Time) (bool, error) {
	switch op {
	case "==":
		return got.Equal(want), nil
	case "!=":
		return !got.Equal(want), nil
	case ">":
		return got.After(want), nil
	case ">=":
		return got.After(want) || got.Equal(want), nil
	case "<":
		return got.Before(want), nil
	case "<=":
		return got.Before(want) || got.Equal(want), nil
	default:
		return false, errs.BadRequestf("unknown comparison operator %q", op)
	}
}

// parseTimeValue interprets v per the configured location: unix and
// unixnano read epoch numbers, UTC and LOCAL parse strings with the
// configured format.
func parseTimeValue(v any, format, location string) (time.Time, error) {
	switch location {
	case "unix":
		n, err := toEpoch(v)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(n, 0), nil
	case "unixnano":
		n, err := toEpoch(v)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, n), nil
	case "", "UTC":
		return parseInLocation(v, format, time.UTC)
	case "LOCAL":
		return parseInLocation(v, format, time.Local)
	default:
		return time.Time{}, fmt.Errorf("unknown location %q", location)
	}
}

func parseInLocation(v any, format string, loc *time.Location) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("time value is %T, want string", v)
	}
	if format == "" {
		format = time.RFC3339
	}
	return time.ParseInLocation(format, s, loc)
}

func toEpoch(v any) (int64, error) {
	if f, ok := toFloat(v); ok {
		return int64(f), nil
	}
	if s, ok := v.(string); ok {
		return strconv.ParseInt(s, 10, 64)
	}
	return 0, fmt.Errorf("epoch value is %T, want number or string", v)
}
