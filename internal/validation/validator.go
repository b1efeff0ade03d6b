// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package validation validates request structs using
// go-playground/validator v10.
//
// A thread-safe singleton validator checks struct tags on request DTOs;
// failures translate into the typed Validates error so the HTTP layer
// renders the uniform Cim.422 envelope.
//
// Example usage:
//
//	type createGroupRequest struct {
//	    AccountID string `json:"account_id" validate:"required,max=64"`
//	    Name      string `json:"name" validate:"required,min=1,max=128"`
//	}
//
//	if err := validation.Struct(&req); err != nil {
//	    api.WriteErr(w, r, err)
//	    return
//	}
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/cimidp/cim/internal/errs"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the singleton validator instance. Initialization
// happens once; the instance caches struct metadata and is safe for
// concurrent use.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// The built-in validators cover everything the request DTOs
		// need: required, min/max, email, url, uri, oneof, base64url.
	})
	return validate
}

// Struct validates s against its validate tags. Failures return a
// typed Validates error listing every failed field.
func Struct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errs.Validatesf("validation failed: %v", err)
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, translateError(fe))
	}
	return errs.Validatesf("%s", strings.Join(messages, "; "))
}

// errorMessageTemplates maps validation tags to message templates
// taking the field name.
var errorMessageTemplates = map[string]string{
	"required":  "%s is required",
	"email":     "%s must be a valid email address",
	"url":       "%s must be a valid URL",
	"uri":       "%s must be a valid URI",
	"base64url": "%s must be valid base64url encoded",
	"datetime":  "%s must be a valid date/time in RFC3339 format",
}

// errorMessageWithParam maps validation tags to templates taking the
// field name and the tag parameter.
var errorMessageWithParam = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
	"gt":    "%s must be greater than %s",
	"lt":    "%s must be less than %s",
}

// translateError converts a validator.FieldError to a human-readable
// message.
func translateError(fe validator.FieldError) string {
	field := fe.Field()
	tag := fe.Tag()
	param := fe.Param()

	if template, ok := errorMessageTemplates[tag]; ok {
		return fmt.Sprintf(template, field)
	}
	if template, ok := errorMessageWithParam[tag]; ok {
		return fmt.Sprintf(template, field, param)
	}
	return translateMinMax(fe, field, tag, param)
}

// translateMinMax handles min/max with type-specific messages.
func translateMinMax(fe validator.FieldError, field, tag, param string) string {
	isString := fe.Kind().String() == "string"

	switch tag {
	case "min":
		if isString {
			return fmt.Sprintf("%s must be at least %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		if isString {
			return fmt.Sprintf("%s must be at most %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at most %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, tag)
	}
}
