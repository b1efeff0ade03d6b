// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package web renders the built-in browser pages: the password prompt,
// the connector picker, the consent form and the SAML POST-binding
// auto-submit form. The pages are deliberately plain; deployments that
// want branding put a real frontend in front of the provider.
package web

import (
	"embed"
	"html/template"
	"io"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Templates holds the parsed page set.
type Templates struct {
	t *template.Template
}

// New parses the embedded pages.
func New() (*Templates, error) {
	t, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Templates{t: t}, nil
}

// LoginData fills the password prompt.
type LoginData struct {
	PostURL string
	State   string

	// Prompt labels the credential field, from the connector.
	Prompt string

	// Invalid re-renders the form after a failed attempt.
	Invalid bool
}

// Login renders the password prompt.
func (t *Templates) Login(w io.Writer, data LoginData) error {
	return t.t.ExecuteTemplate(w, "login.html", data)
}

// PickerConnector is one row of the connector picker.
type PickerConnector struct {
	ID   string
	Name string
	URL  string
}

// PickerData fills the connector picker.
type PickerData struct {
	Connectors []PickerConnector
}

// Picker renders the connector chooser shown when more than one
// connector is configured.
func (t *Templates) Picker(w io.Writer, data PickerData) error {
	return t.t.ExecuteTemplate(w, "picker.html", data)
}

// ApprovalData fills the consent form.
type ApprovalData struct {
	PostURL string
	ReqID   string
	MAC     string

	ClientName string
	Scopes     []string
}

// Approval renders the consent form.
func (t *Templates) Approval(w io.Writer, data ApprovalData) error {
	return t.t.ExecuteTemplate(w, "approval.html", data)
}

// SAMLFormData fills the POST-binding auto-submit form.
type SAMLFormData struct {
	SSOURL      string
	SAMLRequest string
	RelayState  string
}

// SAMLForm renders the form that forwards the browser to the IdP.
func (t *Templates) SAMLForm(w io.Writer, data SAMLFormData) error {
	return t.t.ExecuteTemplate(w, "saml.html", data)
}
