// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package connector

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"time"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/errs"
	"github.com/cimidp/cim/internal/models"
)

// SAMLConfig configures the SAML POST-binding connector.
type SAMLConfig struct {
	// SSOURL is the IdP single-sign-on endpoint the request is POSTed
	// to.
	SSOURL string `json:"sso_url"`

	// EntityIssuer identifies this SP in the authentication request.
	EntityIssuer string `json:"entity_issuer"`

	// CAPEM is the PEM-encoded IdP signing certificate. Responses must
	// carry a signature verifiable against it unless
	// InsecureSkipSignatureValidation is set (dev only).
	CAPEM string `json:"ca_pem,omitempty"`

	InsecureSkipSignatureValidation bool `json:"insecure_skip_signature_validation,omitempty"`

	// Attribute names mapped onto the claim bundle.
	UsernameAttr string `json:"username_attr,omitempty"`
	EmailAttr    string `json:"email_attr,omitempty"`
	GroupsAttr   string `json:"groups_attr,omitempty"`
}

// SAML implements the SAML 2.0 POST binding: it emits a base64
// AuthnRequest for the IdP and consumes the signed Response POSTed
// back.
type SAML struct {
	config SAMLConfig
	cert   *x509.Certificate
	now    func() time.Time
}

// openSAML builds the connector and parses the IdP certificate.
func openSAML(raw json.RawMessage) (*SAML, error) {
	var cfg SAMLConfig
	if err := decodeConfig(raw, &cfg, models.ConnectorTypeSAML); err != nil {
		return nil, err
	}
	if cfg.SSOURL == "" {
		return nil, errs.BadRequestf("saml connector requires sso_url")
	}
	if cfg.UsernameAttr == "" {
		cfg.UsernameAttr = "name"
	}
	if cfg.EmailAttr == "" {
		cfg.EmailAttr = "email"
	}

	s := &SAML{config: cfg, now: time.Now}
	if cfg.CAPEM != "" {
		block, _ := pem.Decode([]byte(cfg.CAPEM))
		if block == nil {
			return nil, errs.BadRequestf("saml connector ca_pem is not valid PEM")
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errs.BadRequestf("saml connector ca_pem: %v", err)
		}
		s.cert = cert
	} else if !cfg.InsecureSkipSignatureValidation {
		return nil, errs.BadRequestf("saml connector requires ca_pem unless signature validation is disabled")
	}
	return s, nil
}

func (s *SAML) isConnector() {}

// authnRequest is the outbound SAML authentication request.
type authnRequest struct {
	XMLName      xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol AuthnRequest"`
	ID           string   `xml:"ID,attr"`
	Version      string   `xml:"Version,attr"`
	IssueInstant string   `xml:"IssueInstant,attr"`
	Destination  string   `xml:"Destination,attr"`
	Issuer       string   `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer,omitempty"`
}

// POSTData returns the base64 AuthnRequest and the SSO URL to POST it
// to. requestID is the local auth request id; the IdP echoes it back
// as InResponseTo.
func (s *SAML) POSTData(_ Scopes, requestID string) (string, string, error) {
	req := authnRequest{
		ID:           "_" + requestID,
		Version:      "2.0",
		IssueInstant: s.now().UTC().Format(time.RFC3339),
		Destination:  s.config.SSOURL,
		Issuer:       s.config.EntityIssuer,
	}
	raw, err := xml.Marshal(req)
	if err != nil {
		return "", "", errs.Internal(err, "encoding SAML request")
	}
	return base64.StdEncoding.EncodeToString(raw), s.config.SSOURL, nil
}

// Inbound response shapes, trimmed to the fields the POST binding
// consumes.
type samlResponse struct {
	XMLName      xml.Name      `xml:"Response"`
	InResponseTo string        `xml:"InResponseTo,attr"`
	Status       samlStatus    `xml:"Status"`
	Signature    *samlSig      `xml:"Signature"`
	Assertion    samlAssertion `xml:"Assertion"`
}

type samlStatus struct {
	StatusCode struct {
		Value string `xml:"Value,attr"`
	} `xml:"StatusCode"`
}

type samlSig struct {
	SignedInfo     innerXML `xml:"SignedInfo"`
	SignatureValue string   `xml:"SignatureValue"`
}

// innerXML captures an element's raw serialized form for signature
// verification.
type innerXML struct {
	Raw string `xml:",innerxml"`
}

type samlAssertion struct {
	Subject struct {
		NameID string `xml:"NameID"`
	} `xml:"Subject"`
	Conditions struct {
		NotBefore    string `xml:"NotBefore,attr"`
		NotOnOrAfter string `xml:"NotOnOrAfter,attr"`
	} `xml:"Conditions"`
	AttributeStatement struct {
		Attributes []samlAttribute `xml:"Attribute"`
	} `xml:"AttributeStatement"`
}

type samlAttribute struct {
	Name   string   `xml:"Name,attr"`
	Values []string `xml:"AttributeValue"`
}

const statusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"

// HandlePOST validates the IdP response and maps its assertion onto
// the claim bundle. inResponseTo is the local auth request id the
// response must reference.
func (s *SAML) HandlePOST(_ Scopes, response, inResponseTo string) (Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return Identity{}, errs.BadRequestf("SAMLResponse is not valid base64: %v", err)
	}

	var resp samlResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return Identity{}, errs.BadRequestf("SAMLResponse is not valid XML: %v", err)
	}

	if resp.Status.StatusCode.Value != statusSuccess {
		return Identity{}, errs.Unauthorizedf("IdP returned status %q", resp.Status.StatusCode.Value)
	}
	if resp.InResponseTo != "_"+inResponseTo {
		return Identity{}, errs.BadRequestf("response InResponseTo %q does not match the login attempt", resp.InResponseTo)
	}

	if err := s.verifySignature(&resp); err != nil {
		return Identity{}, err
	}
	if err := s.checkConditions(&resp.Assertion); err != nil {
		return Identity{}, err
	}

	claim := models.Claim{Sub: resp.Assertion.Subject.NameID}
	for _, attr := range resp.Assertion.AttributeStatement.Attributes {
		if len(attr.Values) == 0 {
			continue
		}
		switch attr.Name {
		case s.config.UsernameAttr:
			claim.Name = attr.Values[0]
		case s.config.EmailAttr:
			claim.Email = attr.Values[0]
			claim.EmailVerified = true
		case s.config.GroupsAttr:
			claim.Groups = attr.Values
		}
	}
	if claim.Sub == "" {
		return Identity{}, errs.BadRequestf("assertion is missing a subject NameID")
	}
	return Identity{Claim: claim}, nil
}

// verifySignature checks the response signature against the configured
// IdP certificate: RSA-SHA256 over the serialized SignedInfo.
//
// TODO: replace the re-serialized SignedInfo comparison with full
// exclusive canonicalization; IdPs emitting exotic namespace prefixes
// inside SignedInfo will fail verification until then.
func (s *SAML) verifySignature(resp *samlResponse) error {
	if s.config.InsecureSkipSignatureValidation {
		return nil
	}
	if resp.Signature == nil || resp.Signature.SignatureValue == "" {
		return errs.Unauthorizedf("response is not signed")
	}

	sig, err := base64.StdEncoding.DecodeString(resp.Signature.SignatureValue)
	if err != nil {
		return errs.BadRequestf("SignatureValue is not valid base64: %v", err)
	}
	pub, ok := s.cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errs.BadRequestf("IdP certificate does not carry an RSA key")
	}

	digest := sha256.Sum256([]byte(resp.Signature.SignedInfo.Raw))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return errs.Unauthorizedf("response signature verification failed")
	}
	return nil
}

// checkConditions enforces the assertion validity window when present.
func (s *SAML) checkConditions(a *samlAssertion) error {
	now := s.now()
	if v := a.Conditions.NotBefore; v != "" {
		t, err := parseSAMLTime(v)
		if err != nil {
			return err
		}
		if now.Before(t) {
			return errs.Unauthorizedf("assertion is not yet valid")
		}
	}
	if v := a.Conditions.NotOnOrAfter; v != "" {
		t, err := parseSAMLTime(v)
		if err != nil {
			return err
		}
		if !now.Before(t) {
			return errs.Unauthorizedf("assertion has expired")
		}
	}
	return nil
}

// parseSAMLTime accepts the RFC3339 forms IdPs emit, with and without
// fractional seconds.
func parseSAMLTime(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999Z"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errs.BadRequestf("invalid SAML timestamp %q", v)
}
