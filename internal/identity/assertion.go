package identity

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedAssertion = errors.New("malformed assertion")

const roleAttributeName = "https://aws.amazon.com/SAML/Attributes/Role"

// RoleBinding is one granted (identity provider registration, assumable
// role) pair carried by the assertion.
type RoleBinding struct {
	PrincipalARN string
	RoleARN      string
}

type samlAttribute struct {
	Name   string   `xml:"Name,attr"`
	Values []string `xml:"AttributeValue"`
}

type samlResponse struct {
	XMLName    xml.Name        `xml:"Response"`
	Attributes []samlAttribute `xml:"Assertion>AttributeStatement>Attribute"`
}

// ExtractRoleBindings decodes the base64 assertion and collects every value
// of the AWS role attribute, splitting each on the first comma into a
// RoleBinding. Document order is preserved.
func ExtractRoleBindings(assertion string) ([]RoleBinding, error) {
	raw, err := base64.StdEncoding.DecodeString(assertion)
	if err != nil {
		return nil, fmt.Errorf("assertion is not valid base64: %s, %w", err, ErrMalformedAssertion)
	}

	doc := samlResponse{}
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("assertion payload is not parseable xml: %s, %w", err, ErrMalformedAssertion)
	}

	bindings := []RoleBinding{}
	for _, attr := range doc.Attributes {
		if attr.Name != roleAttributeName {
			continue
		}
		for _, v := range attr.Values {
			principal, role, found := strings.Cut(v, ",")
			if !found {
				return nil, fmt.Errorf("role attribute value %q has no principal,role separator, %w", v, ErrMalformedAssertion)
			}
			bindings = append(bindings, RoleBinding{
				PrincipalARN: strings.TrimSpace(principal),
				RoleARN:      strings.TrimSpace(role),
			})
		}
	}
	return bindings, nil
}

// Dedupe collapses value-identical bindings, keeping first-seen order.
func Dedupe(bindings []RoleBinding) []RoleBinding {
	seen := map[RoleBinding]bool{}
	out := make([]RoleBinding, 0, len(bindings))
	for _, b := range bindings {
		if seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}
