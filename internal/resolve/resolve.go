// Package resolve narrows the full role-binding list down to the working
// set selected by the user's account and role selectors.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudbroker/adfscreds/internal/identity"
)

var (
	ErrNotFound    = errors.New("selector matched nothing")
	ErrBadSelector = errors.New("invalid selector")
)

// AliasFunc resolves a binding's human-readable account name. It is only
// consulted on the network-expensive fallback pass and must not fail - see
// broker.AliasCache.
type AliasFunc func(ctx context.Context, binding identity.RoleBinding) string

// Bindings filters the binding list by the optional account and role
// selectors. An integer account selector is an exact account-number match
// via the principal ARN prefix; anything else is a regular expression tested
// against the principal ARN text and, only when that pass matches nothing,
// against each candidate's resolved account alias.
func Bindings(ctx context.Context, bindings []identity.RoleBinding, accountSelector, roleSelector string, alias AliasFunc) ([]identity.RoleBinding, error) {
	working := bindings

	if accountSelector != "" {
		principal, err := matchPrincipal(ctx, bindings, accountSelector, alias)
		if err != nil {
			return nil, err
		}
		working = nil
		for _, b := range bindings {
			if b.PrincipalARN == principal {
				working = append(working, b)
			}
		}
		if len(working) == 0 {
			return nil, fmt.Errorf("account %s not found, %w", accountSelector, ErrNotFound)
		}
	}

	if roleSelector != "" {
		working, err := filterRoles(working, roleSelector)
		if err != nil {
			return nil, err
		}
		if len(working) == 0 {
			msg := fmt.Sprintf("role %s not found", roleSelector)
			if accountSelector != "" {
				msg = fmt.Sprintf("%s in account %s", msg, accountSelector)
			}
			return nil, fmt.Errorf("%s, %w", msg, ErrNotFound)
		}
		return working, nil
	}

	return working, nil
}

// matchPrincipal finds the principal ARN selected by the account selector.
// The alias fallback is only triggered on a null first pass over the ARN
// text, keeping the common path off the network.
func matchPrincipal(ctx context.Context, bindings []identity.RoleBinding, selector string, alias AliasFunc) (string, error) {
	pattern := selector
	if id, err := strconv.Atoi(selector); err == nil {
		pattern = fmt.Sprintf("arn:aws:iam::%d", id)
	}
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("account selector %q: %s, %w", selector, err, ErrBadSelector)
	}

	for _, b := range bindings {
		if regex.MatchString(b.PrincipalARN) {
			return b.PrincipalARN, nil
		}
	}

	if alias != nil {
		for _, b := range bindings {
			if regex.MatchString(alias(ctx, b)) {
				return b.PrincipalARN, nil
			}
		}
	}

	return "", fmt.Errorf("account %s not found, %w", selector, ErrNotFound)
}

func filterRoles(bindings []identity.RoleBinding, selector string) ([]identity.RoleBinding, error) {
	matched := []identity.RoleBinding{}

	if strings.HasPrefix(selector, "arn:") {
		for _, b := range bindings {
			if b.RoleARN == selector {
				matched = append(matched, b)
			}
		}
		return matched, nil
	}

	regex, err := regexp.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("role selector %q: %s, %w", selector, err, ErrBadSelector)
	}
	for _, b := range bindings {
		if regex.MatchString(b.RoleARN) {
			matched = append(matched, b)
		}
	}
	return matched, nil
}
