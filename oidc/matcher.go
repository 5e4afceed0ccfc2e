// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/edulogin/oidcflow/jwt"
)

// Matcher decides whether an identity token belongs to an auth instance.
type Matcher interface {
	Match(tok *jwt.Token) (bool, error)
}

// MatcherFunc builds the Matcher for an instance with a complete match rule.
// An error means the rule can't be evaluated; the resolver logs it and
// treats the instance as not matching.
type MatcherFunc func(inst AuthInstance) (Matcher, error)

// RegexMatcher matches when the claim named by Attribute is a non-empty
// string matched by Pattern. The pattern is unanchored.
type RegexMatcher struct {
	Attribute string
	Pattern   *regexp.Regexp
}

// NewRegexMatcher compiles the trimmed value as the pattern for attribute.
func NewRegexMatcher(attribute, value string) (*RegexMatcher, error) {
	const op = "oidc.NewRegexMatcher"
	attribute = strings.TrimSpace(attribute)
	if attribute == "" {
		return nil, fmt.Errorf("%s: missing attribute: %w", op, ErrInvalidParameter)
	}
	re, err := regexp.Compile(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid pattern %q: %w: %w", op, value, ErrInvalidParameter, err)
	}
	return &RegexMatcher{Attribute: attribute, Pattern: re}, nil
}

// Match implements Matcher.
func (m *RegexMatcher) Match(tok *jwt.Token) (bool, error) {
	v := tok.StringClaim(m.Attribute)
	if v == "" {
		return false, nil
	}
	return m.Pattern.MatchString(v), nil
}

// RegexMatcherFunc is the default MatcherFunc.
func RegexMatcherFunc(inst AuthInstance) (Matcher, error) {
	return NewRegexMatcher(inst.InstitutionAttribute, inst.InstitutionValue)
}
